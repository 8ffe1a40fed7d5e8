package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/observability"
	"github.com/felipemaragno/settle/internal/processor"
)

const (
	maxBodyBytes          = 1 << 20
	defaultDeadLetterPage = 50
	maxDeadLetterPage     = 500
)

// EventProcessor is the part of processor.Processor the HTTP transport needs.
type EventProcessor interface {
	Process(ctx context.Context, ev domain.ProviderEvent) (processor.Result, error)
	Replay(ctx context.Context, providerEventID string) (processor.Result, error)
	Status(ctx context.Context, providerEventID string) (domain.EventStatus, error)
	ListDeadLetters(ctx context.Context, limit int) ([]domain.EventStatus, error)
}

type Handler struct {
	processor EventProcessor
	logger    *slog.Logger
}

func NewHandler(p EventProcessor, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Handler{processor: p, logger: logger}
}

type ResultResponse struct {
	Success bool                `json:"success"`
	Message string              `json:"message"`
	Outcome string              `json:"outcome"`
	Event   *domain.EventStatus `json:"event,omitempty"`
}

type DeadLettersResponse struct {
	Events []domain.EventStatus `json:"events"`
	Count  int                  `json:"count"`
}

// ReceiveEvent accepts a provider event whose signature was already checked
// upstream. The status code tells the provider whether to redeliver.
func (h *Handler) ReceiveEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		h.respondError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	ev, err := domain.ParseProviderEvent(body)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.processor.Process(r.Context(), ev)
	if err != nil && res.Outcome == processor.OutcomeUnavailable {
		observability.LoggerFromContext(r.Context()).Error("event processing unavailable",
			"event_id", ev.ID,
			"event_type", ev.Type,
			"error", err,
		)
	}
	h.respondResult(w, res)
}

func (h *Handler) GetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "event id is required")
		return
	}

	status, err := h.processor.Status(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to get event status", "error", err, "event_id", id)
		h.respondError(w, http.StatusInternalServerError, "failed to get event")
		return
	}

	h.respondJSON(w, http.StatusOK, status)
}

func (h *Handler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := defaultDeadLetterPage
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxDeadLetterPage)
	}

	events, err := h.processor.ListDeadLetters(r.Context(), limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	h.respondJSON(w, http.StatusOK, DeadLettersResponse{Events: events, Count: len(events)})
}

func (h *Handler) ReplayEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		h.respondError(w, http.StatusBadRequest, "event id is required")
		return
	}

	res, err := h.processor.Replay(r.Context(), id)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		h.respondError(w, http.StatusNotFound, "event not found")
		return
	case errors.Is(err, domain.ErrNotDeadLettered):
		h.respondError(w, http.StatusConflict, "event is not dead-lettered")
		return
	case err != nil:
		h.logger.Error("replay failed", "error", err, "event_id", id)
	}

	h.respondResult(w, res)
}

// StatusFor maps a processing outcome to the HTTP status returned to the provider.
// Failures that a redelivery can fix return 5xx; everything else is final.
func StatusFor(o processor.Outcome) int {
	switch o {
	case processor.OutcomeProcessed, processor.OutcomeAcknowledged, processor.OutcomeDuplicate:
		return http.StatusOK
	case processor.OutcomeRejected:
		return http.StatusBadRequest
	case processor.OutcomeRetryScheduled:
		return http.StatusInternalServerError
	case processor.OutcomeDeadLettered:
		// Parked for operator replay; provider redelivery cannot change that.
		return http.StatusOK
	case processor.OutcomeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondResult(w http.ResponseWriter, res processor.Result) {
	if res.Outcome == processor.OutcomeUnavailable {
		w.Header().Set("Retry-After", "30")
	}
	h.respondJSON(w, StatusFor(res.Outcome), ResultResponse{
		Success: res.Success,
		Message: res.Message,
		Outcome: string(res.Outcome),
		Event:   res.Event,
	})
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, errorResponse{Error: message})
}
