// Package processor turns provider event deliveries into exactly-once effects.
//
// Flow for one delivery:
//
//	validate ──► insert-if-absent ──► processed? ──► duplicate
//	                                     │
//	                                     ▼
//	             ┌──────────── transaction ─────────────┐
//	             │ lock row, re-check processed         │
//	             │ BeginAttempt (count, next_retry_at)  │
//	             │ savepoint { handler -> ledger }      │
//	             │ MarkSucceeded | MarkFailed           │
//	             │ save                                 │
//	             └──────────────────────────────────────┘
//
// The row lock serializes attempts on the same provider event id across
// processes. The savepoint discards a failed handler's ledger writes while
// the attempt bookkeeping still commits.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/clock"
	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/observability"
	"github.com/felipemaragno/settle/internal/repository"
	"github.com/felipemaragno/settle/internal/resilience"
	"github.com/felipemaragno/settle/internal/retry"
)

// Outcome tags how a delivery ended. Transports map it to their own codes.
type Outcome string

const (
	OutcomeRejected       Outcome = "rejected"
	OutcomeDuplicate      Outcome = "duplicate"
	OutcomeProcessed      Outcome = "processed"
	OutcomeAcknowledged   Outcome = "acknowledged"
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	OutcomeDeadLettered   Outcome = "dead_lettered"
	OutcomeUnavailable    Outcome = "unavailable"
)

// ErrCircuitOpen is returned with OutcomeUnavailable when the breaker for the
// event type refuses work. No attempt is consumed.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// Result reports a delivery. Success is true for processed, acknowledged and
// duplicate deliveries. Event is nil only for rejected or unavailable results.
type Result struct {
	Success bool
	Message string
	Outcome Outcome
	Event   *domain.EventStatus
}

// Applier applies an event's effect through the given ledger.
type Applier interface {
	Handles(eventType string) bool
	Apply(ctx context.Context, ledger repository.Ledger, eventType string, payload json.RawMessage) error
}

// ProcessedCache short-circuits duplicates of events known to be processed.
type ProcessedCache interface {
	IsProcessed(ctx context.Context, providerEventID string) bool
	MarkProcessed(ctx context.Context, providerEventID string) error
}

// DeadLetterNotifier is told about every event that enters the dead-letter state.
type DeadLetterNotifier interface {
	NotifyDeadLetter(ctx context.Context, status domain.EventStatus) error
}

// Processor is safe for concurrent use.
type Processor struct {
	events  repository.EventStore
	tx      repository.Transactor
	applier Applier
	clock   clock.Clock
	policy  retry.Policy
	logger  *slog.Logger
	metrics *observability.Metrics

	cache    ProcessedCache
	breaker  *resilience.CircuitBreakerManager
	notifier DeadLetterNotifier
}

// New creates a Processor. Use the With methods to add optional features.
func New(
	events repository.EventStore,
	tx repository.Transactor,
	applier Applier,
	clk clock.Clock,
	policy retry.Policy,
	logger *slog.Logger,
) *Processor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Processor{
		events:  events,
		tx:      tx,
		applier: applier,
		clock:   clk,
		policy:  policy,
		logger:  logger,
	}
}

func (p *Processor) WithMetrics(m *observability.Metrics) *Processor {
	p.metrics = m
	return p
}

// WithProcessedCache answers duplicates of processed events without touching storage.
func (p *Processor) WithProcessedCache(c ProcessedCache) *Processor {
	p.cache = c
	return p
}

// WithCircuitBreaker guards attempts per event type. Storage failures and
// handler failures other than payload validation count against the breaker.
func (p *Processor) WithCircuitBreaker(cb *resilience.CircuitBreakerManager) *Processor {
	p.breaker = cb
	return p
}

func (p *Processor) WithDeadLetterNotifier(n DeadLetterNotifier) *Processor {
	p.notifier = n
	return p
}

// Process handles one delivery of a provider event.
//
// A malformed event returns OutcomeRejected and an error wrapping
// domain.ErrInvalidInput. Storage failures and an open breaker return
// OutcomeUnavailable and an error. Handler failures are recorded on the event
// and reported through the Result with a nil error.
func (p *Processor) Process(ctx context.Context, ev domain.ProviderEvent) (Result, error) {
	if p.metrics != nil {
		p.metrics.EventsReceived.Inc()
	}

	if err := ev.Validate(); err != nil {
		p.logger.Warn("rejected invalid event", "error", err)
		return p.finish(Result{Success: false, Message: "invalid event data: missing id or type", Outcome: OutcomeRejected}), err
	}

	if p.cache != nil && p.cache.IsProcessed(ctx, ev.ID) {
		if p.metrics != nil {
			p.metrics.ProcessedCacheHits.Inc()
		}
		p.logger.Debug("duplicate answered from cache", "event_id", ev.ID)
		return p.finish(Result{Success: true, Message: "event already processed", Outcome: OutcomeDuplicate}), nil
	}

	payload, err := ev.Payload()
	if err != nil {
		return p.finish(Result{Message: "invalid event data", Outcome: OutcomeRejected}), fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}

	now := p.clock.Now()
	stored, existed, err := p.events.InsertIfAbsent(ctx, &domain.WebhookEvent{
		ID:              uuid.NewString(),
		ProviderEventID: ev.ID,
		EventType:       ev.Type,
		RawPayload:      payload,
		CreatedAt:       now,
		UpdatedAt:       now,
	})
	if err != nil {
		p.logger.Error("failed to record event", "event_id", ev.ID, "error", err)
		return p.unavailable(err)
	}

	if existed {
		if stored.Processed {
			p.logger.Info("event already processed", "event_id", ev.ID)
			p.remember(ctx, ev.ID)
			return p.finish(duplicate(stored)), nil
		}
		if stored.DeadLetter {
			return p.finish(deadLetterHold(stored)), nil
		}
		p.logger.Info("retrying unprocessed event", "event_id", ev.ID, "attempts", stored.AttemptCount)
	}

	return p.guarded(ctx, stored.ProviderEventID, stored.EventType)
}

// Replay lifts the dead-letter hold on an event and runs exactly one more
// attempt. It returns domain.ErrNotFound or domain.ErrNotDeadLettered when
// there is nothing to replay. The circuit breaker is not consulted.
func (p *Processor) Replay(ctx context.Context, providerEventID string) (Result, error) {
	p.logger.Info("replaying dead-lettered event", "event_id", providerEventID)

	res, err := p.attempt(ctx, providerEventID, true)
	if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrNotDeadLettered) {
		return Result{Message: err.Error(), Outcome: OutcomeRejected}, err
	}
	if err != nil {
		return p.unavailable(err)
	}
	return p.after(ctx, res), nil
}

// Redeliver re-drives a stored event through Process using its stored body.
// It lets the redelivery poller reuse the normal delivery path.
func (p *Processor) Redeliver(ctx context.Context, event *domain.WebhookEvent) (string, error) {
	res, err := p.Process(ctx, domain.ProviderEvent{
		ID:   event.ProviderEventID,
		Type: event.EventType,
		Raw:  event.RawPayload,
	})
	return string(res.Outcome), err
}

// Status is the read-only lookup of an event's processing state.
func (p *Processor) Status(ctx context.Context, providerEventID string) (domain.EventStatus, error) {
	event, err := p.events.GetByProviderID(ctx, providerEventID)
	if err != nil {
		return domain.EventStatus{}, err
	}
	return event.Status(), nil
}

// ListDeadLetters returns the most recently dead-lettered events first.
func (p *Processor) ListDeadLetters(ctx context.Context, limit int) ([]domain.EventStatus, error) {
	events, err := p.events.ListDeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.EventStatus, 0, len(events))
	for _, e := range events {
		out = append(out, e.Status())
	}
	return out, nil
}

// attemptResult carries what one committed attempt decided.
type attemptResult struct {
	Result
	handlerErr   error
	deadLettered bool
	ran          bool
}

func (p *Processor) guarded(ctx context.Context, providerEventID, eventType string) (Result, error) {
	if p.breaker == nil {
		res, err := p.attempt(ctx, providerEventID, false)
		if err != nil {
			p.logger.Error("processing attempt aborted", "event_id", providerEventID, "error", err)
			return p.unavailable(err)
		}
		return p.after(ctx, res), nil
	}

	var res attemptResult
	var infraErr error
	_, err := p.breaker.Execute(eventType, func() (any, error) {
		res, infraErr = p.attempt(ctx, providerEventID, false)
		if infraErr != nil {
			return nil, infraErr
		}
		if res.handlerErr != nil && !domain.IsValidation(res.handlerErr) {
			return nil, res.handlerErr
		}
		return nil, nil
	})

	switch {
	case resilience.IsOpen(err):
		p.logger.Warn("circuit open, delivery refused", "event_id", providerEventID, "event_type", eventType)
		return p.finish(Result{Message: "processing temporarily unavailable", Outcome: OutcomeUnavailable}),
			fmt.Errorf("%w for %s: %v", ErrCircuitOpen, eventType, err)
	case infraErr != nil:
		p.logger.Error("processing attempt aborted", "event_id", providerEventID, "error", infraErr)
		return p.unavailable(infraErr)
	}
	return p.after(ctx, res), nil
}

// attempt runs one transaction for the event. A non-nil error means nothing
// from this attempt committed.
func (p *Processor) attempt(ctx context.Context, providerEventID string, revive bool) (attemptResult, error) {
	var res attemptResult
	start := p.clock.Now()

	err := p.tx.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		row, err := tx.Events().LockByProviderID(ctx, providerEventID)
		if err != nil {
			return err
		}

		now := p.clock.Now()
		switch {
		case revive:
			if err := row.Revive(now); err != nil {
				return err
			}
		case row.Processed:
			res.Result = duplicate(row)
			return nil
		case row.DeadLetter:
			res.Result = deadLetterHold(row)
			return nil
		}

		row.BeginAttempt(now, p.policy.Backoff)
		res.ran = true

		handled := p.applier.Handles(row.EventType)
		if handled {
			res.handlerErr = tx.Savepoint(ctx, func(ctx context.Context, tx repository.Tx) error {
				return p.applier.Apply(ctx, tx.Ledger(), row.EventType, row.RawPayload)
			})
		}

		switch {
		case res.handlerErr == nil && handled:
			row.MarkSucceeded(now)
			res.Result = Result{Success: true, Message: "event processed successfully", Outcome: OutcomeProcessed}
		case res.handlerErr == nil:
			row.MarkSucceeded(now)
			res.Result = Result{Success: true, Message: fmt.Sprintf("event type %s not handled; acknowledged", row.EventType), Outcome: OutcomeAcknowledged}
		default:
			res.deadLettered = row.MarkFailed(res.handlerErr, p.policy.MaxAttempts, now)
			if res.deadLettered {
				res.Result = Result{
					Message: fmt.Sprintf("processing failed after %d attempts: %v", row.AttemptCount, res.handlerErr),
					Outcome: OutcomeDeadLettered,
				}
			} else {
				res.Result = Result{Message: fmt.Sprintf("processing failed: %v", res.handlerErr), Outcome: OutcomeRetryScheduled}
			}
		}

		if err := tx.Events().Save(ctx, row); err != nil {
			return err
		}
		status := row.Status()
		res.Event = &status
		return nil
	})
	if err != nil {
		return attemptResult{}, err
	}

	if res.ran && p.metrics != nil {
		p.metrics.ProcessingAttempts.Inc()
		p.metrics.ProcessingDuration.Observe(p.clock.Now().Sub(start).Seconds())
	}
	return res, nil
}

// after runs the side effects that must only follow a committed attempt.
func (p *Processor) after(ctx context.Context, res attemptResult) Result {
	if res.Event == nil {
		return p.finish(res.Result)
	}
	id := res.Event.ProviderEventID

	switch res.Outcome {
	case OutcomeProcessed, OutcomeAcknowledged:
		p.logger.Info("event processed",
			"event_id", id,
			"event_type", res.Event.EventType,
			"attempt", res.Event.AttemptCount,
			"outcome", res.Outcome,
		)
		p.remember(ctx, id)
	case OutcomeRetryScheduled:
		p.logger.Warn("event processing failed",
			"event_id", id,
			"event_type", res.Event.EventType,
			"attempt", res.Event.AttemptCount,
			"next_retry_at", res.Event.NextRetryAt,
			"error", res.handlerErr,
		)
	case OutcomeDeadLettered:
		if res.deadLettered && res.ran {
			p.logger.Error("event dead-lettered",
				"event_id", id,
				"event_type", res.Event.EventType,
				"attempts", res.Event.AttemptCount,
				"error", res.handlerErr,
			)
			if p.metrics != nil {
				p.metrics.EventsDeadLettered.Inc()
			}
			p.notify(ctx, *res.Event)
		}
	}
	return p.finish(res.Result)
}

func (p *Processor) remember(ctx context.Context, providerEventID string) {
	if p.cache == nil {
		return
	}
	if err := p.cache.MarkProcessed(ctx, providerEventID); err != nil {
		p.logger.Warn("failed to cache processed marker", "event_id", providerEventID, "error", err)
	}
}

func (p *Processor) notify(ctx context.Context, status domain.EventStatus) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.NotifyDeadLetter(ctx, status); err != nil {
		p.logger.Error("failed to publish dead letter", "event_id", status.ProviderEventID, "error", err)
	}
}

func (p *Processor) unavailable(err error) (Result, error) {
	return p.finish(Result{Message: "processing temporarily unavailable", Outcome: OutcomeUnavailable}), err
}

func (p *Processor) finish(res Result) Result {
	if p.metrics != nil {
		p.metrics.EventOutcomes.WithLabelValues(string(res.Outcome)).Inc()
	}
	return res
}

func duplicate(row *domain.WebhookEvent) Result {
	status := row.Status()
	return Result{Success: true, Message: "event already processed", Outcome: OutcomeDuplicate, Event: &status}
}

func deadLetterHold(row *domain.WebhookEvent) Result {
	status := row.Status()
	return Result{
		Message: fmt.Sprintf("%v after %d attempts; replay required", domain.ErrDeadLettered, row.AttemptCount),
		Outcome: OutcomeDeadLettered,
		Event:   &status,
	}
}
