package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// ProviderEvent is a parsed, already signature-verified notification handed to
// the processor by a transport. Raw holds the body exactly as delivered.
type ProviderEvent struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
	Raw  json.RawMessage `json:"-"`
}

// ParseProviderEvent decodes a delivery body, keeping the body verbatim.
// Bodies that are not valid UTF-8 are rejected: the decoder would rewrite bad
// bytes in the id, folding distinct ids onto one dedup key.
func ParseProviderEvent(body []byte) (ProviderEvent, error) {
	if !utf8.Valid(body) {
		return ProviderEvent{}, fmt.Errorf("%w: body is not valid UTF-8", ErrInvalidInput)
	}
	var ev ProviderEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ProviderEvent{}, fmt.Errorf("%w: decode event: %v", ErrInvalidInput, err)
	}
	ev.Raw = append(json.RawMessage(nil), body...)
	return ev, nil
}

// Validate rejects events that cannot be keyed or dispatched.
func (e ProviderEvent) Validate() error {
	if strings.TrimSpace(e.ID) == "" || strings.TrimSpace(e.Type) == "" {
		return fmt.Errorf("%w: missing id or type", ErrInvalidInput)
	}
	return nil
}

// Payload returns the body to persist for replay and audit.
func (e ProviderEvent) Payload() (json.RawMessage, error) {
	if len(e.Raw) > 0 {
		return e.Raw, nil
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal event: %w", err)
	}
	return b, nil
}

// BackoffFunc returns the delay that must pass before the given attempt may run.
type BackoffFunc func(attempt int) time.Duration

// WebhookEvent is the durable log row for one provider event id.
type WebhookEvent struct {
	ID              string          `json:"id"`
	ProviderEventID string          `json:"provider_event_id"`
	EventType       string          `json:"event_type"`
	RawPayload      json.RawMessage `json:"raw_payload"`
	Processed       bool            `json:"processed"`
	AttemptCount    int             `json:"attempt_count"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	NextRetryAt     *time.Time      `json:"next_retry_at,omitempty"`
	DeadLetter      bool            `json:"dead_letter"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// BeginAttempt counts a new processing attempt. From the second attempt on it
// schedules the earliest time the following retry is permitted.
func (e *WebhookEvent) BeginAttempt(now time.Time, backoff BackoffFunc) {
	e.AttemptCount++
	if e.AttemptCount > 1 && backoff != nil {
		next := now.Add(backoff(e.AttemptCount))
		e.NextRetryAt = &next
	}
	e.UpdatedAt = now
}

// MarkSucceeded makes the row terminal.
func (e *WebhookEvent) MarkSucceeded(now time.Time) {
	e.Processed = true
	e.ProcessedAt = &now
	e.ErrorMessage = nil
	e.NextRetryAt = nil
	e.DeadLetter = false
	e.UpdatedAt = now
}

// MarkFailed records the failure and dead-letters the row once the retry
// ceiling is reached. It reports whether the row is now dead-lettered.
func (e *WebhookEvent) MarkFailed(cause error, ceiling int, now time.Time) bool {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	e.ErrorMessage = &msg
	if ceiling > 0 && e.AttemptCount >= ceiling {
		e.DeadLetter = true
	}
	e.UpdatedAt = now
	return e.DeadLetter
}

// Revive lifts the dead-letter hold so an operator replay can run one more attempt.
func (e *WebhookEvent) Revive(now time.Time) error {
	if e.Processed || !e.DeadLetter {
		return ErrNotDeadLettered
	}
	e.DeadLetter = false
	e.UpdatedAt = now
	return nil
}

// Status projects the row onto the read-only status lookup.
func (e *WebhookEvent) Status() EventStatus {
	return EventStatus{
		ProviderEventID: e.ProviderEventID,
		EventType:       e.EventType,
		Processed:       e.Processed,
		AttemptCount:    e.AttemptCount,
		ErrorMessage:    e.ErrorMessage,
		ProcessedAt:     e.ProcessedAt,
		CreatedAt:       e.CreatedAt,
		NextRetryAt:     e.NextRetryAt,
		DeadLetter:      e.DeadLetter,
	}
}

// EventStatus is what collaborators may read about an event.
type EventStatus struct {
	ProviderEventID string     `json:"provider_event_id"`
	EventType       string     `json:"event_type"`
	Processed       bool       `json:"processed"`
	AttemptCount    int        `json:"attempt_count"`
	ErrorMessage    *string    `json:"error_message"`
	ProcessedAt     *time.Time `json:"processed_at"`
	CreatedAt       time.Time  `json:"created_at"`
	NextRetryAt     *time.Time `json:"next_retry_at"`
	DeadLetter      bool       `json:"dead_letter"`
}
