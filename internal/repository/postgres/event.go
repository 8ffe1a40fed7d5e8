package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
)

const eventColumns = `id::text, provider_event_id, event_type, raw_payload, processed, attempt_count,
		       error_message, next_retry_at, dead_letter, processed_at, created_at, updated_at`

type EventRepository struct {
	db querier
}

func NewEventRepository(db querier) *EventRepository {
	return &EventRepository{db: db}
}

// InsertIfAbsent relies on the unique constraint on provider_event_id: of two
// concurrent inserts exactly one returns a row, the other falls through to the read.
func (r *EventRepository) InsertIfAbsent(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	const query = `
		INSERT INTO webhook_events (id, provider_event_id, event_type, raw_payload, processed,
		                            attempt_count, dead_letter, created_at, updated_at)
		VALUES ($1::uuid, $2, $3, $4, FALSE, 0, FALSE, $5, $5)
		ON CONFLICT (provider_event_id) DO NOTHING
		RETURNING ` + eventColumns

	stored, err := scanEvent(r.db.QueryRow(ctx, query,
		event.ID,
		event.ProviderEventID,
		event.EventType,
		event.RawPayload,
		event.CreatedAt,
	))
	if err == nil {
		return stored, false, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("insert webhook event: %w", err)
	}

	existing, err := r.GetByProviderID(ctx, event.ProviderEventID)
	if err != nil {
		return nil, false, err
	}
	return existing, true, nil
}

func (r *EventRepository) GetByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE provider_event_id = $1`
	return r.getOne(ctx, query, providerEventID)
}

func (r *EventRepository) LockByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM webhook_events WHERE provider_event_id = $1 FOR UPDATE`
	return r.getOne(ctx, query, providerEventID)
}

func (r *EventRepository) getOne(ctx context.Context, query, providerEventID string) (*domain.WebhookEvent, error) {
	event, err := scanEvent(r.db.QueryRow(ctx, query, providerEventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook event %q: %w", providerEventID, err)
	}
	return event, nil
}

func (r *EventRepository) Save(ctx context.Context, event *domain.WebhookEvent) error {
	const query = `
		UPDATE webhook_events
		SET processed = $2, attempt_count = $3, error_message = $4, next_retry_at = $5,
		    dead_letter = $6, processed_at = $7, updated_at = $8
		WHERE id = $1::uuid
	`

	tag, err := r.db.Exec(ctx, query,
		event.ID,
		event.Processed,
		event.AttemptCount,
		event.ErrorMessage,
		event.NextRetryAt,
		event.DeadLetter,
		event.ProcessedAt,
		event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save webhook event %q: %w", event.ProviderEventID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *EventRepository) ListRetryable(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]*domain.WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE NOT processed AND NOT dead_letter
		AND (
			(attempt_count > 0 AND (next_retry_at IS NULL OR next_retry_at <= $1))
			OR (attempt_count = 0 AND created_at <= $2)
		)
		ORDER BY next_retry_at NULLS FIRST, created_at
		LIMIT $3
	`
	return r.list(ctx, query, now, orphanedBefore, limit)
}

func (r *EventRepository) ListDeadLetters(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	query := `
		SELECT ` + eventColumns + `
		FROM webhook_events
		WHERE dead_letter
		ORDER BY updated_at DESC
		LIMIT $1
	`
	return r.list(ctx, query, limit)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]*domain.WebhookEvent, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.WebhookEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}

	return events, rows.Err()
}

func scanEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := row.Scan(
		&event.ID,
		&event.ProviderEventID,
		&event.EventType,
		&event.RawPayload,
		&event.Processed,
		&event.AttemptCount,
		&event.ErrorMessage,
		&event.NextRetryAt,
		&event.DeadLetter,
		&event.ProcessedAt,
		&event.CreatedAt,
		&event.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &event, nil
}

var _ repository.EventStore = (*EventRepository)(nil)
