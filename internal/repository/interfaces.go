package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/domain"
)

// EventStore is the durable webhook event log keyed by provider event id.
type EventStore interface {
	// InsertIfAbsent creates the row or, when the provider event id is already
	// taken, returns the stored row with existed = true. The uniqueness check is
	// a single constrained insert, never a read followed by a write.
	InsertIfAbsent(ctx context.Context, event *domain.WebhookEvent) (stored *domain.WebhookEvent, existed bool, err error)
	GetByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error)
	// LockByProviderID reads the row and holds it until the enclosing transaction ends.
	LockByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error)
	// Save writes the mutable bookkeeping columns of an existing row.
	Save(ctx context.Context, event *domain.WebhookEvent) error
	// ListRetryable returns unprocessed, live events that are due: those that
	// already failed at least once with next_retry_at unset or not after now, and
	// those whose first attempt never committed and were created at or before
	// orphanedBefore.
	ListRetryable(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]*domain.WebhookEvent, error)
	ListDeadLetters(ctx context.Context, limit int) ([]*domain.WebhookEvent, error)
}

// Ledger is the credits ledger the effect handlers mutate.
type Ledger interface {
	UserExists(ctx context.Context, userID uuid.UUID) (bool, error)
	// GrantCredits appends a transaction and bumps the balance. A repeated
	// idempotency key is a no-op reported as applied = false.
	GrantCredits(ctx context.Context, grant domain.CreditGrant) (applied bool, err error)
	Balance(ctx context.Context, userID uuid.UUID) (int64, error)
}

// Tx exposes transaction-scoped stores.
type Tx interface {
	Events() EventStore
	Ledger() Ledger
	// Savepoint runs fn in a nested transaction whose writes are discarded when fn fails.
	Savepoint(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Transactor runs fn in one transaction, committing when fn returns nil.
type Transactor interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}
