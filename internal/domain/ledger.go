package domain

import (
	"time"

	"github.com/google/uuid"
)

// CreditGrant asks the ledger to add credits to a user exactly once per IdempotencyKey.
type CreditGrant struct {
	UserID          uuid.UUID
	Amount          int64
	Description     string
	IdempotencyKey  string
	PaymentIntentID string
}

// CreditTransaction is an append-only ledger entry.
type CreditTransaction struct {
	ID             int64     `json:"id"`
	UserID         uuid.UUID `json:"user_id"`
	Amount         int64     `json:"amount"`
	Description    string    `json:"description"`
	IdempotencyKey *string   `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}
