package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
)

type LedgerRepository struct {
	db querier
}

func NewLedgerRepository(db querier) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// CreateUser registers an account with a zero balance.
func (r *LedgerRepository) CreateUser(ctx context.Context, id uuid.UUID, email string) error {
	const query = `INSERT INTO users (id, email) VALUES ($1, $2)`

	if _, err := r.db.Exec(ctx, query, id, email); err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (r *LedgerRepository) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	const query = `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1 AND is_active)`

	var exists bool
	if err := r.db.QueryRow(ctx, query, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check user %s: %w", userID, err)
	}
	return exists, nil
}

// GrantCredits appends the transaction first and only moves the balance when
// the insert actually happened, so a replayed idempotency key changes nothing.
func (r *LedgerRepository) GrantCredits(ctx context.Context, grant domain.CreditGrant) (bool, error) {
	const insertTx = `
		INSERT INTO credit_transactions (user_id, amount, description, idempotency_key, payment_intent_id)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (idempotency_key) DO NOTHING
	`
	const bumpBalance = `UPDATE users SET credits = credits + $2 WHERE id = $1`

	tag, err := r.db.Exec(ctx, insertTx,
		grant.UserID,
		grant.Amount,
		grant.Description,
		nullable(grant.IdempotencyKey),
		nullable(grant.PaymentIntentID),
	)
	if err != nil {
		return false, fmt.Errorf("insert credit transaction: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	tag, err = r.db.Exec(ctx, bumpBalance, grant.UserID, grant.Amount)
	if err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return false, fmt.Errorf("update balance for %s: %w", grant.UserID, domain.ErrNotFound)
	}
	return true, nil
}

func (r *LedgerRepository) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	const query = `SELECT credits FROM users WHERE id = $1`

	var credits int64
	err := r.db.QueryRow(ctx, query, userID).Scan(&credits)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, domain.ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}
	return credits, nil
}

// Transactions lists a user's ledger entries, oldest first.
func (r *LedgerRepository) Transactions(ctx context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	const query = `
		SELECT id, user_id, amount, description, idempotency_key, created_at
		FROM credit_transactions
		WHERE user_id = $1
		ORDER BY id
	`

	rows, err := r.db.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []domain.CreditTransaction
	for rows.Next() {
		var tx domain.CreditTransaction
		if err := rows.Scan(&tx.ID, &tx.UserID, &tx.Amount, &tx.Description, &tx.IdempotencyKey, &tx.CreatedAt); err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ repository.Ledger = (*LedgerRepository)(nil)
