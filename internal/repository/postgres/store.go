// Package postgres implements the event store and credits ledger on PostgreSQL.
package postgres

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/felipemaragno/settle/internal/repository"
)

//go:embed schema.sql
var schemaSQL string

// querier is satisfied by *pgxpool.Pool and pgx.Tx, so repositories run the
// same statements inside or outside a transaction.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store bundles the pool-backed repositories and runs transactions.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) Events() *EventRepository {
	return NewEventRepository(s.pool)
}

func (s *Store) Ledger() *LedgerRepository {
	return NewLedgerRepository(s.pool)
}

// InTx runs fn in a READ COMMITTED transaction. Row locks taken through
// EventStore.LockByProviderID serialize attempts on the same event.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, func(tx pgx.Tx) error {
		return fn(ctx, &txScope{tx: tx})
	})
}

type txScope struct {
	tx pgx.Tx
}

func (t *txScope) Events() repository.EventStore {
	return &EventRepository{db: t.tx}
}

func (t *txScope) Ledger() repository.Ledger {
	return &LedgerRepository{db: t.tx}
}

// Savepoint uses pgx nested transactions, which map to SAVEPOINT / ROLLBACK TO SAVEPOINT.
func (t *txScope) Savepoint(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return pgx.BeginFunc(ctx, t.tx, func(sp pgx.Tx) error {
		return fn(ctx, &txScope{tx: sp})
	})
}

var _ repository.Transactor = (*Store)(nil)
