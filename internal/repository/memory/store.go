// Package memory is an in-process implementation of the repository contracts.
// Transactions roll back by restoring a snapshot of the whole state, so it is
// only suited to tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
)

type user struct {
	email   string
	credits int64
	active  bool
}

type state struct {
	events map[string]domain.WebhookEvent
	users  map[uuid.UUID]user
	txs    []domain.CreditTransaction
	keys   map[string]struct{}
	seq    int64
}

func newState() *state {
	return &state{
		events: make(map[string]domain.WebhookEvent),
		users:  make(map[uuid.UUID]user),
		keys:   make(map[string]struct{}),
	}
}

func (s *state) clone() *state {
	c := &state{
		events: make(map[string]domain.WebhookEvent, len(s.events)),
		users:  make(map[uuid.UUID]user, len(s.users)),
		txs:    append([]domain.CreditTransaction(nil), s.txs...),
		keys:   make(map[string]struct{}, len(s.keys)),
		seq:    s.seq,
	}
	for k, v := range s.events {
		c.events[k] = v
	}
	for k, v := range s.users {
		c.users[k] = v
	}
	for k := range s.keys {
		c.keys[k] = struct{}{}
	}
	return c
}

// Store guards all state with one mutex. InTx holds it for the whole
// transaction, so transactions are fully serialized and a failed one is
// rolled back by restoring a snapshot.
//
// Calling the Store's own methods from inside InTx deadlocks; use the Tx.
type Store struct {
	mu sync.Mutex
	st *state
}

func NewStore() *Store {
	return &Store{st: newState()}
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	return (&view{st: s.st}).atomically(ctx, fn)
}

// CreateUser registers an active account with a zero balance.
func (s *Store) CreateUser(id uuid.UUID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.st.users[id]; ok {
		return domain.ErrAlreadyExists
	}
	s.st.users[id] = user{email: email, active: true}
	return nil
}

// DeactivateUser makes UserExists report false for id.
func (s *Store) DeactivateUser(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if u, ok := s.st.users[id]; ok {
		u.active = false
		s.st.users[id] = u
	}
}

// Transactions lists a user's ledger entries, oldest first.
func (s *Store) Transactions(_ context.Context, userID uuid.UUID) ([]domain.CreditTransaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.CreditTransaction
	for _, tx := range s.st.txs {
		if tx.UserID == userID {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (s *Store) InsertIfAbsent(ctx context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).InsertIfAbsent(ctx, event)
}

func (s *Store) GetByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).GetByProviderID(ctx, providerEventID)
}

// LockByProviderID outside a transaction is a plain read.
func (s *Store) LockByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	return s.GetByProviderID(ctx, providerEventID)
}

func (s *Store) Save(ctx context.Context, event *domain.WebhookEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).Save(ctx, event)
}

func (s *Store) ListRetryable(ctx context.Context, now, orphanedBefore time.Time, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).ListRetryable(ctx, now, orphanedBefore, limit)
}

func (s *Store) ListDeadLetters(ctx context.Context, limit int) ([]*domain.WebhookEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).ListDeadLetters(ctx, limit)
}

func (s *Store) UserExists(ctx context.Context, userID uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).UserExists(ctx, userID)
}

func (s *Store) GrantCredits(ctx context.Context, grant domain.CreditGrant) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).GrantCredits(ctx, grant)
}

func (s *Store) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return (&view{st: s.st}).Balance(ctx, userID)
}

// view operates on state without locking; the caller holds Store.mu.
type view struct {
	st *state
}

func (v *view) atomically(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	snapshot := v.st.clone()
	if err := fn(ctx, v); err != nil {
		*v.st = *snapshot
		return err
	}
	return nil
}

func (v *view) Events() repository.EventStore { return v }
func (v *view) Ledger() repository.Ledger     { return v }

func (v *view) Savepoint(ctx context.Context, fn func(ctx context.Context, tx repository.Tx) error) error {
	return v.atomically(ctx, fn)
}

func (v *view) InsertIfAbsent(_ context.Context, event *domain.WebhookEvent) (*domain.WebhookEvent, bool, error) {
	if existing, ok := v.st.events[event.ProviderEventID]; ok {
		return &existing, true, nil
	}
	row := domain.WebhookEvent{
		ID:              event.ID,
		ProviderEventID: event.ProviderEventID,
		EventType:       event.EventType,
		RawPayload:      event.RawPayload,
		CreatedAt:       event.CreatedAt,
		UpdatedAt:       event.CreatedAt,
	}
	v.st.events[event.ProviderEventID] = row
	return &row, false, nil
}

func (v *view) GetByProviderID(_ context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	event, ok := v.st.events[providerEventID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return &event, nil
}

func (v *view) LockByProviderID(ctx context.Context, providerEventID string) (*domain.WebhookEvent, error) {
	return v.GetByProviderID(ctx, providerEventID)
}

func (v *view) Save(_ context.Context, event *domain.WebhookEvent) error {
	stored, ok := v.st.events[event.ProviderEventID]
	if !ok || stored.ID != event.ID {
		return domain.ErrNotFound
	}
	stored.Processed = event.Processed
	stored.AttemptCount = event.AttemptCount
	stored.ErrorMessage = event.ErrorMessage
	stored.NextRetryAt = event.NextRetryAt
	stored.DeadLetter = event.DeadLetter
	stored.ProcessedAt = event.ProcessedAt
	stored.UpdatedAt = event.UpdatedAt
	v.st.events[event.ProviderEventID] = stored
	return nil
}

func (v *view) ListRetryable(_ context.Context, now, orphanedBefore time.Time, limit int) ([]*domain.WebhookEvent, error) {
	var out []*domain.WebhookEvent
	for _, e := range v.st.events {
		if e.Processed || e.DeadLetter {
			continue
		}
		if e.AttemptCount == 0 && e.CreatedAt.After(orphanedBefore) {
			continue
		}
		if e.NextRetryAt != nil && e.NextRetryAt.After(now) {
			continue
		}
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if (a.NextRetryAt == nil) != (b.NextRetryAt == nil) {
			return a.NextRetryAt == nil
		}
		if a.NextRetryAt != nil && !a.NextRetryAt.Equal(*b.NextRetryAt) {
			return a.NextRetryAt.Before(*b.NextRetryAt)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})
	return truncate(out, limit), nil
}

func (v *view) ListDeadLetters(_ context.Context, limit int) ([]*domain.WebhookEvent, error) {
	var out []*domain.WebhookEvent
	for _, e := range v.st.events {
		if e.DeadLetter {
			e := e
			out = append(out, &e)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return truncate(out, limit), nil
}

func (v *view) UserExists(_ context.Context, userID uuid.UUID) (bool, error) {
	u, ok := v.st.users[userID]
	return ok && u.active, nil
}

func (v *view) GrantCredits(_ context.Context, grant domain.CreditGrant) (bool, error) {
	if grant.IdempotencyKey != "" {
		if _, seen := v.st.keys[grant.IdempotencyKey]; seen {
			return false, nil
		}
	}
	u, ok := v.st.users[grant.UserID]
	if !ok {
		return false, domain.ErrNotFound
	}

	v.st.seq++
	tx := domain.CreditTransaction{
		ID:          v.st.seq,
		UserID:      grant.UserID,
		Amount:      grant.Amount,
		Description: grant.Description,
		CreatedAt:   time.Now().UTC(),
	}
	if grant.IdempotencyKey != "" {
		key := grant.IdempotencyKey
		tx.IdempotencyKey = &key
		v.st.keys[key] = struct{}{}
	}
	v.st.txs = append(v.st.txs, tx)

	u.credits += grant.Amount
	v.st.users[grant.UserID] = u
	return true, nil
}

func (v *view) Balance(_ context.Context, userID uuid.UUID) (int64, error) {
	u, ok := v.st.users[userID]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return u.credits, nil
}

func truncate(events []*domain.WebhookEvent, limit int) []*domain.WebhookEvent {
	if limit > 0 && len(events) > limit {
		return events[:limit]
	}
	return events
}

var (
	_ repository.Transactor = (*Store)(nil)
	_ repository.EventStore = (*Store)(nil)
	_ repository.Ledger     = (*Store)(nil)
	_ repository.Tx         = (*view)(nil)
)
