package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
)

func newEvent(providerID string, now time.Time) *domain.WebhookEvent {
	return &domain.WebhookEvent{
		ID:              uuid.NewString(),
		ProviderEventID: providerID,
		EventType:       "payment_intent.succeeded",
		RawPayload:      []byte(`{"id":"` + providerID + `"}`),
		CreatedAt:       now,
	}
}

func TestStore_InsertIfAbsent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)

	first, existed, err := store.InsertIfAbsent(ctx, newEvent("evt_1", now))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if existed {
		t.Fatal("first insert reported existing row")
	}

	second, existed, err := store.InsertIfAbsent(ctx, newEvent("evt_1", now.Add(time.Minute)))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !existed {
		t.Fatal("second insert did not report existing row")
	}
	if second.ID != first.ID {
		t.Errorf("ID = %s, want original %s", second.ID, first.ID)
	}
}

func TestStore_InsertIfAbsent_Concurrent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, existed, err := store.InsertIfAbsent(ctx, newEvent("evt_race", now))
			if err != nil {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if !existed {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if created != 1 {
		t.Errorf("created = %d, want exactly 1", created)
	}
}

func TestStore_InTx_RollbackOnError(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	userID := uuid.New()
	if err := store.CreateUser(userID, "a@example.com"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}

	boom := errors.New("boom")
	err := store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		if _, err := tx.Ledger().GrantCredits(ctx, domain.CreditGrant{UserID: userID, Amount: 10, IdempotencyKey: "k1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	balance, _ := store.Balance(ctx, userID)
	if balance != 0 {
		t.Errorf("balance = %d, want 0 after rollback", balance)
	}
}

func TestStore_Savepoint_KeepsOuterWrites(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Now()
	if _, _, err := store.InsertIfAbsent(ctx, newEvent("evt_sp", now)); err != nil {
		t.Fatalf("insert: %v", err)
	}
	userID := uuid.New()
	_ = store.CreateUser(userID, "b@example.com")

	err := store.InTx(ctx, func(ctx context.Context, tx repository.Tx) error {
		event, err := tx.Events().LockByProviderID(ctx, "evt_sp")
		if err != nil {
			return err
		}
		event.BeginAttempt(now, nil)

		spErr := tx.Savepoint(ctx, func(ctx context.Context, tx repository.Tx) error {
			_, _ = tx.Ledger().GrantCredits(ctx, domain.CreditGrant{UserID: userID, Amount: 5, IdempotencyKey: "k"})
			return errors.New("handler failed")
		})
		event.MarkFailed(spErr, 5, now)
		return tx.Events().Save(ctx, event)
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	event, _ := store.GetByProviderID(ctx, "evt_sp")
	if event.AttemptCount != 1 {
		t.Errorf("AttemptCount = %d, want 1", event.AttemptCount)
	}
	if event.ErrorMessage == nil || *event.ErrorMessage != "handler failed" {
		t.Errorf("ErrorMessage = %v, want handler failed", event.ErrorMessage)
	}
	if balance, _ := store.Balance(ctx, userID); balance != 0 {
		t.Errorf("balance = %d, want 0", balance)
	}
}

func TestStore_GrantCredits_Idempotent(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	userID := uuid.New()
	_ = store.CreateUser(userID, "c@example.com")

	grant := domain.CreditGrant{UserID: userID, Amount: 100, IdempotencyKey: "checkout_cs_1"}
	applied, err := store.GrantCredits(ctx, grant)
	if err != nil || !applied {
		t.Fatalf("first grant: applied=%v err=%v", applied, err)
	}
	applied, err = store.GrantCredits(ctx, grant)
	if err != nil || applied {
		t.Fatalf("second grant: applied=%v err=%v, want no-op", applied, err)
	}

	balance, _ := store.Balance(ctx, userID)
	if balance != 100 {
		t.Errorf("balance = %d, want 100", balance)
	}
	txs, _ := store.Transactions(ctx, userID)
	if len(txs) != 1 {
		t.Errorf("transactions = %d, want 1", len(txs))
	}
}

func TestStore_GrantCredits_UnknownUser(t *testing.T) {
	_, err := NewStore().GrantCredits(context.Background(), domain.CreditGrant{UserID: uuid.New(), Amount: 1})
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestStore_ListRetryable(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	now := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	seed := func(id string, mutate func(e *domain.WebhookEvent)) {
		e, _, _ := store.InsertIfAbsent(ctx, newEvent(id, now))
		mutate(e)
		if err := store.Save(ctx, e); err != nil {
			t.Fatalf("save %s: %v", id, err)
		}
	}
	seed("never_tried", func(e *domain.WebhookEvent) {})
	seed("due_nil", func(e *domain.WebhookEvent) { e.AttemptCount = 1 })
	seed("due_past", func(e *domain.WebhookEvent) { e.AttemptCount = 2; e.NextRetryAt = &past })
	seed("not_due", func(e *domain.WebhookEvent) { e.AttemptCount = 2; e.NextRetryAt = &future })
	seed("dead", func(e *domain.WebhookEvent) { e.AttemptCount = 5; e.DeadLetter = true })
	seed("done", func(e *domain.WebhookEvent) { e.AttemptCount = 1; e.MarkSucceeded(now) })

	got, err := store.ListRetryable(ctx, now, now.Add(-time.Hour), 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d events, want 2", len(got))
	}
	if got[0].ProviderEventID != "due_nil" || got[1].ProviderEventID != "due_past" {
		t.Errorf("order = [%s %s], want [due_nil due_past]", got[0].ProviderEventID, got[1].ProviderEventID)
	}

	dead, _ := store.ListDeadLetters(ctx, 10)
	if len(dead) != 1 || dead[0].ProviderEventID != "dead" {
		t.Errorf("dead letters = %v, want [dead]", dead)
	}
}

func TestStore_ListRetryable_IncludesOrphanedFirstAttempts(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	created := time.Date(2026, 1, 11, 12, 0, 0, 0, time.UTC)

	if _, _, err := store.InsertIfAbsent(ctx, newEvent("evt_orphan", created)); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	tests := []struct {
		name           string
		orphanedBefore time.Time
		want           int
	}{
		{"within grace", created.Add(-time.Second), 0},
		{"at cutoff", created, 1},
		{"past grace", created.Add(time.Minute), 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := store.ListRetryable(ctx, created.Add(time.Hour), tt.orphanedBefore, 10)
			if err != nil {
				t.Fatalf("ListRetryable: %v", err)
			}
			if len(got) != tt.want {
				t.Errorf("got %d events, want %d", len(got), tt.want)
			}
		})
	}
}

func TestStore_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewStore()
	e, _, _ := store.InsertIfAbsent(ctx, newEvent("evt_copy", time.Now()))
	e.AttemptCount = 99

	stored, _ := store.GetByProviderID(ctx, "evt_copy")
	if stored.AttemptCount != 0 {
		t.Errorf("AttemptCount = %d, unsaved mutation leaked into store", stored.AttemptCount)
	}
}
