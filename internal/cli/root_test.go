package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/processor"
)

type fakeBackend struct {
	events    map[string]domain.EventStatus
	balances  map[uuid.UUID]int64
	users     map[uuid.UUID]string
	published []domain.ProviderEvent
	migrated  bool
	closed    int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		events:   make(map[string]domain.EventStatus),
		balances: make(map[uuid.UUID]int64),
		users:    make(map[uuid.UUID]string),
	}
}

func (f *fakeBackend) Migrate(ctx context.Context) error {
	f.migrated = true
	return nil
}

func (f *fakeBackend) Status(ctx context.Context, id string) (domain.EventStatus, error) {
	s, ok := f.events[id]
	if !ok {
		return domain.EventStatus{}, domain.ErrNotFound
	}
	return s, nil
}

func (f *fakeBackend) ListDeadLetters(ctx context.Context, limit int) ([]domain.EventStatus, error) {
	var out []domain.EventStatus
	for _, s := range f.events {
		if s.DeadLetter && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeBackend) Replay(ctx context.Context, id string) (processor.Result, error) {
	s, ok := f.events[id]
	if !ok {
		return processor.Result{Outcome: processor.OutcomeRejected}, domain.ErrNotFound
	}
	if !s.DeadLetter {
		return processor.Result{Outcome: processor.OutcomeRejected}, domain.ErrNotDeadLettered
	}
	s.DeadLetter = false
	s.Processed = true
	s.AttemptCount++
	f.events[id] = s
	return processor.Result{Success: true, Outcome: processor.OutcomeProcessed, Event: &s}, nil
}

func (f *fakeBackend) Balance(ctx context.Context, userID uuid.UUID) (int64, error) {
	if _, ok := f.users[userID]; !ok {
		return 0, domain.ErrNotFound
	}
	return f.balances[userID], nil
}

func (f *fakeBackend) CreateUser(ctx context.Context, userID uuid.UUID, email string) error {
	if _, ok := f.users[userID]; ok {
		return domain.ErrAlreadyExists
	}
	f.users[userID] = email
	return nil
}

func (f *fakeBackend) Publish(ctx context.Context, ev domain.ProviderEvent) error {
	f.published = append(f.published, ev)
	return nil
}

func (f *fakeBackend) Close() { f.closed++ }

func run(t *testing.T, b *fakeBackend, stdin string, args ...string) (string, error) {
	t.Helper()
	opened := 0
	before := b.closed
	cmd := NewRootCommand(func(ctx context.Context) (Backend, error) {
		opened++
		return b, nil
	})
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	if closed := b.closed - before; closed != opened {
		t.Errorf("backend opened %d times but closed %d times", opened, closed)
	}
	return out.String(), err
}

func TestRootCommand_Subcommands(t *testing.T) {
	cmd := NewRootCommand(nil)
	for _, name := range []string{"migrate", "status", "dead-letters", "replay", "balance", "create-user", "publish"} {
		t.Run(name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{name})
			if err != nil {
				t.Fatalf("find %s: %v", name, err)
			}
			if sub.Name() != name {
				t.Errorf("expected %s, got %s", name, sub.Name())
			}
		})
	}

	format := cmd.PersistentFlags().Lookup("format")
	if format == nil || format.DefValue != "text" {
		t.Errorf("expected --format defaulting to text, got %+v", format)
	}
}

func TestRootCommand_InvalidFormat(t *testing.T) {
	b := newFakeBackend()
	_, err := run(t, b, "", "--format", "yaml", "migrate")
	if err == nil || !strings.Contains(err.Error(), "invalid format") {
		t.Fatalf("expected invalid format error, got %v", err)
	}
	if b.migrated {
		t.Error("backend should not be used when flags are invalid")
	}
}

func TestOpenerFailure(t *testing.T) {
	cmd := NewRootCommand(func(ctx context.Context) (Backend, error) {
		return nil, errors.New("connection refused")
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"status", "evt_1"})
	err := cmd.Execute()
	if err == nil || !strings.Contains(err.Error(), "connect: connection refused") {
		t.Fatalf("expected connect error, got %v", err)
	}
}

func TestMigrate(t *testing.T) {
	b := newFakeBackend()
	out, err := run(t, b, "", "migrate")
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !b.migrated {
		t.Error("expected migration to run")
	}
	if !strings.Contains(out, "schema up to date") {
		t.Errorf("unexpected output %q", out)
	}
}

func TestStatus(t *testing.T) {
	msg := "user not found"
	next := time.Date(2026, 1, 1, 12, 2, 0, 0, time.UTC)
	b := newFakeBackend()
	b.events["evt_1"] = domain.EventStatus{
		ProviderEventID: "evt_1",
		EventType:       "invoice.payment_succeeded",
		AttemptCount:    2,
		ErrorMessage:    &msg,
		NextRetryAt:     &next,
		CreatedAt:       time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
	}

	t.Run("text", func(t *testing.T) {
		out, err := run(t, b, "", "status", "evt_1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		for _, want := range []string{"evt_1", "invoice.payment_succeeded", "retrying", "user not found", "2026-01-01T12:02:00Z"} {
			if !strings.Contains(out, want) {
				t.Errorf("output missing %q:\n%s", want, out)
			}
		}
	})

	t.Run("json", func(t *testing.T) {
		out, err := run(t, b, "", "--format", "json", "status", "evt_1")
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		var got domain.EventStatus
		if err := json.Unmarshal([]byte(out), &got); err != nil {
			t.Fatalf("decode %q: %v", out, err)
		}
		if got.AttemptCount != 2 || got.Processed {
			t.Errorf("unexpected status %+v", got)
		}
	})

	t.Run("not found", func(t *testing.T) {
		_, err := run(t, b, "", "status", "evt_missing")
		if !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		if ExitCode(err) != 3 {
			t.Errorf("expected exit code 3, got %d", ExitCode(err))
		}
	})
}

func TestDeadLettersAndReplay(t *testing.T) {
	b := newFakeBackend()
	b.events["evt_dead"] = domain.EventStatus{ProviderEventID: "evt_dead", EventType: "checkout.session.completed", AttemptCount: 5, DeadLetter: true}
	b.events["evt_ok"] = domain.EventStatus{ProviderEventID: "evt_ok", EventType: "invoice.payment_succeeded", AttemptCount: 1, Processed: true}

	out, err := run(t, b, "", "dead-letters")
	if err != nil {
		t.Fatalf("dead-letters: %v", err)
	}
	if !strings.Contains(out, "evt_dead") || strings.Contains(out, "evt_ok") {
		t.Errorf("unexpected listing:\n%s", out)
	}

	out, err = run(t, b, "", "--format", "json", "replay", "evt_dead")
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	var res struct {
		Outcome string              `json:"outcome"`
		Event   *domain.EventStatus `json:"event"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if res.Outcome != "processed" || res.Event == nil || res.Event.AttemptCount != 6 {
		t.Errorf("unexpected replay result %+v", res)
	}

	out, err = run(t, b, "", "dead-letters")
	if err != nil {
		t.Fatalf("dead-letters: %v", err)
	}
	if !strings.Contains(out, "No dead-lettered events.") {
		t.Errorf("expected empty listing, got:\n%s", out)
	}

	_, err = run(t, b, "", "replay", "evt_ok")
	if !errors.Is(err, domain.ErrNotDeadLettered) {
		t.Errorf("expected ErrNotDeadLettered, got %v", err)
	}
}

func TestDeadLetters_InvalidLimit(t *testing.T) {
	b := newFakeBackend()
	_, err := run(t, b, "", "dead-letters", "--limit", "0")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
	if ExitCode(err) != 2 {
		t.Errorf("expected exit code 2, got %d", ExitCode(err))
	}
}

func TestCreateUserAndBalance(t *testing.T) {
	b := newFakeBackend()
	id := uuid.New()

	out, err := run(t, b, "", "create-user", "--email", "a@example.com", "--id", id.String())
	if err != nil {
		t.Fatalf("create-user: %v", err)
	}
	if strings.TrimSpace(out) != id.String() {
		t.Errorf("expected %s, got %q", id, out)
	}
	if b.users[id] != "a@example.com" {
		t.Errorf("user not stored: %+v", b.users)
	}

	b.balances[id] = 40
	out, err = run(t, b, "", "balance", id.String())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if strings.TrimSpace(out) != "40" {
		t.Errorf("expected 40, got %q", out)
	}

	_, err = run(t, b, "", "balance", "not-a-uuid")
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}

	_, err = run(t, b, "", "create-user")
	if err == nil {
		t.Error("expected missing --email to fail")
	}
}

func TestPublish(t *testing.T) {
	body := `{"id":"evt_pub","type":"invoice.payment_succeeded","data":{"object":{"id":"in_1"}}}`

	t.Run("stdin", func(t *testing.T) {
		b := newFakeBackend()
		out, err := run(t, b, body, "publish")
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if len(b.published) != 1 || string(b.published[0].Raw) != body {
			t.Fatalf("expected body published verbatim, got %+v", b.published)
		}
		if !strings.Contains(out, "published evt_pub") {
			t.Errorf("unexpected output %q", out)
		}
	})

	t.Run("file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "event.json")
		if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
			t.Fatal(err)
		}
		b := newFakeBackend()
		if _, err := run(t, b, "", "publish", "--file", path); err != nil {
			t.Fatalf("publish: %v", err)
		}
		if len(b.published) != 1 || b.published[0].ID != "evt_pub" {
			t.Errorf("unexpected published events %+v", b.published)
		}
	})

	t.Run("missing type", func(t *testing.T) {
		b := newFakeBackend()
		_, err := run(t, b, `{"id":"evt_x"}`, "publish")
		if !errors.Is(err, domain.ErrInvalidInput) {
			t.Fatalf("expected ErrInvalidInput, got %v", err)
		}
		if len(b.published) != 0 {
			t.Error("invalid event must not be published")
		}
	})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, 0},
		{fmt.Errorf("status x: %w", domain.ErrNotFound), 3},
		{domain.ErrNotDeadLettered, 3},
		{domain.ErrInvalidInput, 2},
		{errors.New("boom"), 1},
	}
	for _, tt := range tests {
		if got := ExitCode(tt.err); got != tt.want {
			t.Errorf("ExitCode(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
