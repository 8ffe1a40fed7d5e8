// Package settlement applies the side effects of provider events to the credits ledger.
package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
)

// Provider event types with registered effects.
const (
	TypeCheckoutCompleted = "checkout.session.completed"
	TypePaymentSucceeded  = "payment_intent.succeeded"
	TypePaymentFailed     = "payment_intent.payment_failed"
	TypeInvoicePaid       = "invoice.payment_succeeded"
)

// Handler applies one event's effect. object is the event's data.object.
// Writes must go through ledger so they share the caller's transaction.
type Handler func(ctx context.Context, ledger repository.Ledger, object json.RawMessage) error

// Applier maps event types to handlers.
type Applier struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	logger   *slog.Logger
}

// NewApplier returns an Applier with no handlers registered.
func NewApplier(logger *slog.Logger) *Applier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Applier{
		handlers: make(map[string]Handler),
		logger:   logger,
	}
}

// NewDefaultApplier registers the checkout, payment intent and invoice handlers.
// policy may be nil, in which case invoices must carry metadata.credits.
func NewDefaultApplier(policy EntitlementPolicy, logger *slog.Logger) *Applier {
	a := NewApplier(logger)
	h := &handlers{policy: policy, logger: a.logger}

	a.Register(TypeCheckoutCompleted, h.checkoutCompleted)
	a.Register(TypePaymentSucceeded, h.paymentSucceeded)
	a.Register(TypePaymentFailed, h.paymentFailed)
	a.Register(TypeInvoicePaid, h.invoicePaid)
	return a
}

func (a *Applier) Register(eventType string, h Handler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handlers[eventType] = h
}

// Handles reports whether eventType has a registered effect.
func (a *Applier) Handles(eventType string) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	_, ok := a.handlers[eventType]
	return ok
}

// Apply runs the handler for eventType against the stored event body.
// A panicking handler is reported as an error.
func (a *Applier) Apply(ctx context.Context, ledger repository.Ledger, eventType string, payload json.RawMessage) (err error) {
	a.mu.RLock()
	h, ok := a.handlers[eventType]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no handler for event type %q", eventType)
	}

	object, err := extractObject(payload)
	if err != nil {
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("handler panic",
				"event_type", eventType,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, ledger, object)
}

func extractObject(payload json.RawMessage) (json.RawMessage, error) {
	var envelope struct {
		Data struct {
			Object json.RawMessage `json:"object"`
		} `json:"data"`
	}
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, domain.NewValidationError("data", "event body is not a JSON object")
	}
	if len(envelope.Data.Object) == 0 {
		return json.RawMessage(`{}`), nil
	}
	return envelope.Data.Object, nil
}
