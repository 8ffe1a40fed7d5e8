package settlement

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
)

type checkoutSession struct {
	ID                string         `json:"id"`
	ClientReferenceID string         `json:"client_reference_id"`
	PaymentIntent     string         `json:"payment_intent"`
	Metadata          map[string]any `json:"metadata"`
}

// Invoice is the subset of an invoice object the entitlement policy may inspect.
type Invoice struct {
	ID            string         `json:"id"`
	Customer      string         `json:"customer"`
	Subscription  string         `json:"subscription"`
	AmountPaid    int64          `json:"amount_paid"`
	Currency      string         `json:"currency"`
	PaymentIntent string         `json:"payment_intent"`
	Metadata      map[string]any `json:"metadata"`
}

type paymentIntent struct {
	ID               string `json:"id"`
	Amount           int64  `json:"amount"`
	Currency         string `json:"currency"`
	LastPaymentError *struct {
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

type handlers struct {
	policy EntitlementPolicy
	logger *slog.Logger
}

func (h *handlers) checkoutCompleted(ctx context.Context, ledger repository.Ledger, object json.RawMessage) error {
	var session checkoutSession
	if err := json.Unmarshal(object, &session); err != nil {
		return domain.NewValidationError("data.object", "malformed checkout session")
	}

	rawUser := session.ClientReferenceID
	if rawUser == "" {
		rawUser = metadataString(session.Metadata, "user_id")
	}
	credits, err := metadataCredits(session.Metadata)
	if err != nil {
		return err
	}
	if rawUser == "" || credits <= 0 {
		return domain.NewValidationError("metadata", fmt.Sprintf("missing user_id or credits in checkout session %s", session.ID))
	}

	reference := session.ID
	if reference == "" {
		reference = session.PaymentIntent
	}
	if reference == "" {
		return domain.NewValidationError("id", "checkout session has no id or payment_intent")
	}

	userID, err := h.resolveUser(ctx, ledger, rawUser)
	if err != nil {
		return err
	}

	applied, err := ledger.GrantCredits(ctx, domain.CreditGrant{
		UserID:          userID,
		Amount:          credits,
		Description:     fmt.Sprintf("Credit pack purchase - %d credits", credits),
		IdempotencyKey:  "checkout_" + reference,
		PaymentIntentID: session.PaymentIntent,
	})
	if err != nil {
		return fmt.Errorf("grant checkout credits: %w", err)
	}

	h.logger.Info("checkout credits granted",
		"user_id", userID,
		"credits", credits,
		"session_id", session.ID,
		"applied", applied,
	)
	return nil
}

func (h *handlers) invoicePaid(ctx context.Context, ledger repository.Ledger, object json.RawMessage) error {
	var inv Invoice
	if err := json.Unmarshal(object, &inv); err != nil {
		return domain.NewValidationError("data.object", "malformed invoice")
	}
	if inv.ID == "" {
		return domain.NewValidationError("id", "invoice has no id")
	}

	rawUser := metadataString(inv.Metadata, "user_id")
	if rawUser == "" {
		return domain.NewValidationError("metadata.user_id", fmt.Sprintf("missing user_id on invoice %s", inv.ID))
	}

	credits, err := metadataCredits(inv.Metadata)
	if err != nil {
		return err
	}
	if credits == 0 && h.policy != nil {
		credits, err = h.policy.Credits(ctx, inv)
		if err != nil {
			return fmt.Errorf("entitlement for invoice %s: %w", inv.ID, err)
		}
	}
	if credits <= 0 {
		return domain.NewValidationError("metadata.credits", fmt.Sprintf("no credits resolvable for invoice %s", inv.ID))
	}

	userID, err := h.resolveUser(ctx, ledger, rawUser)
	if err != nil {
		return err
	}

	applied, err := ledger.GrantCredits(ctx, domain.CreditGrant{
		UserID:          userID,
		Amount:          credits,
		Description:     fmt.Sprintf("Subscription payment %s - %d credits", inv.ID, credits),
		IdempotencyKey:  "invoice_" + inv.ID,
		PaymentIntentID: inv.PaymentIntent,
	})
	if err != nil {
		return fmt.Errorf("grant invoice credits: %w", err)
	}

	h.logger.Info("subscription credits granted",
		"user_id", userID,
		"credits", credits,
		"invoice_id", inv.ID,
		"customer", inv.Customer,
		"applied", applied,
	)
	return nil
}

func (h *handlers) paymentSucceeded(_ context.Context, _ repository.Ledger, object json.RawMessage) error {
	var pi paymentIntent
	_ = json.Unmarshal(object, &pi)
	h.logger.Info("payment succeeded", "payment_intent", pi.ID, "amount", pi.Amount, "currency", pi.Currency)
	return nil
}

func (h *handlers) paymentFailed(_ context.Context, _ repository.Ledger, object json.RawMessage) error {
	var pi paymentIntent
	_ = json.Unmarshal(object, &pi)

	reason := ""
	if pi.LastPaymentError != nil {
		reason = pi.LastPaymentError.Message
	}
	h.logger.Warn("payment failed", "payment_intent", pi.ID, "reason", reason)
	return nil
}

func (h *handlers) resolveUser(ctx context.Context, ledger repository.Ledger, raw string) (uuid.UUID, error) {
	userID, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, domain.NewValidationError("user_id", fmt.Sprintf("invalid user id %q", raw))
	}
	exists, err := ledger.UserExists(ctx, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("lookup user: %w", err)
	}
	if !exists {
		return uuid.Nil, domain.NewValidationError("user_id", fmt.Sprintf("user %s not found", userID))
	}
	return userID, nil
}

func metadataString(md map[string]any, key string) string {
	if v, ok := md[key].(string); ok {
		return v
	}
	return ""
}

// metadataCredits reads metadata.credits, which providers send as a string
// but which may also arrive as a number. Absent means zero.
func metadataCredits(md map[string]any) (int64, error) {
	switch v := md["credits"].(type) {
	case nil:
		return 0, nil
	case string:
		if strings.TrimSpace(v) == "" {
			return 0, nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return 0, domain.NewValidationError("metadata.credits", fmt.Sprintf("not an integer: %q", v))
		}
		return n, nil
	case float64:
		if v != math.Trunc(v) || v >= math.MaxInt64 || v < math.MinInt64 {
			return 0, domain.NewValidationError("metadata.credits", fmt.Sprintf("not an integer: %v", v))
		}
		return int64(v), nil
	default:
		return 0, domain.NewValidationError("metadata.credits", fmt.Sprintf("unsupported type %T", v))
	}
}
