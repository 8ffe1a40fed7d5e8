package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/felipemaragno/settle/internal/domain"
	"github.com/felipemaragno/settle/internal/repository"
	"github.com/felipemaragno/settle/internal/repository/memory"
)

func seedUser(t *testing.T, store *memory.Store) uuid.UUID {
	t.Helper()
	id := uuid.New()
	if err := store.CreateUser(id, id.String()+"@example.com"); err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	return id
}

func eventBody(object string) json.RawMessage {
	return json.RawMessage(`{"id":"evt","type":"x","data":{"object":` + object + `}}`)
}

func TestApplier_CheckoutCompleted(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	userID := seedUser(t, store)
	applier := NewDefaultApplier(nil, nil)

	tests := []struct {
		name    string
		object  string
		wantErr bool
		balance int64
	}{
		{
			name:    "client reference and string credits",
			object:  `{"id":"cs_1","client_reference_id":"` + userID.String() + `","payment_intent":"pi_1","metadata":{"credits":"1000"}}`,
			balance: 1000,
		},
		{
			name:    "replayed session is a no-op",
			object:  `{"id":"cs_1","client_reference_id":"` + userID.String() + `","metadata":{"credits":"1000"}}`,
			balance: 1000,
		},
		{
			name:    "metadata user and numeric credits",
			object:  `{"id":"cs_2","metadata":{"user_id":"` + userID.String() + `","credits":250}}`,
			balance: 1250,
		},
		{
			name:    "falls back to payment intent reference",
			object:  `{"payment_intent":"pi_3","client_reference_id":"` + userID.String() + `","metadata":{"credits":"5"}}`,
			balance: 1255,
		},
		{
			name:    "missing credits",
			object:  `{"id":"cs_4","client_reference_id":"` + userID.String() + `"}`,
			wantErr: true,
			balance: 1255,
		},
		{
			name:    "zero credits",
			object:  `{"id":"cs_5","client_reference_id":"` + userID.String() + `","metadata":{"credits":"0"}}`,
			wantErr: true,
			balance: 1255,
		},
		{
			name:    "missing user",
			object:  `{"id":"cs_6","metadata":{"credits":"10"}}`,
			wantErr: true,
			balance: 1255,
		},
		{
			name:    "unparsable user",
			object:  `{"id":"cs_7","client_reference_id":"not-a-uuid","metadata":{"credits":"10"}}`,
			wantErr: true,
			balance: 1255,
		},
		{
			name:    "unknown user",
			object:  `{"id":"cs_8","client_reference_id":"` + uuid.NewString() + `","metadata":{"credits":"10"}}`,
			wantErr: true,
			balance: 1255,
		},
		{
			name:    "fractional credits",
			object:  `{"id":"cs_9","client_reference_id":"` + userID.String() + `","metadata":{"credits":1.5}}`,
			wantErr: true,
			balance: 1255,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := applier.Apply(ctx, store, TypeCheckoutCompleted, eventBody(tt.object))
			if tt.wantErr {
				if !domain.IsValidation(err) {
					t.Errorf("err = %v, want ValidationError", err)
				}
			} else if err != nil {
				t.Errorf("unexpected error: %v", err)
			}

			balance, _ := store.Balance(ctx, userID)
			if balance != tt.balance {
				t.Errorf("balance = %d, want %d", balance, tt.balance)
			}
		})
	}
}

func TestApplier_CheckoutIdempotencyKey(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	userID := seedUser(t, store)

	object := `{"id":"cs_key","client_reference_id":"` + userID.String() + `","metadata":{"credits":"3"}}`
	if err := NewDefaultApplier(nil, nil).Apply(ctx, store, TypeCheckoutCompleted, eventBody(object)); err != nil {
		t.Fatalf("Apply: %v", err)
	}

	txs, _ := store.Transactions(ctx, userID)
	if len(txs) != 1 {
		t.Fatalf("transactions = %d, want 1", len(txs))
	}
	if txs[0].IdempotencyKey == nil || *txs[0].IdempotencyKey != "checkout_cs_key" {
		t.Errorf("IdempotencyKey = %v, want checkout_cs_key", txs[0].IdempotencyKey)
	}
}

func TestApplier_InvoicePaid(t *testing.T) {
	ctx := context.Background()

	t.Run("credits from metadata", func(t *testing.T) {
		store := memory.NewStore()
		userID := seedUser(t, store)
		object := `{"id":"in_1","customer":"cus_1","metadata":{"user_id":"` + userID.String() + `","credits":"40"}}`

		if err := NewDefaultApplier(nil, nil).Apply(ctx, store, TypeInvoicePaid, eventBody(object)); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		txs, _ := store.Transactions(ctx, userID)
		if len(txs) != 1 || *txs[0].IdempotencyKey != "invoice_in_1" || txs[0].Amount != 40 {
			t.Errorf("transactions = %+v", txs)
		}
	})

	t.Run("credits from policy", func(t *testing.T) {
		store := memory.NewStore()
		userID := seedUser(t, store)
		object := `{"id":"in_2","amount_paid":1999,"metadata":{"user_id":"` + userID.String() + `"}}`

		applier := NewDefaultApplier(AmountPolicy{MinorUnitsPerCredit: 10}, nil)
		if err := applier.Apply(ctx, store, TypeInvoicePaid, eventBody(object)); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if balance, _ := store.Balance(ctx, userID); balance != 199 {
			t.Errorf("balance = %d, want 199", balance)
		}
	})

	t.Run("subscription plan policy", func(t *testing.T) {
		store := memory.NewStore()
		userID := seedUser(t, store)
		object := `{"id":"in_3","subscription":"sub_pro","metadata":{"user_id":"` + userID.String() + `"}}`

		applier := NewDefaultApplier(SubscriptionPlans{"sub_pro": 500}, nil)
		if err := applier.Apply(ctx, store, TypeInvoicePaid, eventBody(object)); err != nil {
			t.Fatalf("Apply: %v", err)
		}
		if balance, _ := store.Balance(ctx, userID); balance != 500 {
			t.Errorf("balance = %d, want 500", balance)
		}
	})

	t.Run("no credits resolvable", func(t *testing.T) {
		store := memory.NewStore()
		userID := seedUser(t, store)
		object := `{"id":"in_4","metadata":{"user_id":"` + userID.String() + `"}}`

		err := NewDefaultApplier(nil, nil).Apply(ctx, store, TypeInvoicePaid, eventBody(object))
		if !domain.IsValidation(err) {
			t.Errorf("err = %v, want ValidationError", err)
		}
	})
}

func TestApplier_PaymentIntentsAreLogOnly(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	applier := NewDefaultApplier(nil, nil)

	for _, typ := range []string{TypePaymentSucceeded, TypePaymentFailed} {
		if err := applier.Apply(ctx, store, typ, eventBody(`{"id":"pi_1","last_payment_error":{"message":"card declined"}}`)); err != nil {
			t.Errorf("%s: unexpected error: %v", typ, err)
		}
	}
}

func TestApplier_RecoversPanic(t *testing.T) {
	applier := NewApplier(nil)
	applier.Register("boom", func(context.Context, repository.Ledger, json.RawMessage) error {
		panic("nil map write")
	})

	err := applier.Apply(context.Background(), memory.NewStore(), "boom", eventBody(`{}`))
	if err == nil || !strings.Contains(err.Error(), "nil map write") {
		t.Errorf("err = %v, want recovered panic", err)
	}
}

func TestApplier_Handles(t *testing.T) {
	applier := NewDefaultApplier(nil, nil)

	for _, typ := range []string{TypeCheckoutCompleted, TypePaymentSucceeded, TypePaymentFailed, TypeInvoicePaid} {
		if !applier.Handles(typ) {
			t.Errorf("Handles(%q) = false", typ)
		}
	}
	if applier.Handles("customer.created") {
		t.Error("Handles(customer.created) = true")
	}

	err := applier.Apply(context.Background(), memory.NewStore(), "customer.created", eventBody(`{}`))
	if err == nil {
		t.Error("expected error for unregistered type")
	}
}

func TestApplier_MalformedBody(t *testing.T) {
	err := NewDefaultApplier(nil, nil).Apply(context.Background(), memory.NewStore(), TypeCheckoutCompleted, json.RawMessage(`[1,2]`))
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestApplier_CheckoutForDeactivatedUser(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	userID := seedUser(t, store)
	store.DeactivateUser(userID)

	object := `{"id":"cs_off","client_reference_id":"` + userID.String() + `","metadata":{"credits":"10"}}`
	err := NewDefaultApplier(nil, nil).Apply(ctx, store, TypeCheckoutCompleted, eventBody(object))
	if !domain.IsValidation(err) {
		t.Errorf("err = %v, want ValidationError", err)
	}
}

func TestMetadataCredits(t *testing.T) {
	tests := []struct {
		name    string
		value   any
		want    int64
		wantErr bool
	}{
		{"absent", nil, 0, false},
		{"string", "250", 250, false},
		{"blank string", "  ", 0, false},
		{"number", float64(40), 40, false},
		{"fractional", 1.5, 0, true},
		{"not a number", "lots", 0, true},
		{"two to the sixty-three", float64(1 << 63), 0, true},
		{"far above int64", 1e19, 0, true},
		{"bool", true, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			md := map[string]any{}
			if tt.value != nil {
				md["credits"] = tt.value
			}
			got, err := metadataCredits(md)
			if (err != nil) != tt.wantErr {
				t.Fatalf("metadataCredits(%v) error = %v, wantErr %v", tt.value, err, tt.wantErr)
			}
			if err != nil && !domain.IsValidation(err) {
				t.Errorf("expected a validation error, got %v", err)
			}
			if got != tt.want {
				t.Errorf("metadataCredits(%v) = %d, want %d", tt.value, got, tt.want)
			}
		})
	}
}
