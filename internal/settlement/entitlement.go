package settlement

import (
	"context"
	"fmt"
)

// EntitlementPolicy decides how many credits a paid invoice is worth when the
// invoice itself does not say.
type EntitlementPolicy interface {
	Credits(ctx context.Context, inv Invoice) (int64, error)
}

// AmountPolicy converts the amount paid, in the currency's minor unit, into
// credits at a fixed rate.
type AmountPolicy struct {
	MinorUnitsPerCredit int64
}

func (p AmountPolicy) Credits(_ context.Context, inv Invoice) (int64, error) {
	if p.MinorUnitsPerCredit <= 0 {
		return 0, fmt.Errorf("minor units per credit must be positive, got %d", p.MinorUnitsPerCredit)
	}
	return inv.AmountPaid / p.MinorUnitsPerCredit, nil
}

// SubscriptionPlans maps a subscription id to the credits granted per paid invoice.
type SubscriptionPlans map[string]int64

func (p SubscriptionPlans) Credits(_ context.Context, inv Invoice) (int64, error) {
	return p[inv.Subscription], nil
}
