package chat

import "github.com/voxhall/relayd/pkg/store"

type BillingMode string

const (
	BillingBYOK    BillingMode = "BYOK"
	BillingPremium BillingMode = "PREMIUM"
	BillingCredits BillingMode = "CREDITS"
)

// BillingDecision is computed once per turn and never persisted.
type BillingDecision struct {
	Mode   BillingMode
	APIKey string
}

// ResolveBilling picks the credential and billing mode for a turn. BYOK
// wins when enabled and a key is stored, premium users ride the system key
// unmetered, and everyone else burns credits. A metered user at zero
// credits is rejected here, before any state change or upstream call.
func ResolveBilling(u *store.User, byokKey, systemKey string) (BillingDecision, error) {
	if u.BYOKEnabled && byokKey != "" {
		return BillingDecision{Mode: BillingBYOK, APIKey: byokKey}, nil
	}
	if u.IsPremium {
		return BillingDecision{Mode: BillingPremium, APIKey: systemKey}, nil
	}
	if u.Credits <= 0 {
		return BillingDecision{}, ErrInsufficientCredits
	}
	return BillingDecision{Mode: BillingCredits, APIKey: systemKey}, nil
}
