package subscription

import (
	"time"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
)

// State is the derived access state of a user. It is never persisted.
type State int

const (
	Free State = iota
	TrialActive
	ProActive
	ProGrace
)

func (s State) String() string {
	switch s {
	case TrialActive:
		return "trial_active"
	case ProActive:
		return "pro_active"
	case ProGrace:
		return "pro_grace"
	default:
		return "free"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Entitlement is the result of evaluating a user row at a point in time.
type Entitlement struct {
	State          State      `json:"state"`
	Entitled       bool       `json:"entitled"`
	Tier           string     `json:"tier"`
	SubscriptionID *string    `json:"subscription_id,omitempty"`
	TrialEndsAt    *time.Time `json:"trial_ends_at,omitempty"`
	EndsAt         *time.Time `json:"subscription_ends_at,omitempty"`
}

// Evaluate derives entitlement from the row's timestamps and flags.
// Precedence: active trial, uncanceled pro, canceled pro inside its grace window, free.
// A pro row still in trialing status was never paid for, so it drops to free once the
// trial window closes.
func Evaluate(u *entity.User, now time.Time) Entitlement {
	e := Entitlement{
		Tier:           u.SubscriptionTier,
		SubscriptionID: u.SubscriptionID,
		TrialEndsAt:    u.TrialEndsAt,
		EndsAt:         u.SubscriptionEndsAt,
	}
	pro := u.SubscriptionTier == entity.TierPro
	paid := pro && u.SubscriptionStatus != entity.StatusTrialing
	switch {
	case u.TrialEndsAt != nil && u.TrialEndsAt.After(now):
		e.State = TrialActive
	case paid && u.SubscriptionCanceledAt == nil:
		e.State = ProActive
	case pro && u.SubscriptionEndsAt != nil && u.SubscriptionEndsAt.After(now):
		e.State = ProGrace
	default:
		e.State = Free
	}
	e.Entitled = e.State != Free
	return e
}
