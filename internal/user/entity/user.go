package entity

import "time"

const (
	TierFree = "free"
	TierPro  = "pro"

	// StatusTrial is the default for new rows: trial eligible, not yet started.
	StatusTrial    = "trial"
	StatusTrialing = "trialing"
	StatusActive   = "active"
	StatusCanceled = "canceled"
	StatusInactive = "inactive"
)

// User represents an account row in the `users` table.
// Nullable columns are pointers; a nil PasswordHash marks an account that was
// created through an external identity provider and can never sign in with a password.
type User struct {
	ID            string  `db:"id"`
	Email         string  `db:"email"`
	PasswordHash  *string `db:"password_hash"`
	OAuthProvider *string `db:"oauth_provider"`
	OAuthID       *string `db:"oauth_id"`
	Name          *string `db:"name"`
	AvatarURL     *string `db:"avatar_url"`
	EmailVerified bool    `db:"email_verified"`

	SubscriptionStatus     string     `db:"subscription_status"`
	SubscriptionTier       string     `db:"subscription_tier"`
	CustomerID             *string    `db:"customer_id"`
	SubscriptionID         *string    `db:"subscription_id"`
	TrialStartedAt         *time.Time `db:"trial_started_at"`
	TrialEndsAt            *time.Time `db:"trial_ends_at"`
	SubscriptionEndsAt     *time.Time `db:"subscription_ends_at"`
	SubscriptionCanceledAt *time.Time `db:"subscription_canceled_at"`
	LastPaymentAt          *time.Time `db:"last_payment_at"`

	ResetToken        *string    `db:"reset_token"`
	ResetTokenExpires *time.Time `db:"reset_token_expires"`
	ResetRequestedAt  *time.Time `db:"reset_requested_at"`

	LastLoginAt *time.Time `db:"last_login_at"`
	CreatedAt   time.Time  `db:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"`
}

// HasPassword reports whether the account can authenticate with credentials.
func (u *User) HasPassword() bool {
	return u.PasswordHash != nil && *u.PasswordHash != ""
}

// Identity is the projection returned to sign-in callers.
type Identity struct {
	ID            string  `json:"id"`
	Email         string  `json:"email"`
	Name          *string `json:"name,omitempty"`
	AvatarURL     *string `json:"avatar_url,omitempty"`
	EmailVerified bool    `json:"email_verified"`
}

func (u *User) Identity() *Identity {
	return &Identity{
		ID:            u.ID,
		Email:         u.Email,
		Name:          u.Name,
		AvatarURL:     u.AvatarURL,
		EmailVerified: u.EmailVerified,
	}
}
