package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/database"
)

var (
	ErrNotFound = errors.New("user not found")
	// ErrDuplicateEmail is returned when an insert loses the race on users_email_uq.
	ErrDuplicateEmail = errors.New("email already registered")
	// ErrDuplicateOAuth is returned when the provider identity is bound to another row.
	ErrDuplicateOAuth = errors.New("provider identity already linked")
)

const userColumns = `id, email, password_hash, oauth_provider, oauth_id, name, avatar_url, email_verified,
	subscription_status, subscription_tier, customer_id, subscription_id,
	trial_started_at, trial_ends_at, subscription_ends_at, subscription_canceled_at, last_payment_at,
	reset_token, reset_token_expires, reset_requested_at, last_login_at, created_at, updated_at`

// UserRepo provides data access for the users table using sqlx. Each method
// acquires its own connection from the factory and releases it before returning.
type UserRepo struct {
	conns database.Factory
}

func NewUserRepo(conns database.Factory) *UserRepo { return &UserRepo{conns: conns} }

// Create inserts a new user row. Unique violations are reported as
// ErrDuplicateEmail or ErrDuplicateOAuth.
func (r *UserRepo) Create(ctx context.Context, u *entity.User) error {
	const q = `INSERT INTO users (id, email, password_hash, oauth_provider, oauth_id, name, avatar_url, email_verified,
		subscription_status, subscription_tier, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	return database.WithConn(ctx, r.conns, func(c *sqlx.Conn) error {
		_, err := c.ExecContext(ctx, c.Rebind(q),
			u.ID, u.Email, u.PasswordHash, u.OAuthProvider, u.OAuthID, u.Name, u.AvatarURL, u.EmailVerified,
			u.SubscriptionStatus, u.SubscriptionTier, u.CreatedAt, u.UpdatedAt)
		if err != nil {
			if index, ok := database.UniqueViolation(err); ok {
				if index == "users_oauth_uq" {
					return ErrDuplicateOAuth
				}
				return ErrDuplicateEmail
			}
			return fmt.Errorf("insert user: %w", err)
		}
		return nil
	})
}

func (r *UserRepo) getOne(ctx context.Context, where string, args ...any) (*entity.User, error) {
	q := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	var row entity.User
	err := database.WithConn(ctx, r.conns, func(c *sqlx.Conn) error {
		return c.GetContext(ctx, &row, c.Rebind(q), args...)
	})
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("select user: %w", err)
	}
	return &row, nil
}

// GetByEmail returns the user whose email matches exactly (case-sensitive).
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*entity.User, error) {
	return r.getOne(ctx, `email = ?`, email)
}

// GetByID fetches a full user row.
func (r *UserRepo) GetByID(ctx context.Context, id string) (*entity.User, error) {
	return r.getOne(ctx, `id = ?`, id)
}

// GetByOAuth fetches the user bound to a provider identity.
func (r *UserRepo) GetByOAuth(ctx context.Context, provider, providerID string) (*entity.User, error) {
	return r.getOne(ctx, `oauth_provider = ? AND oauth_id = ?`, provider, providerID)
}

// GetByResetToken fetches the user holding the given reset token hash. Expiry is
// checked by the caller against its own clock.
func (r *UserRepo) GetByResetToken(ctx context.Context, tokenHash string) (*entity.User, error) {
	return r.getOne(ctx, `reset_token = ?`, tokenHash)
}

// exec runs a single keyed UPDATE and maps zero affected rows to ErrNotFound.
func (r *UserRepo) exec(ctx context.Context, q string, args ...any) error {
	return database.WithConn(ctx, r.conns, func(c *sqlx.Conn) error {
		res, err := c.ExecContext(ctx, c.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("update user: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update user: rows affected: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// TouchLogin stamps the last successful sign-in.
func (r *UserRepo) TouchLogin(ctx context.Context, id string, now time.Time) error {
	return r.exec(ctx, `UPDATE users SET last_login_at = ?, updated_at = ? WHERE id = ?`, now, now, id)
}

// UpdatePassword replaces the password hash, e.g. when the bcrypt cost was raised.
func (r *UserRepo) UpdatePassword(ctx context.Context, id, hash string, now time.Time) error {
	return r.exec(ctx, `UPDATE users SET password_hash = ?, updated_at = ? WHERE id = ?`, hash, now, id)
}

// StartTrial moves the user onto the pro tier for a trial window.
func (r *UserRepo) StartTrial(ctx context.Context, id, customerID, subscriptionID string, now, endsAt time.Time) error {
	const q = `UPDATE users SET subscription_tier = ?, subscription_status = ?, customer_id = ?, subscription_id = ?,
		trial_started_at = ?, trial_ends_at = ?, updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, entity.TierPro, entity.StatusTrialing, customerID, subscriptionID, now, endsAt, now, id)
}

// Activate records a successful payment and clears any pending cancellation.
func (r *UserRepo) Activate(ctx context.Context, id, subscriptionID string, now time.Time) error {
	const q = `UPDATE users SET subscription_tier = ?, subscription_status = ?, subscription_id = ?, last_payment_at = ?,
		subscription_canceled_at = NULL, subscription_ends_at = NULL, updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, entity.TierPro, entity.StatusActive, subscriptionID, now, now, id)
}

// Cancel stamps a cancellation; access continues until endsAt.
func (r *UserRepo) Cancel(ctx context.Context, id string, endsAt, now time.Time) error {
	const q = `UPDATE users SET subscription_status = ?, subscription_canceled_at = ?, subscription_ends_at = ?,
		updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, entity.StatusCanceled, now, endsAt, now, id)
}

// Downgrade returns the user to the free tier and forgets the processor subscription.
func (r *UserRepo) Downgrade(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE users SET subscription_tier = ?, subscription_status = ?, subscription_id = NULL,
		updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, entity.TierFree, entity.StatusInactive, now, id)
}

// SetResetToken stores a reset token hash, replacing any earlier one.
func (r *UserRepo) SetResetToken(ctx context.Context, id, tokenHash string, expires, now time.Time) error {
	const q = `UPDATE users SET reset_token = ?, reset_token_expires = ?, reset_requested_at = ?, updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, tokenHash, expires, now, now, id)
}

// ConsumeReset sets a new password hash and clears the reset token in one statement.
func (r *UserRepo) ConsumeReset(ctx context.Context, id, newHash string, now time.Time) error {
	const q = `UPDATE users SET password_hash = ?, reset_token = NULL, reset_token_expires = NULL,
		reset_requested_at = NULL, updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, newHash, now, id)
}

// ConsumeResetToken is ConsumeReset guarded by the token hash still being
// present, so of two concurrent consumers only one succeeds.
func (r *UserRepo) ConsumeResetToken(ctx context.Context, id, tokenHash, newHash string, now time.Time) error {
	const q = `UPDATE users SET password_hash = ?, reset_token = NULL, reset_token_expires = NULL,
		reset_requested_at = NULL, updated_at = ? WHERE id = ? AND reset_token = ?`
	return r.exec(ctx, q, newHash, now, id, tokenHash)
}

// ClearReset invalidates any outstanding reset token without touching the password.
func (r *UserRepo) ClearReset(ctx context.Context, id string, now time.Time) error {
	const q = `UPDATE users SET reset_token = NULL, reset_token_expires = NULL, reset_requested_at = NULL,
		updated_at = ? WHERE id = ?`
	return r.exec(ctx, q, now, id)
}
