package reset

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

const (
	// TokenTTL bounds how long an issued secret stays valid.
	TokenTTL   = time.Hour
	tokenBytes = 32
)

var (
	// ErrInvalidToken covers expired, forged and already consumed secrets alike.
	ErrInvalidToken     = errors.New("invalid or expired link")
	ErrNotFound         = userrepo.ErrNotFound
	ErrOAuthOnlyAccount = errors.New("account has no password to reset")
)

type Store interface {
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByResetToken(ctx context.Context, tokenHash string) (*entity.User, error)
	SetResetToken(ctx context.Context, id, tokenHash string, expires, now time.Time) error
	ConsumeReset(ctx context.Context, id, newHash string, now time.Time) error
	ConsumeResetToken(ctx context.Context, id, tokenHash, newHash string, now time.Time) error
	ClearReset(ctx context.Context, id string, now time.Time) error
}

type Service struct {
	store  Store
	hasher credential.PasswordHasher
	now    func() time.Time
}

func NewService(store Store, hasher credential.PasswordHasher) *Service {
	if hasher == nil {
		hasher = credential.BcryptHasher{Cost: credential.DefaultCost}
	}
	return &Service{store: store, hasher: hasher, now: func() time.Time { return time.Now().UTC() }}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// HashToken is the one-way transform applied before a secret touches storage.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

func newSecret() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// Issue stores the hash of a fresh secret for the account and returns the
// plaintext once. Unknown and provider-only accounts return distinct errors;
// callers facing the public must not reveal which.
func (s *Service) Issue(ctx context.Context, email string) (string, *entity.User, error) {
	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return "", nil, err
	}
	if !u.HasPassword() {
		return "", nil, ErrOAuthOnlyAccount
	}
	secret, err := newSecret()
	if err != nil {
		return "", nil, fmt.Errorf("generate reset token: %w", err)
	}
	now := s.now()
	if err := s.store.SetResetToken(ctx, u.ID, HashToken(secret), now.Add(TokenTTL), now); err != nil {
		return "", nil, fmt.Errorf("store reset token: %w", err)
	}
	return secret, u, nil
}

// Validate returns the owner of a live secret.
func (s *Service) Validate(ctx context.Context, plaintext string) (*entity.User, error) {
	if plaintext == "" {
		return nil, ErrInvalidToken
	}
	u, err := s.store.GetByResetToken(ctx, HashToken(plaintext))
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, ErrInvalidToken
	}
	if err != nil {
		return nil, err
	}
	if u.ResetTokenExpires == nil || !u.ResetTokenExpires.After(s.now()) {
		return nil, ErrInvalidToken
	}
	return u, nil
}

// Consume sets the new password hash and clears the token in one update.
func (s *Service) Consume(ctx context.Context, userID, newHash string) error {
	return s.store.ConsumeReset(ctx, userID, newHash, s.now())
}

// Clear invalidates any outstanding token and leaves the password alone.
func (s *Service) Clear(ctx context.Context, userID string) error {
	return s.store.ClearReset(ctx, userID, s.now())
}

// ResetPassword redeems a secret for a new password. The final update is keyed
// on the token hash, so a secret redeemed concurrently succeeds only once.
func (s *Service) ResetPassword(ctx context.Context, plaintext, newPassword string) error {
	u, err := s.Validate(ctx, plaintext)
	if err != nil {
		return err
	}
	if st := credential.ValidateStrength(newPassword); !st.Valid {
		return fmt.Errorf("%w: %s", credential.ErrWeakPassword, st.Reason)
	}
	hash, _, err := s.hasher.Hash(newPassword)
	if err != nil {
		return err
	}
	err = s.store.ConsumeResetToken(ctx, u.ID, HashToken(plaintext), hash, s.now())
	if errors.Is(err, userrepo.ErrNotFound) {
		return ErrInvalidToken
	}
	return err
}
