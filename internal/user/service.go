package user

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// Repository is the subset of persistence the identity resolver needs.
type Repository interface {
	Create(ctx context.Context, u *entity.User) error
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByOAuth(ctx context.Context, provider, providerID string) (*entity.User, error)
	TouchLogin(ctx context.Context, id string, now time.Time) error
	UpdatePassword(ctx context.Context, id, hash string, now time.Time) error
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrOAuthOnlyAccount   = errors.New("account uses external sign-in")
	ErrEmailTaken         = errors.New("email already registered")
	// ErrCreateConflict means a concurrent request created the same account first; retry.
	ErrCreateConflict  = errors.New("account creation conflict")
	ErrLinkageConflict = errors.New("provider identity linked to another email")
	ErrNotFound        = userrepo.ErrNotFound
)

// OAuthAssertion is a verified profile handed over by an external identity provider.
type OAuthAssertion struct {
	Email             string
	Provider          string
	ProviderAccountID string
	Name              string
	Avatar            string
}

// UserService resolves sign-in attempts to a single user identity.
type UserService struct {
	repo   Repository
	hasher credential.PasswordHasher
	now    func() time.Time
	newID  func() string

	dummyOnce sync.Once
	dummyHash string
}

func NewUserService(r Repository, hasher credential.PasswordHasher) *UserService {
	if hasher == nil {
		hasher = credential.BcryptHasher{Cost: credential.DefaultCost}
	}
	return &UserService{
		repo:   r,
		hasher: hasher,
		now:    func() time.Time { return time.Now().UTC() },
		newID:  utilities.NewKSUID,
	}
}

// WithClock replaces the time source; used by tests.
func (s *UserService) WithClock(now func() time.Time) *UserService {
	s.now = now
	return s
}

// equalizeTiming burns one hash comparison so that unknown emails cost the
// same as a wrong password.
func (s *UserService) equalizeTiming(password string) {
	s.dummyOnce.Do(func() {
		s.dummyHash, _, _ = s.hasher.Hash("timing-equalizer-Aa1")
	})
	_ = s.hasher.Verify(s.dummyHash, password)
}

// Authenticate performs password authentication by exact email.
// Unknown email and wrong password both yield ErrInvalidCredentials.
func (s *UserService) Authenticate(ctx context.Context, email, password string) (*entity.Identity, error) {
	u, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, userrepo.ErrNotFound) {
			s.equalizeTiming(password)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if !u.HasPassword() {
		return nil, ErrOAuthOnlyAccount
	}
	if !s.hasher.Verify(*u.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}

	now := s.now()
	if err := s.repo.TouchLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	if s.hasher.NeedsRehash(*u.PasswordHash) {
		// best-effort upgrade; the sign-in itself already succeeded
		if newHash, _, hErr := s.hasher.Hash(password); hErr == nil {
			_ = s.repo.UpdatePassword(ctx, u.ID, newHash, now)
		}
	}
	u.LastLoginAt = &now
	return u.Identity(), nil
}

// ResolveOAuth finds or creates the user for a provider assertion. Email is the
// only linking key: an existing row is returned unchanged apart from the login stamp.
func (s *UserService) ResolveOAuth(ctx context.Context, a OAuthAssertion) (*entity.Identity, error) {
	if a.Email == "" || a.Provider == "" || a.ProviderAccountID == "" {
		return nil, ErrInvalidCredentials
	}
	now := s.now()
	u, err := s.repo.GetByEmail(ctx, a.Email)
	if err == nil {
		if err := s.repo.TouchLogin(ctx, u.ID, now); err != nil {
			return nil, err
		}
		u.LastLoginAt = &now
		return u.Identity(), nil
	}
	if !errors.Is(err, userrepo.ErrNotFound) {
		return nil, err
	}

	linked, err := s.repo.GetByOAuth(ctx, a.Provider, a.ProviderAccountID)
	if err == nil && linked.Email != a.Email {
		return nil, ErrLinkageConflict
	}
	if err != nil && !errors.Is(err, userrepo.ErrNotFound) {
		return nil, err
	}

	u = &entity.User{
		ID:                 s.newID(),
		Email:              a.Email,
		OAuthProvider:      &a.Provider,
		OAuthID:            &a.ProviderAccountID,
		Name:               optional(a.Name),
		AvatarURL:          optional(a.Avatar),
		EmailVerified:      true,
		SubscriptionStatus: entity.StatusTrial,
		SubscriptionTier:   entity.TierFree,
		LastLoginAt:        &now,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.create(ctx, u); err != nil {
		return nil, err
	}
	if err := s.repo.TouchLogin(ctx, u.ID, now); err != nil {
		return nil, err
	}
	return u.Identity(), nil
}

// Register creates a credentials account. The password must pass the strength policy.
func (s *UserService) Register(ctx context.Context, email, password, name string) (*entity.Identity, error) {
	if st := credential.ValidateStrength(password); !st.Valid {
		return nil, fmt.Errorf("%w: %s", credential.ErrWeakPassword, st.Reason)
	}
	if _, err := s.repo.GetByEmail(ctx, email); err == nil {
		return nil, ErrEmailTaken
	} else if !errors.Is(err, userrepo.ErrNotFound) {
		return nil, err
	}
	hash, _, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := &entity.User{
		ID:                 s.newID(),
		Email:              email,
		PasswordHash:       &hash,
		Name:               optional(name),
		SubscriptionStatus: entity.StatusTrial,
		SubscriptionTier:   entity.TierFree,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.create(ctx, u); err != nil {
		return nil, err
	}
	return u.Identity(), nil
}

// create maps uniqueness failures from a racing insert onto service errors.
func (s *UserService) create(ctx context.Context, u *entity.User) error {
	err := s.repo.Create(ctx, u)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, userrepo.ErrDuplicateEmail):
		return ErrCreateConflict
	case errors.Is(err, userrepo.ErrDuplicateOAuth):
		return ErrLinkageConflict
	default:
		return err
	}
}

// Get returns the stored user by id.
func (s *UserService) Get(ctx context.Context, id string) (*entity.User, error) {
	return s.repo.GetByID(ctx, id)
}

func optional(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
