package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

// TrialPeriod is the length of a free trial started by the billing collaborator.
const TrialPeriod = 7 * 24 * time.Hour

var (
	ErrNotFound = userrepo.ErrNotFound
	// ErrInvalidInput is returned for an empty user id.
	ErrInvalidInput = errors.New("invalid billing input")
)

// Store is the persistence the engine needs. Every write is a single UPDATE by id.
type Store interface {
	GetByID(ctx context.Context, id string) (*entity.User, error)
	GetByEmail(ctx context.Context, email string) (*entity.User, error)
	StartTrial(ctx context.Context, id, customerID, subscriptionID string, now, endsAt time.Time) error
	Activate(ctx context.Context, id, subscriptionID string, now time.Time) error
	Cancel(ctx context.Context, id string, endsAt, now time.Time) error
	Downgrade(ctx context.Context, id string, now time.Time) error
}

type Service struct {
	store Store
	now   func() time.Time
}

func NewService(store Store) *Service {
	return &Service{store: store, now: func() time.Time { return time.Now().UTC() }}
}

// WithClock replaces the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// StartTrial moves the user onto the pro tier for TrialPeriod from now.
func (s *Service) StartTrial(ctx context.Context, userID, customerID, subscriptionID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	now := s.now()
	if err := s.store.StartTrial(ctx, userID, customerID, subscriptionID, now, now.Add(TrialPeriod)); err != nil {
		return fmt.Errorf("start trial: %w", err)
	}
	return nil
}

// Activate records a successful payment and clears any pending cancellation.
func (s *Service) Activate(ctx context.Context, userID, subscriptionID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	if err := s.store.Activate(ctx, userID, subscriptionID, s.now()); err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	return nil
}

// Cancel keeps pro access until endsAt. A zero endsAt ends access immediately.
func (s *Service) Cancel(ctx context.Context, userID string, endsAt time.Time) error {
	if userID == "" {
		return ErrInvalidInput
	}
	now := s.now()
	if endsAt.IsZero() {
		endsAt = now
	}
	if err := s.store.Cancel(ctx, userID, endsAt.UTC(), now); err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	return nil
}

func (s *Service) DowngradeToFree(ctx context.Context, userID string) error {
	if userID == "" {
		return ErrInvalidInput
	}
	if err := s.store.Downgrade(ctx, userID, s.now()); err != nil {
		return fmt.Errorf("downgrade: %w", err)
	}
	return nil
}

// Entitlement reads the row and evaluates it against the current clock. Nothing is cached.
func (s *Service) Entitlement(ctx context.Context, userID string) (*Entitlement, error) {
	u, err := s.store.GetByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	e := Evaluate(u, s.now())
	return &e, nil
}

// Status is the billing collaborator's view of one account.
type Status struct {
	HasAccess          bool       `json:"has_access"`
	Status             string     `json:"status"`
	State              State      `json:"state"`
	Tier               string     `json:"tier"`
	TrialEndsAt        *time.Time `json:"trial_ends_at,omitempty"`
	SubscriptionEndsAt *time.Time `json:"subscription_ends_at,omitempty"`
}

// CheckSubscription looks the user up by exact email.
func (s *Service) CheckSubscription(ctx context.Context, email string) (*Status, error) {
	u, err := s.store.GetByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	e := Evaluate(u, s.now())
	return &Status{
		HasAccess:          e.Entitled,
		Status:             u.SubscriptionStatus,
		State:              e.State,
		Tier:               u.SubscriptionTier,
		TrialEndsAt:        u.TrialEndsAt,
		SubscriptionEndsAt: u.SubscriptionEndsAt,
	}, nil
}
