package session

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/kelseyhightower/envconfig"

	"github.com/ovaphlow/pitchfork/service-identity/internal/subscription"
	userrepo "github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

// ClaimsVersion is bumped whenever the Claims layout changes.
const ClaimsVersion = 1

var ErrInvalidSession = errors.New("invalid session")

type Config struct {
	TTL            time.Duration `envconfig:"TTL" default:"24h"`
	Issuer         string        `envconfig:"ISSUER" default:"pitchfork-identity"`
	PrivateKeyPath string        `envconfig:"PRIVATE_KEY_PATH"`
}

// ConfigFromEnv reads SESSION_* variables.
func ConfigFromEnv() (Config, error) {
	var cfg Config
	if err := envconfig.Process("SESSION", &cfg); err != nil {
		return Config{}, fmt.Errorf("session config: %w", err)
	}
	return cfg, nil
}

// Entitlements recomputes access for a subject on every read.
type Entitlements interface {
	Entitlement(ctx context.Context, userID string) (*subscription.Entitlement, error)
}

// Claims is what a session read returns. Only Subject is signed into the token;
// the rest is recomputed and informational.
type Claims struct {
	Version        int       `json:"version"`
	Subject        string    `json:"sub"`
	Entitled       bool      `json:"entitled"`
	Tier           string    `json:"tier"`
	SubscriptionID *string   `json:"subscription_id,omitempty"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// Issuer mints and reads subject-only RS256 session tokens.
type Issuer struct {
	key          *rsa.PrivateKey
	kid          string
	issuer       string
	ttl          time.Duration
	entitlements Entitlements
	denylist     Denylist
	now          func() time.Time
}

func NewIssuer(cfg Config, key *rsa.PrivateKey, ents Entitlements, deny Denylist) (*Issuer, error) {
	if key == nil {
		return nil, errors.New("session: signing key is required")
	}
	kid, err := keyID(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	if deny == nil {
		deny = NopDenylist{}
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Issuer{
		key:          key,
		kid:          kid,
		issuer:       cfg.Issuer,
		ttl:          cfg.TTL,
		entitlements: ents,
		denylist:     deny,
		now:          time.Now,
	}, nil
}

func (s *Issuer) WithClock(now func() time.Time) *Issuer {
	s.now = now
	return s
}

// Issue mints a token carrying only the user id.
func (s *Issuer) Issue(_ context.Context, userID string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, ErrInvalidSession
	}
	now := s.now().Truncate(time.Second)
	exp := now.Add(s.ttl)
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		Issuer:    s.issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.kid
	signed, err := tok.SignedString(s.key)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign session: %w", err)
	}
	return signed, exp, nil
}

func (s *Issuer) parse(token string) (*jwt.RegisteredClaims, error) {
	rc := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(token, rc, func(t *jwt.Token) (any, error) {
		if kid, _ := t.Header["kid"].(string); kid != s.kid {
			return nil, errors.New("unknown key id")
		}
		return &s.key.PublicKey, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil || rc.Subject == "" || rc.ID == "" {
		return nil, ErrInvalidSession
	}
	return rc, nil
}

// Read verifies the token and attaches entitlement recomputed from storage.
// Storage failures are returned as errors so callers deny access.
func (s *Issuer) Read(ctx context.Context, token string) (*Claims, error) {
	rc, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	revoked, err := s.denylist.IsRevoked(ctx, rc.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrInvalidSession
	}
	e, err := s.entitlements.Entitlement(ctx, rc.Subject)
	if errors.Is(err, userrepo.ErrNotFound) {
		return nil, ErrInvalidSession
	}
	if err != nil {
		return nil, fmt.Errorf("session entitlement: %w", err)
	}
	return &Claims{
		Version:        ClaimsVersion,
		Subject:        rc.Subject,
		Entitled:       e.Entitled,
		Tier:           e.Tier,
		SubscriptionID: e.SubscriptionID,
		ExpiresAt:      rc.ExpiresAt.Time,
	}, nil
}

// Revoke denylists a valid token until its expiry.
func (s *Issuer) Revoke(ctx context.Context, token string) error {
	rc, err := s.parse(token)
	if err != nil {
		return err
	}
	return s.denylist.Revoke(ctx, rc.ID, rc.ExpiresAt.Time.Sub(s.now()))
}

func (s *Issuer) JWKS() JWKSet {
	return JWKSet{Keys: []JWK{publicJWK(&s.key.PublicKey, s.kid)}}
}

func (s *Issuer) TTL() time.Duration { return s.ttl }

// Grant is the sign-in response: a fresh token and its first read.
type Grant struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Claims    *Claims   `json:"claims"`
}

// Grant issues a token for userID and reads it back so callers see current entitlement.
func (s *Issuer) Grant(ctx context.Context, userID string) (*Grant, error) {
	tok, exp, err := s.Issue(ctx, userID)
	if err != nil {
		return nil, err
	}
	c, err := s.Read(ctx, tok)
	if err != nil {
		return nil, err
	}
	return &Grant{Token: tok, ExpiresAt: exp, Claims: c}, nil
}
