package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

const (
	ProviderGoogle = "google"
	ProviderGitHub = "github"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	// ErrUnverifiedEmail means the provider did not vouch for the address.
	ErrUnverifiedEmail = errors.New("provider email not verified")
)

// Profile is what a provider tells us about the signed-in account.
type Profile struct {
	ID            string
	Email         string
	EmailVerified bool
	Name          string
	Avatar        string
}

// Provider couples an OAuth2 client config with the way to read its profile.
type Provider struct {
	Name      string
	Config    *oauth2.Config
	UserURL   string
	EmailsURL string
	decode    func(ctx context.Context, p *Provider, c *http.Client) (*Profile, error)
}

type Config struct {
	PublicBaseURL      string `envconfig:"PUBLIC_BASE_URL" default:"http://localhost:8431"`
	GoogleClientID     string `envconfig:"OAUTH_GOOGLE_CLIENT_ID"`
	GoogleClientSecret string `envconfig:"OAUTH_GOOGLE_CLIENT_SECRET"`
	GitHubClientID     string `envconfig:"OAUTH_GITHUB_CLIENT_ID"`
	GitHubClientSecret string `envconfig:"OAUTH_GITHUB_CLIENT_SECRET"`
}

func callbackURL(base, provider string) string {
	return strings.TrimRight(base, "/") + "/oauth/" + provider + "/callback"
}

func NewGoogle(base, id, secret string) *Provider {
	return &Provider{
		Name: ProviderGoogle,
		Config: &oauth2.Config{
			ClientID:     id,
			ClientSecret: secret,
			Endpoint:     google.Endpoint,
			RedirectURL:  callbackURL(base, ProviderGoogle),
			Scopes:       []string{"openid", "email", "profile"},
		},
		UserURL: "https://openidconnect.googleapis.com/v1/userinfo",
		decode:  decodeGoogle,
	}
}

func NewGitHub(base, id, secret string) *Provider {
	return &Provider{
		Name: ProviderGitHub,
		Config: &oauth2.Config{
			ClientID:     id,
			ClientSecret: secret,
			Endpoint:     github.Endpoint,
			RedirectURL:  callbackURL(base, ProviderGitHub),
			Scopes:       []string{"read:user", "user:email"},
		},
		UserURL:   "https://api.github.com/user",
		EmailsURL: "https://api.github.com/user/emails",
		decode:    decodeGitHub,
	}
}

// Registry holds the providers that have client credentials configured.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{providers: map[string]*Provider{}}
	if cfg.GoogleClientID != "" {
		r.Add(NewGoogle(cfg.PublicBaseURL, cfg.GoogleClientID, cfg.GoogleClientSecret))
	}
	if cfg.GitHubClientID != "" {
		r.Add(NewGitHub(cfg.PublicBaseURL, cfg.GitHubClientID, cfg.GitHubClientSecret))
	}
	return r
}

func (r *Registry) Add(p *Provider) { r.providers[p.Name] = p }

func (r *Registry) Get(name string) (*Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		return nil, ErrUnknownProvider
	}
	return p, nil
}

func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.providers))
	for n := range r.providers {
		out = append(out, n)
	}
	return out
}

// Exchange trades the authorization code for a token and reads the profile with it.
func (p *Provider) Exchange(ctx context.Context, code string) (*Profile, error) {
	tok, err := p.Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%s: exchange: %w", p.Name, err)
	}
	prof, err := p.decode(ctx, p, p.Config.Client(ctx, tok))
	if err != nil {
		return nil, fmt.Errorf("%s: profile: %w", p.Name, err)
	}
	if prof.ID == "" || prof.Email == "" {
		return nil, fmt.Errorf("%s: profile: missing id or email", p.Name)
	}
	if !prof.EmailVerified {
		return nil, ErrUnverifiedEmail
	}
	return prof, nil
}

func getJSON(ctx context.Context, c *http.Client, url string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

func decodeGoogle(ctx context.Context, p *Provider, c *http.Client) (*Profile, error) {
	var info struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		Picture       string `json:"picture"`
	}
	if err := getJSON(ctx, c, p.UserURL, &info); err != nil {
		return nil, err
	}
	return &Profile{ID: info.Sub, Email: info.Email, EmailVerified: info.EmailVerified, Name: info.Name, Avatar: info.Picture}, nil
}

// decodeGitHub reads /user and, since the public email may be hidden or
// unverified, takes the primary verified address from /user/emails.
func decodeGitHub(ctx context.Context, p *Provider, c *http.Client) (*Profile, error) {
	var u struct {
		ID        int64  `json:"id"`
		Login     string `json:"login"`
		Name      string `json:"name"`
		AvatarURL string `json:"avatar_url"`
	}
	if err := getJSON(ctx, c, p.UserURL, &u); err != nil {
		return nil, err
	}
	var emails []struct {
		Email    string `json:"email"`
		Primary  bool   `json:"primary"`
		Verified bool   `json:"verified"`
	}
	if err := getJSON(ctx, c, p.EmailsURL, &emails); err != nil {
		return nil, err
	}
	prof := &Profile{ID: strconv.FormatInt(u.ID, 10), Name: u.Name, Avatar: u.AvatarURL}
	if prof.Name == "" {
		prof.Name = u.Login
	}
	for _, e := range emails {
		if e.Primary {
			prof.Email, prof.EmailVerified = e.Email, e.Verified
			break
		}
	}
	if u.ID == 0 {
		prof.ID = ""
	}
	return prof, nil
}
