package oauth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/user"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

const (
	stateCookie = "identity_oauth_state"
	stateTTL    = 10 * time.Minute
)

// Resolver turns a verified provider profile into a user identity.
type Resolver interface {
	ResolveOAuth(ctx context.Context, a user.OAuthAssertion) (*entity.Identity, error)
}

// Completer finishes a sign-in: session issue and the response body.
type Completer interface {
	Complete(w http.ResponseWriter, r *http.Request, status int, id *entity.Identity)
	WriteSignInError(w http.ResponseWriter, err error)
}

type Handler struct {
	providers   *Registry
	resolver    Resolver
	complete    Completer
	metrics     user.Recorder
	internalKey string
	logger      *zap.SugaredLogger
	validator   *validator.Validate
}

type nopRecorder struct{}

func (nopRecorder) SignIn(string, string) {}

func NewHandler(providers *Registry, resolver Resolver, complete Completer, metrics user.Recorder, internalKey string, logger *zap.SugaredLogger) *Handler {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Handler{
		providers:   providers,
		resolver:    resolver,
		complete:    complete,
		metrics:     metrics,
		internalKey: internalKey,
		logger:      logger,
		validator:   validator.New(),
	}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/{provider}/start", h.start)
	r.Get("/{provider}/callback", h.callback)
	r.With(utilities.RequireKey(h.internalKey)).Post("/assertion", h.assertion)
}

func newState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		utilities.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	state, err := newState()
	if err != nil {
		h.logger.Warnw("oauth state generation failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/oauth/" + p.Name,
		MaxAge:   int(stateTTL.Seconds()),
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, p.Config.AuthCodeURL(state), http.StatusFound)
}

func (h *Handler) callback(w http.ResponseWriter, r *http.Request) {
	p, err := h.providers.Get(chi.URLParam(r, "provider"))
	if err != nil {
		utilities.WriteError(w, http.StatusNotFound, err.Error())
		return
	}
	q := r.URL.Query()
	c, err := r.Cookie(stateCookie)
	if err != nil || !utilities.SecretEqual(c.Value, q.Get("state")) {
		utilities.WriteError(w, http.StatusBadRequest, "invalid oauth state")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookie, Value: "", Path: "/oauth/" + p.Name, MaxAge: -1, HttpOnly: true})
	if e := q.Get("error"); e != "" {
		h.metrics.SignIn("oauth", "provider_denied")
		utilities.WriteError(w, http.StatusUnauthorized, "sign-in denied")
		return
	}

	prof, err := p.Exchange(r.Context(), q.Get("code"))
	if err != nil {
		h.metrics.SignIn("oauth", "provider_error")
		if !errors.Is(err, ErrUnverifiedEmail) {
			h.logger.Warnw("oauth exchange failed", "provider", p.Name, "err", err)
		}
		utilities.WriteError(w, http.StatusUnauthorized, "sign-in denied")
		return
	}
	h.resolve(w, r, user.OAuthAssertion{
		Email:             prof.Email,
		Provider:          p.Name,
		ProviderAccountID: prof.ID,
		Name:              prof.Name,
		Avatar:            prof.Avatar,
	})
}

type assertionRequest struct {
	Email             string `json:"email" validate:"required,email"`
	Provider          string `json:"provider" validate:"required"`
	ProviderAccountID string `json:"provider_account_id" validate:"required"`
	Name              string `json:"name"`
	Avatar            string `json:"avatar" validate:"omitempty,url"`
}

// assertion accepts a profile already verified by a trusted front-end.
func (h *Handler) assertion(w http.ResponseWriter, r *http.Request) {
	var req assertionRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.resolve(w, r, user.OAuthAssertion(req))
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request, a user.OAuthAssertion) {
	id, err := h.resolver.ResolveOAuth(r.Context(), a)
	if err != nil {
		h.metrics.SignIn("oauth", user.Outcome(err))
		h.complete.WriteSignInError(w, err)
		return
	}
	h.metrics.SignIn("oauth", "ok")
	h.complete.Complete(w, r, http.StatusOK, id)
}
