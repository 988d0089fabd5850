package user

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/internal/session"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// Sessions mints the session handed back after a successful sign-in.
type Sessions interface {
	Grant(ctx context.Context, userID string) (*session.Grant, error)
}

// Recorder counts sign-in outcomes.
type Recorder interface {
	SignIn(method, outcome string)
}

type nopRecorder struct{}

func (nopRecorder) SignIn(string, string) {}

// Handler exposes HTTP endpoints for credential sign-up and sign-in.
type Handler struct {
	svc       *UserService
	sessions  Sessions
	metrics   Recorder
	logger    *zap.SugaredLogger
	validator *validator.Validate
}

func NewHandler(svc *UserService, sessions Sessions, metrics Recorder, logger *zap.SugaredLogger) *Handler {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Handler{svc: svc, sessions: sessions, metrics: metrics, logger: logger, validator: validator.New()}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/signup", h.Signup)
	r.Post("/signin", h.Signin)
}

// SignupRequest request body for signup endpoint.
type SignupRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Name     string `json:"name" validate:"max=200"`
}

// SigninRequest login payload.
type SigninRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// SignInResponse is returned by every successful sign-in path.
type SignInResponse struct {
	User *entity.Identity `json:"user"`
	*session.Grant
}

func (h *Handler) Signup(w http.ResponseWriter, r *http.Request) {
	var req SignupRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		h.logger.Debugw("invalid signup payload", "err", err)
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.svc.Register(r.Context(), req.Email, req.Password, req.Name)
	if err != nil {
		h.metrics.SignIn("signup", Outcome(err))
		h.WriteSignInError(w, err)
		return
	}
	h.metrics.SignIn("signup", "ok")
	h.Complete(w, r, http.StatusCreated, id)
}

func (h *Handler) Signin(w http.ResponseWriter, r *http.Request) {
	var req SigninRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		h.logger.Debugw("invalid signin payload", "err", err)
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id, err := h.svc.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.metrics.SignIn("password", Outcome(err))
		h.WriteSignInError(w, err)
		return
	}
	h.metrics.SignIn("password", "ok")
	h.Complete(w, r, http.StatusOK, id)
}

// Complete issues the session for a resolved identity and writes the response.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request, status int, id *entity.Identity) {
	g, err := h.sessions.Grant(r.Context(), id.ID)
	if err != nil {
		h.logger.Warnw("session issue failed", "user_id", id.ID, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "sign-in failed")
		return
	}
	session.SetCookie(w, r, g.Token, g.ExpiresAt)
	utilities.WriteJSON(w, status, SignInResponse{User: id, Grant: g})
}

// Outcome is the metric label for a sign-in error.
func Outcome(err error) string {
	switch {
	case errors.Is(err, ErrInvalidCredentials):
		return "invalid_credentials"
	case errors.Is(err, ErrOAuthOnlyAccount):
		return "oauth_only_account"
	case errors.Is(err, ErrEmailTaken):
		return "email_taken"
	case errors.Is(err, ErrCreateConflict):
		return "create_conflict"
	case errors.Is(err, ErrLinkageConflict):
		return "linkage_conflict"
	case errors.Is(err, credential.ErrWeakPassword):
		return "weak_password"
	default:
		return "error"
	}
}

// WriteSignInError maps resolver errors onto responses. Anything unrecognised
// is a storage failure and denies with 500.
func (h *Handler) WriteSignInError(w http.ResponseWriter, err error) {
	code := Outcome(err)
	switch code {
	case "invalid_credentials", "oauth_only_account":
		utilities.WriteError(w, http.StatusUnauthorized, code)
	case "email_taken":
		utilities.WriteError(w, http.StatusConflict, code)
	case "create_conflict":
		w.Header().Set("Retry-After", "1")
		utilities.WriteError(w, http.StatusConflict, code)
	case "linkage_conflict":
		utilities.WriteError(w, http.StatusForbidden, code)
	case "weak_password":
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Warnw("sign-in failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "sign-in failed")
	}
}
