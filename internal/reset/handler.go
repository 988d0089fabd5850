package reset

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/credential"
	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

type Handler struct {
	svc       *Service
	mailer    Mailer
	baseURL   string
	logger    *zap.SugaredLogger
	validator *validator.Validate
}

func NewHandler(svc *Service, mailer Mailer, baseURL string, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, mailer: mailer, baseURL: baseURL, logger: logger, validator: validator.New()}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/forgot", h.forgot)
	r.Post("/reset", h.reset)
	r.Get("/reset/validate", h.validate)
}

type forgotRequest struct {
	Email string `json:"email" validate:"required,email"`
}

type resetRequest struct {
	Token    string `json:"token" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// forgot always answers 202 so the response does not reveal whether the email exists.
func (h *Handler) forgot(w http.ResponseWriter, r *http.Request) {
	var req forgotRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	accepted := map[string]string{"status": "if the account exists, a reset link has been sent"}

	secret, u, err := h.svc.Issue(r.Context(), req.Email)
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrOAuthOnlyAccount):
		h.logger.Debugw("reset requested for ineligible account", "reason", err)
	case err != nil:
		h.logger.Warnw("reset issue failed", "err", err)
	default:
		if mErr := h.mailer.SendReset(r.Context(), u.Email, ResetLink(h.baseURL, secret)); mErr != nil {
			h.logger.Warnw("reset mail failed", "user_id", u.ID, "err", mErr)
		}
	}
	utilities.WriteJSON(w, http.StatusAccepted, accepted)
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	var req resetRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	err := h.svc.ResetPassword(r.Context(), req.Token, req.Password)
	switch {
	case err == nil:
		utilities.WriteJSON(w, http.StatusOK, map[string]string{"status": "password updated"})
	case errors.Is(err, ErrInvalidToken):
		utilities.WriteError(w, http.StatusBadRequest, ErrInvalidToken.Error())
	case errors.Is(err, credential.ErrWeakPassword):
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Warnw("password reset failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "password reset failed")
	}
}

func (h *Handler) validate(w http.ResponseWriter, r *http.Request) {
	_, err := h.svc.Validate(r.Context(), r.URL.Query().Get("token"))
	switch {
	case err == nil:
		utilities.WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
	case errors.Is(err, ErrInvalidToken):
		utilities.WriteError(w, http.StatusBadRequest, ErrInvalidToken.Error())
	default:
		h.logger.Warnw("reset validate failed", "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "validation failed")
	}
}
