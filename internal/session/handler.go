package session

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

type Handler struct {
	issuer *Issuer
	logger *zap.SugaredLogger
}

func NewHandler(issuer *Issuer, logger *zap.SugaredLogger) *Handler {
	return &Handler{issuer: issuer, logger: logger}
}

func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/.well-known/jwks.json", h.jwks)
	r.With(Require(h.issuer, h.logger)).Get("/session", h.current)
	r.Post("/signout", h.signout)
}

func (h *Handler) jwks(w http.ResponseWriter, _ *http.Request) {
	utilities.WriteJSON(w, http.StatusOK, h.issuer.JWKS())
}

func (h *Handler) current(w http.ResponseWriter, r *http.Request) {
	utilities.WriteJSON(w, http.StatusOK, ClaimsFromContext(r.Context()))
}

// signout always clears the cookie; revocation is best-effort.
func (h *Handler) signout(w http.ResponseWriter, r *http.Request) {
	if token := TokenFromRequest(r); token != "" {
		if err := h.issuer.Revoke(r.Context(), token); err != nil {
			h.logger.Debugw("signout revoke skipped", "err", err)
		}
	}
	ClearCookie(w)
	w.WriteHeader(http.StatusNoContent)
}
