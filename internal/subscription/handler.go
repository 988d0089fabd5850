package subscription

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/pkg/utilities"
)

// Recorder counts applied billing transitions.
type Recorder interface {
	BillingTransition(op string, err error)
}

// Handler exposes the engine's write and read operations to the billing collaborator.
type Handler struct {
	svc       *Service
	metrics   Recorder
	logger    *zap.SugaredLogger
	validator *validator.Validate
}

func NewHandler(svc *Service, logger *zap.SugaredLogger) *Handler {
	return &Handler{svc: svc, logger: logger, validator: validator.New()}
}

func (h *Handler) WithMetrics(m Recorder) *Handler {
	h.metrics = m
	return h
}

// MountRoutes registers the billing routes. The caller applies the key check.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/users/{id}/trial", h.startTrial)
	r.Post("/users/{id}/activate", h.activate)
	r.Post("/users/{id}/cancel", h.cancel)
	r.Post("/users/{id}/downgrade", h.downgrade)
	r.Get("/subscription", h.check)
	r.Get("/users/{id}/entitlement", h.entitlement)
}

type trialRequest struct {
	CustomerID     string `json:"customer_id" validate:"required"`
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

type activateRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required"`
}

type cancelRequest struct {
	EndsAt time.Time `json:"ends_at"`
}

func (h *Handler) startTrial(w http.ResponseWriter, r *http.Request) {
	var req trialRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	h.respond(w, r, "trial", id, h.svc.StartTrial(r.Context(), id, req.CustomerID, req.SubscriptionID))
}

func (h *Handler) activate(w http.ResponseWriter, r *http.Request) {
	var req activateRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	h.respond(w, r, "activate", id, h.svc.Activate(r.Context(), id, req.SubscriptionID))
}

func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := utilities.DecodeJSON(r, h.validator, &req); err != nil {
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := chi.URLParam(r, "id")
	h.respond(w, r, "cancel", id, h.svc.Cancel(r.Context(), id, req.EndsAt))
}

func (h *Handler) downgrade(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	h.respond(w, r, "downgrade", id, h.svc.DowngradeToFree(r.Context(), id))
}

// respond answers a write with the freshly evaluated entitlement.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, op, id string, err error) {
	if h.metrics != nil {
		h.metrics.BillingTransition(op, err)
	}
	if err != nil {
		h.writeErr(w, op, err)
		return
	}
	h.logger.Infow("billing transition applied", "op", op, "user_id", id)
	e, err := h.svc.Entitlement(r.Context(), id)
	if err != nil {
		h.writeErr(w, op, err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) entitlement(w http.ResponseWriter, r *http.Request) {
	e, err := h.svc.Entitlement(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeErr(w, "entitlement", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, e)
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	email := r.URL.Query().Get("email")
	if email == "" {
		utilities.WriteError(w, http.StatusBadRequest, "email is required")
		return
	}
	st, err := h.svc.CheckSubscription(r.Context(), email)
	if err != nil {
		h.writeErr(w, "check", err)
		return
	}
	utilities.WriteJSON(w, http.StatusOK, st)
}

func (h *Handler) writeErr(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		utilities.WriteError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, ErrInvalidInput):
		utilities.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Warnw("billing operation failed", "op", op, "err", err)
		utilities.WriteError(w, http.StatusInternalServerError, "billing operation failed")
	}
}
