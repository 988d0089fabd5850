package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/subscription"
)

// Recorder counts applied billing transitions.
type Recorder interface {
	BillingTransition(op string, err error)
}

type nopRecorder struct{}

func (nopRecorder) BillingTransition(string, error) {}

// Handler applies queued billing events to the subscription engine.
type Handler struct {
	svc     *subscription.Service
	metrics Recorder
	logger  *zap.SugaredLogger
}

func NewHandler(svc *subscription.Service, metrics Recorder, logger *zap.SugaredLogger) *Handler {
	if metrics == nil {
		metrics = nopRecorder{}
	}
	return &Handler{svc: svc, metrics: metrics, logger: logger}
}

// Register binds every billing task type on mux.
func (h *Handler) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TaskTrialStarted, h.HandleTrialStarted)
	mux.HandleFunc(TaskActivated, h.HandleActivated)
	mux.HandleFunc(TaskCanceled, h.HandleCanceled)
	mux.HandleFunc(TaskDowngraded, h.HandleDowngraded)
}

func decode(t *asynq.Task, dst any) error {
	if err := json.Unmarshal(t.Payload(), dst); err != nil {
		return fmt.Errorf("%s: %v: %w", t.Type(), err, asynq.SkipRetry)
	}
	return nil
}

// finish records the outcome. Events that can never apply are not retried;
// storage errors are returned so asynq retries them.
func (h *Handler) finish(op, userID string, err error) error {
	h.metrics.BillingTransition(op, err)
	switch {
	case err == nil:
		h.logger.Infow("billing transition applied", "op", op, "user_id", userID)
		return nil
	case errors.Is(err, subscription.ErrNotFound), errors.Is(err, subscription.ErrInvalidInput):
		h.logger.Warnw("billing event dropped", "op", op, "user_id", userID, "err", err)
		return fmt.Errorf("%s %q: %v: %w", op, userID, err, asynq.SkipRetry)
	default:
		h.logger.Errorw("billing transition failed", "op", op, "user_id", userID, "err", err)
		return err
	}
}

func (h *Handler) HandleTrialStarted(ctx context.Context, t *asynq.Task) error {
	var p TrialStartedPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.finish("trial", p.UserID, h.svc.StartTrial(ctx, p.UserID, p.CustomerID, p.SubscriptionID))
}

func (h *Handler) HandleActivated(ctx context.Context, t *asynq.Task) error {
	var p ActivatedPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.finish("activate", p.UserID, h.svc.Activate(ctx, p.UserID, p.SubscriptionID))
}

func (h *Handler) HandleCanceled(ctx context.Context, t *asynq.Task) error {
	var p CanceledPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.finish("cancel", p.UserID, h.svc.Cancel(ctx, p.UserID, p.EndsAt))
}

func (h *Handler) HandleDowngraded(ctx context.Context, t *asynq.Task) error {
	var p DowngradedPayload
	if err := decode(t, &p); err != nil {
		return err
	}
	return h.finish("downgrade", p.UserID, h.svc.DowngradeToFree(ctx, p.UserID))
}
