package billing_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ovaphlow/pitchfork/service-identity/internal/billing"
	"github.com/ovaphlow/pitchfork/service-identity/internal/subscription"
	"github.com/ovaphlow/pitchfork/service-identity/internal/testutil"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/entity"
	"github.com/ovaphlow/pitchfork/service-identity/internal/user/repo"
)

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type recorded struct{ ops []string }

func (r *recorded) BillingTransition(op string, err error) {
	if err != nil {
		op += ":error"
	}
	r.ops = append(r.ops, op)
}

// captureQueue stands in for *asynq.Client and keeps the enqueued tasks.
type captureQueue struct{ tasks []*asynq.Task }

func (q *captureQueue) EnqueueContext(_ context.Context, t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	q.tasks = append(q.tasks, t)
	return &asynq.TaskInfo{Type: t.Type(), Queue: billing.QueueBilling}, nil
}

func setup(t *testing.T) (*billing.Handler, *subscription.Service, *recorded, *time.Time) {
	t.Helper()
	_, f := testutil.OpenSQLite(t)
	users := repo.NewUserRepo(f)
	require.NoError(t, users.Create(context.Background(), &entity.User{
		ID:                 "u1",
		Email:              "a@x.com",
		SubscriptionStatus: entity.StatusTrial,
		SubscriptionTier:   entity.TierFree,
		CreatedAt:          t0,
		UpdatedAt:          t0,
	}))
	now := t0
	svc := subscription.NewService(users).WithClock(func() time.Time { return now })
	rec := &recorded{}
	return billing.NewHandler(svc, rec, zap.NewNop().Sugar()), svc, rec, &now
}

// deliver runs every captured task through a mux, the way the worker would.
func deliver(t *testing.T, h *billing.Handler, q *captureQueue) []error {
	t.Helper()
	mux := asynq.NewServeMux()
	h.Register(mux)
	var errs []error
	for _, task := range q.tasks {
		errs = append(errs, mux.ProcessTask(context.Background(), task))
	}
	q.tasks = nil
	return errs
}

func TestQueuedLifecycle(t *testing.T) {
	t.Parallel()

	h, svc, rec, now := setup(t)
	q := &captureQueue{}
	c := billing.NewClient(q)
	ctx := context.Background()

	_, err := c.TrialStarted(ctx, billing.TrialStartedPayload{UserID: "u1", CustomerID: "cus_1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	assert.Equal(t, billing.TaskTrialStarted, q.tasks[0].Type())
	assert.JSONEq(t, `{"user_id":"u1","customer_id":"cus_1","subscription_id":"sub_1"}`, string(q.tasks[0].Payload()))
	assert.Equal(t, []error{nil}, deliver(t, h, q))

	e, err := svc.Entitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscription.TrialActive, e.State)

	*now = now.Add(subscription.TrialPeriod + time.Hour)
	_, err = c.Activated(ctx, billing.ActivatedPayload{UserID: "u1", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	_, err = c.Canceled(ctx, billing.CanceledPayload{UserID: "u1", EndsAt: now.Add(30 * 24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, []error{nil, nil}, deliver(t, h, q))

	e, err = svc.Entitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscription.ProGrace, e.State)

	_, err = c.Downgraded(ctx, billing.DowngradedPayload{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, []error{nil}, deliver(t, h, q))

	e, err = svc.Entitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscription.Free, e.State)
	assert.False(t, e.Entitled)

	assert.Equal(t, []string{"trial", "activate", "cancel", "downgrade"}, rec.ops)
}

func TestUnappliableEventsSkipRetry(t *testing.T) {
	t.Parallel()

	h, _, rec, _ := setup(t)
	ctx := context.Background()

	err := h.HandleActivated(ctx, asynq.NewTask(billing.TaskActivated, []byte(`{not json`)))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
	assert.Empty(t, rec.ops, "undecodable payloads never reach the engine")

	task, err := billing.NewActivatedTask(billing.ActivatedPayload{UserID: "ghost", SubscriptionID: "sub_1"})
	require.NoError(t, err)
	err = h.HandleActivated(ctx, task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	task, err = billing.NewDowngradedTask(billing.DowngradedPayload{})
	require.NoError(t, err)
	err = h.HandleDowngraded(ctx, task)
	assert.True(t, errors.Is(err, asynq.SkipRetry))

	assert.Equal(t, []string{"activate:error", "downgrade:error"}, rec.ops)
}

func TestCancelWithoutEndDateEndsAccessNow(t *testing.T) {
	t.Parallel()

	h, svc, _, _ := setup(t)
	ctx := context.Background()
	require.NoError(t, svc.Activate(ctx, "u1", "sub_1"))

	task, err := billing.NewCanceledTask(billing.CanceledPayload{UserID: "u1"})
	require.NoError(t, err)
	require.NoError(t, h.HandleCanceled(ctx, task))

	e, err := svc.Entitlement(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, subscription.Free, e.State)
}
