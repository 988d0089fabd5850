package billing

import (
	"context"
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"
)

const (
	// QueueBilling carries subscription state changes from the payment provider.
	QueueBilling = "billing"

	TaskTrialStarted = "billing:trial_started"
	TaskActivated    = "billing:activated"
	TaskCanceled     = "billing:canceled"
	TaskDowngraded   = "billing:downgraded"
)

type TrialStartedPayload struct {
	UserID         string `json:"user_id"`
	CustomerID     string `json:"customer_id"`
	SubscriptionID string `json:"subscription_id"`
}

type ActivatedPayload struct {
	UserID         string `json:"user_id"`
	SubscriptionID string `json:"subscription_id"`
}

// CanceledPayload ends access at EndsAt. A zero EndsAt ends it on receipt.
type CanceledPayload struct {
	UserID string    `json:"user_id"`
	EndsAt time.Time `json:"ends_at"`
}

type DowngradedPayload struct {
	UserID string `json:"user_id"`
}

func newTask(typ string, payload any) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typ, data, asynq.Queue(QueueBilling), asynq.MaxRetry(10)), nil
}

func NewTrialStartedTask(p TrialStartedPayload) (*asynq.Task, error) { return newTask(TaskTrialStarted, p) }
func NewActivatedTask(p ActivatedPayload) (*asynq.Task, error)       { return newTask(TaskActivated, p) }
func NewCanceledTask(p CanceledPayload) (*asynq.Task, error)         { return newTask(TaskCanceled, p) }
func NewDowngradedTask(p DowngradedPayload) (*asynq.Task, error)     { return newTask(TaskDowngraded, p) }

// Enqueuer is the subset of *asynq.Client used to publish billing events.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Client publishes billing events onto the queue.
type Client struct {
	q Enqueuer
}

func NewClient(q Enqueuer) *Client {
	return &Client{q: q}
}

func (c *Client) enqueue(ctx context.Context, t *asynq.Task, err error) (*asynq.TaskInfo, error) {
	if err != nil {
		return nil, err
	}
	return c.q.EnqueueContext(ctx, t)
}

func (c *Client) TrialStarted(ctx context.Context, p TrialStartedPayload) (*asynq.TaskInfo, error) {
	t, err := NewTrialStartedTask(p)
	return c.enqueue(ctx, t, err)
}

func (c *Client) Activated(ctx context.Context, p ActivatedPayload) (*asynq.TaskInfo, error) {
	t, err := NewActivatedTask(p)
	return c.enqueue(ctx, t, err)
}

func (c *Client) Canceled(ctx context.Context, p CanceledPayload) (*asynq.TaskInfo, error) {
	t, err := NewCanceledTask(p)
	return c.enqueue(ctx, t, err)
}

func (c *Client) Downgraded(ctx context.Context, p DowngradedPayload) (*asynq.TaskInfo, error) {
	t, err := NewDowngradedTask(p)
	return c.enqueue(ctx, t, err)
}
