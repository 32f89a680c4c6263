package jobs

import (
	"context"
	"errors"

	"github.com/hibiken/asynq"

	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/mail"
)

// Enqueuer is the subset of *asynq.Client the Client needs.
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
	Close() error
}

// Client submits jobs to the queue.
type Client struct {
	client Enqueuer
}

// NewClient constructs an Asynq client.
func NewClient(redisOpts asynq.RedisClientOpt) *Client {
	return &Client{client: asynq.NewClient(redisOpts)}
}

// NewClientWith wraps an existing enqueuer.
func NewClientWith(enqueuer Enqueuer) *Client {
	return &Client{client: enqueuer}
}

// EnqueueMail queues a notification mail.
func (c *Client) EnqueueMail(ctx context.Context, msg mail.Message) error {
	task, err := NewSendEmailTask(msg)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	return err
}

// Defer schedules a re-attempt of an out-of-order event. A second deferral of
// an event that is already queued is a no-op.
func (c *Client) Defer(ctx context.Context, env gateway.Envelope) error {
	if len(env.Raw) == 0 {
		return errors.New("jobs: deferred event has no payload")
	}
	task, err := NewEventReattemptTask(env)
	if err != nil {
		return err
	}
	_, err = c.client.EnqueueContext(ctx, task)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// EnqueueSweep queues an immediate pending sweep.
func (c *Client) EnqueueSweep(ctx context.Context, payload SweepPayload) (*asynq.TaskInfo, error) {
	task, err := NewPendingSweepTask(payload)
	if err != nil {
		return nil, err
	}
	return c.client.EnqueueContext(ctx, task)
}

// Close releases client resources.
func (c *Client) Close() error {
	return c.client.Close()
}
