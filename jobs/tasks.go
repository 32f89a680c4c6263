package jobs

import (
	"encoding/json"
	"time"

	"github.com/hibiken/asynq"

	"github.com/forwardly/forwardly/internal/billing/gateway"
	jobmetrics "github.com/forwardly/forwardly/internal/jobs"
	"github.com/forwardly/forwardly/internal/mail"
)

const (
	// QueueDefault is the default queue name for background jobs.
	QueueDefault = "default"
	// QueueBilling carries event re-attempts and the pending sweep.
	QueueBilling = "billing"

	// TaskTypeSendEmail is the task type for sending transactional emails.
	TaskTypeSendEmail = "mail:send"
	// TaskBillingEventReattempt re-processes an event that arrived out of order.
	TaskBillingEventReattempt = "billing:event:reattempt"
	// TaskBillingPendingSweep checks stale pending entries against the gateway.
	TaskBillingPendingSweep = "billing:pending:sweep"
)

const (
	reattemptDelay    = 2 * time.Minute
	reattemptMaxRetry = 8
	sweepTimeout      = 5 * time.Minute
)

var defaultJobMetrics = jobmetrics.NewMetrics(nil)

// EventReattemptPayload holds a verified gateway event for a later retry.
type EventReattemptPayload struct {
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Raw       json.RawMessage `json:"raw"`
}

// SweepPayload configures one pending sweep run. Zero values fall back to
// the worker defaults.
type SweepPayload struct {
	AgeSeconds int `json:"age_seconds,omitempty"`
	Limit      int `json:"limit,omitempty"`
}

// NewSendEmailTask constructs an Asynq task.
func NewSendEmailTask(msg mail.Message) (*asynq.Task, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskTypeSendEmail, data, asynq.Queue(QueueDefault)), nil
}

// NewEventReattemptTask wraps a deferred event. The task ID is derived from
// the event ID so repeated deferrals of the same event collapse.
func NewEventReattemptTask(env gateway.Envelope) (*asynq.Task, error) {
	data, err := json.Marshal(EventReattemptPayload{EventID: env.ID, EventType: env.Type, Raw: env.Raw})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingEventReattempt, data,
		asynq.Queue(QueueBilling),
		asynq.TaskID("reattempt:"+env.ID),
		asynq.ProcessIn(reattemptDelay),
		asynq.MaxRetry(reattemptMaxRetry),
	), nil
}

// NewPendingSweepTask creates the sweep task used by the scheduler and billingctl.
func NewPendingSweepTask(payload SweepPayload) (*asynq.Task, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TaskBillingPendingSweep, data,
		asynq.Queue(QueueBilling),
		asynq.Timeout(sweepTimeout),
		asynq.MaxRetry(1),
	), nil
}
