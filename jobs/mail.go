package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/forwardly/forwardly/internal/jobs"
	"github.com/forwardly/forwardly/internal/mail"
)

// SendEmailJob delivers queued notification mail.
type SendEmailJob struct {
	Sender  mail.Sender
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewSendEmailJob constructs the mail handler.
func NewSendEmailJob(sender mail.Sender, logger *slog.Logger, metrics *jobmetrics.Metrics) *SendEmailJob {
	return &SendEmailJob{Sender: sender, Logger: logger, Metrics: metrics}
}

// Handle processes TaskTypeSendEmail tasks. Undecodable or invalid messages
// are dropped without retry.
func (j *SendEmailJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Sender == nil {
		return errors.New("send email: handler not configured")
	}
	var msg mail.Message
	if err := json.Unmarshal(t.Payload(), &msg); err != nil {
		return fmt.Errorf("decode mail payload: %v: %w", err, asynq.SkipRetry)
	}
	if err := msg.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskTypeSendEmail)
	defer func() {
		err = tracker.End(err)
	}()

	if err = j.Sender.Send(ctx, msg); err != nil {
		j.logger().Warn("mail delivery failed", slog.String("subject", msg.Subject), slog.Any("error", err))
		return err
	}
	j.logger().Info("mail delivered", slog.String("subject", msg.Subject))
	return nil
}

func (j *SendEmailJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskTypeSendEmail))
	}
	return slog.Default().With(slog.String("job", TaskTypeSendEmail))
}

func (j *SendEmailJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
