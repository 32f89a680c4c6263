package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hibiken/asynq"

	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/reconcile"
	jobmetrics "github.com/forwardly/forwardly/internal/jobs"
)

// Reprocessor re-applies a deferred gateway event.
type Reprocessor interface {
	Reprocess(ctx context.Context, ev gateway.Event) (reconcile.Report, error)
}

// EventReattemptJob retries events the engine deferred because the entry
// was not ready yet. Returning an error lets asynq back off and retry; once
// retries run out the anomaly record stays for manual review.
type EventReattemptJob struct {
	Engine  Reprocessor
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewEventReattemptJob constructs the re-attempt handler.
func NewEventReattemptJob(engine Reprocessor, logger *slog.Logger, metrics *jobmetrics.Metrics) *EventReattemptJob {
	return &EventReattemptJob{Engine: engine, Logger: logger, Metrics: metrics}
}

// Handle processes TaskBillingEventReattempt tasks.
func (j *EventReattemptJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Engine == nil {
		return errors.New("event reattempt: handler not configured")
	}
	var payload EventReattemptPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return fmt.Errorf("decode reattempt payload: %v: %w", err, asynq.SkipRetry)
	}
	ev, err := gateway.ParseVerified(payload.Raw)
	if err != nil {
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	tracker := j.metrics().Track(TaskBillingEventReattempt)
	defer func() {
		err = tracker.End(err)
	}()

	logger := j.logger().With(slog.String("event_id", payload.EventID), slog.String("event_type", payload.EventType))
	report, err := j.Engine.Reprocess(ctx, ev)
	switch {
	case errors.Is(err, reconcile.ErrStillOutOfOrder):
		j.metrics().AddItems(TaskBillingEventReattempt, "deferred", 1)
		logger.Info("event still out of order")
		return err
	case err != nil:
		logger.Warn("event reattempt failed", slog.Any("error", err))
		return err
	}
	j.metrics().AddItems(TaskBillingEventReattempt, string(report.Outcome), 1)
	logger.Info("event reattempt finished",
		slog.String("outcome", string(report.Outcome)),
		slog.String("invoice_number", report.InvoiceNumber))
	return nil
}

func (j *EventReattemptJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingEventReattempt))
	}
	return slog.Default().With(slog.String("job", TaskBillingEventReattempt))
}

func (j *EventReattemptJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
