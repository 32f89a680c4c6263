package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/forwardly/forwardly/internal/billing"
	jobmetrics "github.com/forwardly/forwardly/internal/jobs"
)

// Sweeper checks stale pending entries against the gateway.
type Sweeper interface {
	SweepPending(ctx context.Context, age time.Duration, limit int) (billing.SweepSummary, error)
}

// PendingSweepJob settles or expires pending entries whose webhooks never
// arrived.
type PendingSweepJob struct {
	Service Sweeper
	Age     time.Duration
	Limit   int
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
}

// NewPendingSweepJob constructs the sweep handler.
func NewPendingSweepJob(service Sweeper, age time.Duration, limit int, logger *slog.Logger, metrics *jobmetrics.Metrics) *PendingSweepJob {
	return &PendingSweepJob{Service: service, Age: age, Limit: limit, Logger: logger, Metrics: metrics}
}

// Handle executes the sweep.
func (j *PendingSweepJob) Handle(ctx context.Context, t *asynq.Task) (err error) {
	if j == nil || j.Service == nil {
		return errors.New("pending sweep: handler not configured")
	}
	var payload SweepPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return fmt.Errorf("decode sweep payload: %v: %w", err, asynq.SkipRetry)
		}
	}
	age := j.Age
	if payload.AgeSeconds > 0 {
		age = time.Duration(payload.AgeSeconds) * time.Second
	}
	if age <= 0 {
		age = 30 * time.Minute
	}
	limit := j.Limit
	if payload.Limit > 0 {
		limit = payload.Limit
	}
	if limit <= 0 {
		limit = 200
	}

	tracker := j.metrics().Track(TaskBillingPendingSweep)
	defer func() {
		err = tracker.End(err)
	}()

	summary, err := j.Service.SweepPending(ctx, age, limit)
	m := j.metrics()
	m.AddItems(TaskBillingPendingSweep, "settled", summary.Settled)
	m.AddItems(TaskBillingPendingSweep, "expired", summary.Expired)
	m.AddItems(TaskBillingPendingSweep, "open", summary.Open)
	m.AddItems(TaskBillingPendingSweep, "failed", summary.Failed)
	if err != nil {
		j.logger().Error("pending sweep failed", slog.Any("error", err))
		return err
	}
	j.logger().Info("pending sweep completed",
		slog.Duration("age", age),
		slog.Int("checked", summary.Checked),
		slog.Int("settled", summary.Settled),
		slog.Int("expired", summary.Expired))
	return nil
}

func (j *PendingSweepJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskBillingPendingSweep))
	}
	return slog.Default().With(slog.String("job", TaskBillingPendingSweep))
}

func (j *PendingSweepJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return defaultJobMetrics
}
