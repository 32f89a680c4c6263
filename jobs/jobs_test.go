package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/forwardly/forwardly/internal/billing"
	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/reconcile"
	jobmetrics "github.com/forwardly/forwardly/internal/jobs"
	"github.com/forwardly/forwardly/internal/mail"
)

type fakeEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (f *fakeEnqueuer) EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.tasks = append(f.tasks, task)
	return &asynq.TaskInfo{ID: "t1", Type: task.Type()}, nil
}

func (f *fakeEnqueuer) Close() error { return nil }

type fakeSender struct {
	sent []mail.Message
	err  error
}

func (f *fakeSender) Send(ctx context.Context, msg mail.Message) error {
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

type fakeReprocessor struct {
	report reconcile.Report
	err    error
	seen   []gateway.Event
}

func (f *fakeReprocessor) Reprocess(ctx context.Context, ev gateway.Event) (reconcile.Report, error) {
	f.seen = append(f.seen, ev)
	return f.report, f.err
}

type fakeSweeper struct {
	age     time.Duration
	limit   int
	summary billing.SweepSummary
	err     error
}

func (f *fakeSweeper) SweepPending(ctx context.Context, age time.Duration, limit int) (billing.SweepSummary, error) {
	f.age, f.limit = age, limit
	return f.summary, f.err
}

type fakeInspector map[string]*asynq.QueueInfo

func (f fakeInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	info, ok := f[queue]
	if !ok {
		return nil, errors.New("queue not found")
	}
	return info, nil
}

const refundEvent = `{"id":"evt_r1","object":"event","type":"refund.created","created":1738310400,"api_version":"2023-10-16",
"data":{"object":{"id":"re_1","object":"refund","amount":4000,"currency":"aed","charge":"ch_1","status":"succeeded",
"metadata":{"invoice_number":"INV-20250131-0001"}}}}`

func testMetrics() *jobmetrics.Metrics {
	return jobmetrics.NewMetrics(prometheus.NewRegistry())
}

func TestClientEnqueuesMail(t *testing.T) {
	q := &fakeEnqueuer{}
	client := NewClientWith(q)

	msg := mail.Message{To: "ops@example.com", Subject: "Payment received", HTML: "<p>ok</p>"}
	require.NoError(t, client.EnqueueMail(context.Background(), msg))
	require.Len(t, q.tasks, 1)
	require.Equal(t, TaskTypeSendEmail, q.tasks[0].Type())

	var decoded mail.Message
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &decoded))
	require.Equal(t, msg, decoded)
}

func TestClientDeferCollapsesDuplicates(t *testing.T) {
	q := &fakeEnqueuer{}
	client := NewClientWith(q)
	env := gateway.Envelope{ID: "evt_r1", Type: gateway.TypeRefundCreated, Raw: json.RawMessage(refundEvent)}

	require.NoError(t, client.Defer(context.Background(), env))
	require.Len(t, q.tasks, 1)
	require.Equal(t, TaskBillingEventReattempt, q.tasks[0].Type())

	var payload EventReattemptPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &payload))
	require.Equal(t, "evt_r1", payload.EventID)
	require.JSONEq(t, refundEvent, string(payload.Raw))

	q.err = asynq.ErrTaskIDConflict
	require.NoError(t, client.Defer(context.Background(), env))

	require.Error(t, client.Defer(context.Background(), gateway.Envelope{ID: "evt_empty"}))
}

func TestSendEmailJob(t *testing.T) {
	sender := &fakeSender{}
	job := NewSendEmailJob(sender, nil, testMetrics())

	task, err := NewSendEmailTask(mail.Message{To: "a@example.com", Subject: "Hi", HTML: "<p>x</p>"})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, sender.sent, 1)

	err = job.Handle(context.Background(), asynq.NewTask(TaskTypeSendEmail, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)

	invalid, err := NewSendEmailTask(mail.Message{Subject: "no recipient"})
	require.NoError(t, err)
	require.ErrorIs(t, job.Handle(context.Background(), invalid), asynq.SkipRetry)

	sender.err = errors.New("smtp down")
	require.EqualError(t, job.Handle(context.Background(), task), "smtp down")
}

func TestEventReattemptJob(t *testing.T) {
	engine := &fakeReprocessor{report: reconcile.Report{EventID: "evt_r1", Outcome: reconcile.OutcomeApplied}}
	job := NewEventReattemptJob(engine, nil, testMetrics())

	task, err := NewEventReattemptTask(gateway.Envelope{ID: "evt_r1", Type: gateway.TypeRefundCreated, Raw: json.RawMessage(refundEvent)})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Len(t, engine.seen, 1)
	refund, ok := engine.seen[0].(gateway.RefundCreated)
	require.True(t, ok)
	require.Equal(t, int64(4000), refund.Refund.AmountMinor)

	engine.err = reconcile.ErrStillOutOfOrder
	require.ErrorIs(t, job.Handle(context.Background(), task), reconcile.ErrStillOutOfOrder)

	bad := asynq.NewTask(TaskBillingEventReattempt, []byte(`{"event_id":"evt_x","raw":"nope"}`))
	require.ErrorIs(t, job.Handle(context.Background(), bad), asynq.SkipRetry)
}

func TestPendingSweepJobDefaultsAndOverrides(t *testing.T) {
	sweeper := &fakeSweeper{summary: billing.SweepSummary{Checked: 2, Settled: 1, Expired: 1}}
	job := NewPendingSweepJob(sweeper, 45*time.Minute, 50, nil, testMetrics())

	task, err := NewPendingSweepTask(SweepPayload{})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, 45*time.Minute, sweeper.age)
	require.Equal(t, 50, sweeper.limit)

	task, err = NewPendingSweepTask(SweepPayload{AgeSeconds: 60, Limit: 5})
	require.NoError(t, err)
	require.NoError(t, job.Handle(context.Background(), task))
	require.Equal(t, time.Minute, sweeper.age)
	require.Equal(t, 5, sweeper.limit)

	sweeper.err = context.DeadlineExceeded
	require.ErrorIs(t, job.Handle(context.Background(), task), context.DeadlineExceeded)
}

func TestHealthReportsQueues(t *testing.T) {
	h := NewHandler(fakeInspector{QueueBilling: {Queue: QueueBilling, Pending: 3, Retry: 1}}, nil)
	rec := httptest.NewRecorder()
	h.health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Queues []QueueStat `json:"queues"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Queues, 2)
	require.Equal(t, 3, body.Queues[0].Pending)
	require.NotEmpty(t, body.Queues[1].Error)

	rec = httptest.NewRecorder()
	NewHandler(fakeInspector{}, nil).health(rec, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
