package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/observability"
)

const maxWriteAttempts = 3

// Observer is told about committed transitions. Implementations must not
// block; failures are theirs to log.
type Observer interface {
	Transitioned(ctx context.Context, entry ledger.Entry, action string)
}

// Result reports an applied (or idempotently skipped) transition.
type Result struct {
	Entry ledger.Entry
	// Applied is false when the request was an idempotent re-apply.
	Applied bool
	Action  string
	Event   audit.Event
	// AuditErr is set when the transition committed but the audit append
	// failed. The caller should surface it as a warning.
	AuditErr error
}

// Degraded reports a committed transition without an audit record.
func (r Result) Degraded() bool {
	return r.AuditErr != nil
}

// Machine applies transitions. It is the only holder of a StatusWriter.
type Machine struct {
	reader    ledger.Reader
	writer    ledger.StatusWriter
	trail     audit.Appender
	policy    RefundPolicy
	now       func() time.Time
	metrics   *observability.Billing
	logger    *slog.Logger
	observers []Observer
}

// Option configures a Machine.
type Option func(*Machine)

// WithRefundPolicy selects the refund policy.
func WithRefundPolicy(p RefundPolicy) Option {
	return func(m *Machine) {
		if p != "" {
			m.policy = p
		}
	}
}

// WithClock injects the clock.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMetrics attaches collectors.
func WithMetrics(metrics *observability.Billing) Option {
	return func(m *Machine) { m.metrics = metrics }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Machine) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithObserver registers a post-commit observer.
func WithObserver(o Observer) Option {
	return func(m *Machine) {
		if o != nil {
			m.observers = append(m.observers, o)
		}
	}
}

// NewMachine builds the state machine.
func NewMachine(reader ledger.Reader, writer ledger.StatusWriter, trail audit.Appender, opts ...Option) *Machine {
	m := &Machine{
		reader: reader,
		writer: writer,
		trail:  trail,
		policy: RefundPolicyAny,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Policy returns the active refund policy.
func (m *Machine) Policy() RefundPolicy {
	return m.policy
}

// Preview evaluates req against the stored entry without writing.
func (m *Machine) Preview(ctx context.Context, req Request) (Outcome, error) {
	current, err := m.reader.FindByInvoiceNumber(ctx, req.InvoiceNumber)
	if err != nil {
		return Outcome{}, err
	}
	return Transition(current, req, m.policy, m.now())
}

// Apply validates and commits req. Concurrent writers are detected through
// the entry version; the request is re-evaluated against the fresh entry a
// bounded number of times.
func (m *Machine) Apply(ctx context.Context, req Request) (Result, error) {
	if req.InvoiceNumber == "" {
		return Result{}, fmt.Errorf("%w: invoice number required", ErrInvalidRequest)
	}
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := m.reader.FindByInvoiceNumber(ctx, req.InvoiceNumber)
		if err != nil {
			return Result{}, err
		}
		outcome, err := Transition(current, req, m.policy, m.now())
		if err != nil {
			m.metrics.ObserveTransition(string(current.Status), string(req.Target), string(req.Source), "rejected")
			return Result{Entry: current}, err
		}
		if !outcome.Changed {
			m.metrics.ObserveTransition(string(current.Status), string(req.Target), string(req.Source), "noop")
			return Result{Entry: current, Applied: false}, nil
		}
		saved, err := m.writer.CompareAndSwap(ctx, outcome.Next, current.Version)
		if errors.Is(err, ledger.ErrVersionConflict) {
			lastErr = err
			m.logger.Debug("ledger entry changed concurrently, retrying",
				slog.String("invoice_number", req.InvoiceNumber), slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			return Result{}, fmt.Errorf("payment: persist %s: %w", req.InvoiceNumber, err)
		}
		m.metrics.ObserveTransition(string(current.Status), string(saved.Status), string(req.Source), "applied")
		result := Result{Entry: saved, Applied: true, Action: outcome.Action}
		result.Event, result.AuditErr = m.record(ctx, current, saved, outcome.Action, req)
		if result.AuditErr != nil {
			m.metrics.ObserveAuditFailure()
			m.logger.Error("audit append failed after transition",
				slog.String("invoice_number", saved.InvoiceNumber),
				slog.String("action", outcome.Action),
				slog.Any("error", result.AuditErr))
		}
		for _, o := range m.observers {
			o.Transitioned(ctx, saved, outcome.Action)
		}
		return result, nil
	}
	return Result{}, fmt.Errorf("payment: %s after %d attempts: %w", req.InvoiceNumber, maxWriteAttempts, lastErr)
}

// Enrich records gateway identifiers and card details that reach an already
// settled entry, for example a charge event following the checkout event
// that settled it. It writes no audit event and keeps UpdatedAt.
func (m *Machine) Enrich(ctx context.Context, number string, ids ledger.Correlation, method *ledger.Method) (ledger.Entry, bool, error) {
	var lastErr error
	for attempt := 1; attempt <= maxWriteAttempts; attempt++ {
		current, err := m.reader.FindByInvoiceNumber(ctx, number)
		if err != nil {
			return ledger.Entry{}, false, err
		}
		next, changed := Enrich(current, ids, method)
		if !changed {
			return current, false, nil
		}
		saved, err := m.writer.CompareAndSwap(ctx, next, current.Version)
		if errors.Is(err, ledger.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return current, false, fmt.Errorf("payment: enrich %s: %w", number, err)
		}
		m.logger.Debug("recorded late gateway details", slog.String("invoice_number", number))
		return saved, true, nil
	}
	return ledger.Entry{}, false, fmt.Errorf("payment: enrich %s after %d attempts: %w", number, maxWriteAttempts, lastErr)
}

func (m *Machine) record(ctx context.Context, before, after ledger.Entry, action string, req Request) (audit.Event, error) {
	details := map[string]any{
		"from":                  string(before.Status),
		"to":                    string(after.Status),
		"amount_minor":          after.AmountMinor,
		"currency":              after.Currency,
		"refunded_amount_minor": after.RefundedAmountMinor,
	}
	if req.Reason != "" {
		details["reason"] = req.Reason
	}
	correlation := req.CorrelationID
	if req.Target == ledger.StatusRefunded {
		details["refund_amount_minor"] = req.AmountMinor
		if n := len(after.Refunds); n > 0 {
			correlation = after.Refunds[n-1].RefundID
		}
	}
	for k, v := range req.Details {
		if _, taken := details[k]; !taken {
			details[k] = v
		}
	}
	return m.trail.Append(ctx, audit.Event{
		Action:        action,
		EntityID:      after.InvoiceNumber,
		Source:        string(req.Source),
		CorrelationID: correlation,
		Details:       details,
		CreatedAt:     after.UpdatedAt,
	})
}
