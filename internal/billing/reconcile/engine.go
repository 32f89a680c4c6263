// Package reconcile turns verified gateway events into payment state machine
// requests. Delivery is at-least-once and unordered; every event is applied
// at most once and anomalies are acknowledged, never thrown back at the sender.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/billing/payment"
	"github.com/forwardly/forwardly/internal/observability"
)

// Outcome classifies how an event was handled. Every outcome is acknowledged
// to the sender; failures are returned as errors instead.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeUnmatched Outcome = "unmatched"
	OutcomeDeferred  Outcome = "deferred"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeRejected  Outcome = "rejected"
	OutcomeFlagged   Outcome = "flagged"
)

var (
	// ErrEventInFlight is returned while another worker holds the event.
	ErrEventInFlight = errors.New("reconcile: event is being processed")
	// ErrStillOutOfOrder is returned by Reprocess while the event still
	// cannot be applied; the job queue retries it.
	ErrStillOutOfOrder = errors.New("reconcile: event still out of order")
)

// Report describes the handling of one event.
type Report struct {
	EventID       string        `json:"event_id"`
	EventType     string        `json:"event_type"`
	InvoiceNumber string        `json:"invoice_number,omitempty"`
	Outcome       Outcome       `json:"outcome"`
	Status        ledger.Status `json:"status,omitempty"`
	Detail        string        `json:"detail,omitempty"`
	AuditWarning  string        `json:"audit_warning,omitempty"`
}

// Deferrer schedules a later re-attempt of an out-of-order event.
type Deferrer interface {
	Defer(ctx context.Context, env gateway.Envelope) error
}

// Dependencies wires the engine.
type Dependencies struct {
	Entries   ledger.Reader
	Machine   *payment.Machine
	Trail     audit.Trail
	Anomalies audit.AnomalyLog
	Gateway   gateway.Gateway
	Claims    Claims
	Deferrer  Deferrer
	Metrics   *observability.Billing
	Logger    *slog.Logger
}

// Engine is the gateway reconciliation engine.
type Engine struct {
	entries   ledger.Reader
	machine   *payment.Machine
	trail     audit.Trail
	anomalies audit.AnomalyLog
	gateway   gateway.Gateway
	claims    Claims
	deferrer  Deferrer
	metrics   *observability.Billing
	logger    *slog.Logger
}

// NewEngine builds the engine. Claims and Deferrer are optional.
func NewEngine(deps Dependencies) *Engine {
	e := &Engine{
		entries:   deps.Entries,
		machine:   deps.Machine,
		trail:     deps.Trail,
		anomalies: deps.Anomalies,
		gateway:   deps.Gateway,
		claims:    deps.Claims,
		deferrer:  deps.Deferrer,
		metrics:   deps.Metrics,
		logger:    deps.Logger,
	}
	if e.claims == nil {
		e.claims = noClaims{}
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e
}

// Handle processes a freshly delivered event under an event claim.
func (e *Engine) Handle(ctx context.Context, ev gateway.Event) (Report, error) {
	env := gateway.Header(ev)
	state, err := e.claims.Claim(ctx, env.ID)
	claimed := err == nil
	if err != nil {
		e.logger.Warn("event claim unavailable, relying on audit dedup",
			slog.String("event_id", env.ID), slog.Any("error", err))
	}
	switch {
	case claimed && state == ClaimInFlight:
		return Report{EventID: env.ID, EventType: env.Type}, ErrEventInFlight
	case claimed && state == ClaimDone:
		report := Report{EventID: env.ID, EventType: env.Type, Outcome: OutcomeDuplicate, Detail: "event already processed"}
		e.metrics.ObserveWebhook(env.Type, string(report.Outcome))
		return report, nil
	}

	report, err := e.process(ctx, ev, false)
	if claimed {
		if err != nil {
			if relErr := e.claims.Release(ctx, env.ID); relErr != nil {
				e.logger.Warn("release event claim", slog.String("event_id", env.ID), slog.Any("error", relErr))
			}
		} else if doneErr := e.claims.Complete(ctx, env.ID); doneErr != nil {
			e.logger.Warn("complete event claim", slog.String("event_id", env.ID), slog.Any("error", doneErr))
		}
	}
	return report, err
}

// Reprocess re-applies a deferred event. It returns ErrStillOutOfOrder when
// the entry is still not ready, without logging a second anomaly.
func (e *Engine) Reprocess(ctx context.Context, ev gateway.Event) (Report, error) {
	return e.process(ctx, ev, true)
}

// intent is the state machine request an event asks for.
type intent struct {
	target      ledger.Status
	correlation string
	ids         ledger.Correlation
	method      *ledger.Method
	amount      int64
	currency    string
	// expectAmount is the settled amount to compare with the entry, when known.
	expectAmount int64
	sessionID    string
	chargeID     string
	// reversed marks a refund the processor failed or canceled after creation.
	reversed bool
}

func (e *Engine) process(ctx context.Context, ev gateway.Event, reprocess bool) (Report, error) {
	env := gateway.Header(ev)
	report := Report{EventID: env.ID, EventType: env.Type}

	in, skip := e.intentFor(ev)
	if skip != "" {
		return e.finish(report, OutcomeIgnored, skip), nil
	}

	entry, err := e.resolve(ctx, ev, in)
	if errors.Is(err, ledger.ErrNotFound) {
		if reprocess {
			return e.finish(report, OutcomeUnmatched, "entry not found"), nil
		}
		e.recordAnomaly(ctx, audit.AnomalyUnmatched, env, gateway.InvoiceNumber(ev), "no ledger entry matches the event")
		return e.finish(report, OutcomeUnmatched, "no ledger entry matches the event"), nil
	}
	if err != nil {
		e.metrics.ObserveWebhook(env.Type, "error")
		return report, err
	}
	report.InvoiceNumber = entry.InvoiceNumber
	report.Status = entry.Status

	if in.reversed {
		return e.reversedRefund(ctx, report, env, entry, in), nil
	}
	if detail := staleFailure(entry, in); detail != "" {
		return e.finish(report, OutcomeIgnored, detail), nil
	}
	if detail := mismatch(entry, in); detail != "" {
		e.recordAnomaly(ctx, audit.AnomalyAmountMismatch, env, entry.InvoiceNumber, detail)
		return e.finish(report, OutcomeRejected, detail), nil
	}

	dup, err := e.alreadyApplied(ctx, entry, in)
	if err != nil {
		e.metrics.ObserveWebhook(env.Type, "error")
		return report, err
	}
	if dup {
		note, err := e.enrich(ctx, entry.InvoiceNumber, in)
		if err != nil {
			e.metrics.ObserveWebhook(env.Type, "error")
			return report, err
		}
		return e.finish(report, OutcomeDuplicate, "transition already recorded for "+in.correlation+note), nil
	}

	res, err := e.machine.Apply(ctx, payment.Request{
		InvoiceNumber: entry.InvoiceNumber,
		Target:        in.target,
		Source:        payment.SourceGatewayEvent,
		AmountMinor:   in.amount,
		CorrelationID: in.correlation,
		Correlation:   in.ids,
		Method:        in.method,
		Reason:        "gateway event " + env.Type,
		Details:       map[string]any{"event_id": env.ID, "event_type": env.Type},
	})
	if err != nil {
		return e.handleRejection(ctx, report, env, res.Entry, in, err, reprocess)
	}
	report.Status = res.Entry.Status
	if res.AuditErr != nil {
		report.AuditWarning = res.AuditErr.Error()
	}
	if !res.Applied {
		note, err := e.enrich(ctx, entry.InvoiceNumber, in)
		if err != nil {
			e.metrics.ObserveWebhook(env.Type, "error")
			return report, err
		}
		return e.finish(report, OutcomeDuplicate, "entry already "+string(res.Entry.Status)+note), nil
	}
	return e.finish(report, OutcomeApplied, res.Action), nil
}

func (e *Engine) handleRejection(ctx context.Context, report Report, env gateway.Envelope, current ledger.Entry, in intent, err error, reprocess bool) (Report, error) {
	if !errors.Is(err, payment.ErrInvalidTransition) && !errors.Is(err, payment.ErrInvalidRefundAmount) {
		e.metrics.ObserveWebhook(env.Type, "error")
		return report, err
	}
	report.Status = current.Status
	switch {
	case in.target == ledger.StatusRefunded && current.Status == ledger.StatusPending:
		// refund arrived before the settlement it refunds
		if reprocess {
			e.metrics.ObserveWebhook(env.Type, "still_out_of_order")
			return report, ErrStillOutOfOrder
		}
		e.recordAnomaly(ctx, audit.AnomalyOutOfOrder, env, current.InvoiceNumber, err.Error())
		if e.deferrer != nil {
			if derr := e.deferrer.Defer(ctx, env); derr != nil {
				e.logger.Error("schedule event re-attempt", slog.String("event_id", env.ID), slog.Any("error", derr))
			}
		}
		return e.finish(report, OutcomeDeferred, err.Error()), nil
	case in.target == ledger.StatusSucceeded && current.Status == ledger.StatusRefunded:
		note, err := e.enrich(ctx, current.InvoiceNumber, in)
		if err != nil {
			e.metrics.ObserveWebhook(env.Type, "error")
			return report, err
		}
		return e.finish(report, OutcomeDuplicate, "entry already settled and refunded"+note), nil
	case in.target == ledger.StatusFailed && current.Status != ledger.StatusPending:
		return e.finish(report, OutcomeIgnored, "late failure for settled entry"), nil
	}
	e.recordAnomaly(ctx, audit.AnomalyRejected, env, current.InvoiceNumber, err.Error())
	return e.finish(report, OutcomeRejected, err.Error()), nil
}

func (e *Engine) intentFor(ev gateway.Event) (intent, string) {
	switch ev := ev.(type) {
	case gateway.CheckoutCompleted:
		if !ev.Session.Paid {
			return intent{}, "checkout completed without payment, awaiting async settlement"
		}
		correlation := ev.Session.PaymentIntentID
		if correlation == "" {
			correlation = ev.Session.ID
		}
		return intent{
			target:       ledger.StatusSucceeded,
			correlation:  correlation,
			ids:          ledger.Correlation{SessionID: ev.Session.ID, PaymentIntentID: ev.Session.PaymentIntentID},
			expectAmount: ev.Session.AmountTotal,
			currency:     ev.Session.Currency,
			sessionID:    ev.Session.ID,
		}, ""
	case gateway.CheckoutExpired:
		return intent{target: ledger.StatusFailed, correlation: ev.Session.ID, sessionID: ev.Session.ID}, ""
	case gateway.CheckoutFailed:
		return intent{target: ledger.StatusFailed, correlation: ev.Session.ID, sessionID: ev.Session.ID}, ""
	case gateway.ChargeSucceeded:
		if !ev.Charge.Succeeded || ev.Charge.AmountCaptured == 0 {
			return intent{}, "charge " + ev.Charge.ID + " is not captured"
		}
		correlation := ev.Charge.PaymentIntentID
		if correlation == "" {
			correlation = ev.Charge.ID
		}
		method := ev.Charge.Method
		return intent{
			target:       ledger.StatusSucceeded,
			correlation:  correlation,
			ids:          ledger.Correlation{PaymentIntentID: ev.Charge.PaymentIntentID, ChargeID: ev.Charge.ID, ReceiptURL: ev.Charge.ReceiptURL},
			method:       &method,
			expectAmount: ev.Charge.AmountCaptured,
			currency:     ev.Charge.Currency,
			chargeID:     ev.Charge.ID,
		}, ""
	case gateway.ChargeFailed:
		correlation := ev.Charge.PaymentIntentID
		if correlation == "" {
			correlation = ev.Charge.ID
		}
		return intent{
			target:      ledger.StatusFailed,
			correlation: correlation,
			ids:         ledger.Correlation{PaymentIntentID: ev.Charge.PaymentIntentID, ChargeID: ev.Charge.ID},
			chargeID:    ev.Charge.ID,
		}, ""
	case gateway.RefundCreated:
		if refundVoid(ev.Refund) {
			return intent{}, "refund " + ev.Refund.ID + " is " + ev.Refund.Status
		}
		return refundIntent(ev.Refund), ""
	case gateway.RefundUpdated:
		in := refundIntent(ev.Refund)
		in.reversed = refundVoid(ev.Refund)
		return in, ""
	}
	return intent{}, "unsupported event type"
}

// refundIntent applies a refund the processor has not voided. Pending refunds
// are booked when created; a later failure is flagged by reversedRefund.
func refundIntent(r gateway.Refund) intent {
	return intent{
		target:      ledger.StatusRefunded,
		correlation: r.ID,
		amount:      r.AmountMinor,
		currency:    r.Currency,
		chargeID:    r.ChargeID,
		ids:         ledger.Correlation{PaymentIntentID: r.PaymentIntentID, ChargeID: r.ChargeID},
	}
}

func refundVoid(r gateway.Refund) bool {
	return r.Status == "failed" || r.Status == "canceled"
}

// reversedRefund handles a refund that failed after creation. The ledger has
// no edge back from refunded, so a booked refund is flagged for an operator.
func (e *Engine) reversedRefund(ctx context.Context, report Report, env gateway.Envelope, entry ledger.Entry, in intent) Report {
	if !entry.HasRefund(in.correlation) {
		return e.finish(report, OutcomeIgnored, "refund "+in.correlation+" was never booked")
	}
	detail := fmt.Sprintf("refund %s of %d was booked but the processor reports it as not completed", in.correlation, in.amount)
	e.recordAnomaly(ctx, audit.AnomalyRefundFailed, env, entry.InvoiceNumber, detail)
	return e.finish(report, OutcomeFlagged, detail)
}

// enrich stores charge identifiers and card details carried by a settlement
// that arrived after the entry was already settled by another event.
func (e *Engine) enrich(ctx context.Context, invoice string, in intent) (string, error) {
	if in.target != ledger.StatusSucceeded || (in.chargeID == "" && in.method == nil) {
		return "", nil
	}
	_, changed, err := e.machine.Enrich(ctx, invoice, in.ids, in.method)
	if err != nil {
		return "", fmt.Errorf("reconcile: record charge details for %s: %w", invoice, err)
	}
	if !changed {
		return "", nil
	}
	return ", charge details recorded", nil
}

// resolve finds the entry: metadata invoice number first, then stored
// gateway identifiers, then the processor's charge record.
func (e *Engine) resolve(ctx context.Context, ev gateway.Event, in intent) (ledger.Entry, error) {
	if number := gateway.InvoiceNumber(ev); number != "" {
		entry, err := e.entries.FindByInvoiceNumber(ctx, number)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) {
			return entry, err
		}
	}
	for _, id := range []string{in.sessionID, in.ids.PaymentIntentID, in.chargeID} {
		if id == "" {
			continue
		}
		entry, err := e.entries.FindByGatewayCorrelation(ctx, id)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) {
			return entry, err
		}
	}
	if in.chargeID == "" || e.gateway == nil {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	charge, err := e.gateway.RetrieveCharge(ctx, in.chargeID)
	if errors.Is(err, gateway.ErrNotFound) {
		return ledger.Entry{}, ledger.ErrNotFound
	}
	if err != nil {
		return ledger.Entry{}, fmt.Errorf("reconcile: retrieve charge %s: %w", in.chargeID, err)
	}
	if charge.InvoiceNumber != "" {
		entry, err := e.entries.FindByInvoiceNumber(ctx, charge.InvoiceNumber)
		if err == nil || !errors.Is(err, ledger.ErrNotFound) {
			return entry, err
		}
	}
	if charge.PaymentIntentID != "" {
		return e.entries.FindByGatewayCorrelation(ctx, charge.PaymentIntentID)
	}
	return ledger.Entry{}, ledger.ErrNotFound
}

func (e *Engine) alreadyApplied(ctx context.Context, entry ledger.Entry, in intent) (bool, error) {
	if in.target == ledger.StatusRefunded && entry.HasRefund(in.correlation) {
		return true, nil
	}
	for _, action := range actionsFor(in.target) {
		found, err := e.trail.Exists(ctx, entry.InvoiceNumber, action, in.correlation)
		if err != nil || found {
			return found, err
		}
	}
	return false, nil
}

func actionsFor(target ledger.Status) []string {
	switch target {
	case ledger.StatusSucceeded:
		return []string{audit.ActionPaymentSucceeded}
	case ledger.StatusFailed:
		return []string{audit.ActionPaymentFailed}
	case ledger.StatusRefunded:
		return []string{audit.ActionPaymentRefunded, audit.ActionPaymentPartiallyRefunded}
	}
	return nil
}

// staleFailure ignores failures that do not end the entry's payment: a
// session that was replaced by a newer one, or a declined attempt inside a
// checkout session that stays open for another try.
func staleFailure(entry ledger.Entry, in intent) string {
	if in.target != ledger.StatusFailed || entry.Correlation.SessionID == "" {
		return ""
	}
	if in.sessionID == "" {
		return "declined attempt inside open checkout session " + entry.Correlation.SessionID
	}
	if entry.Correlation.SessionID != in.sessionID {
		return "checkout session " + in.sessionID + " was replaced by " + entry.Correlation.SessionID
	}
	return ""
}

// mismatch refuses settlements whose amount or currency disagree with the entry.
func mismatch(entry ledger.Entry, in intent) string {
	if in.currency != "" && entry.Currency != "" && in.currency != entry.Currency {
		return fmt.Sprintf("currency %s does not match entry currency %s", in.currency, entry.Currency)
	}
	if in.target == ledger.StatusSucceeded && in.expectAmount > 0 && in.expectAmount != entry.AmountMinor {
		return fmt.Sprintf("settled amount %d does not match entry amount %d", in.expectAmount, entry.AmountMinor)
	}
	return ""
}

func (e *Engine) recordAnomaly(ctx context.Context, kind string, env gateway.Envelope, invoice, detail string) {
	e.metrics.ObserveAnomaly(kind)
	e.logger.Warn("billing reconciliation anomaly",
		slog.String("kind", kind),
		slog.String("event_id", env.ID),
		slog.String("event_type", env.Type),
		slog.String("invoice_number", invoice),
		slog.String("detail", detail))
	if e.anomalies == nil {
		return
	}
	if _, err := e.anomalies.Record(ctx, audit.Anomaly{
		Kind:          kind,
		EventID:       env.ID,
		EventType:     env.Type,
		InvoiceNumber: invoice,
		Detail:        detail,
		Payload:       env.Raw,
	}); err != nil {
		e.logger.Error("record anomaly", slog.String("event_id", env.ID), slog.Any("error", err))
	}
}

func (e *Engine) finish(report Report, outcome Outcome, detail string) Report {
	report.Outcome = outcome
	report.Detail = detail
	e.metrics.ObserveWebhook(report.EventType, string(outcome))
	return report
}
