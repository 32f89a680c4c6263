// Package payment is the payment state machine: the only code path that
// changes the status of a ledger entry.
package payment

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/ledger"
)

var (
	// ErrInvalidTransition is the sentinel behind every TransitionError.
	ErrInvalidTransition = errors.New("payment: invalid transition")
	// ErrInvalidRefundAmount rejects non-positive, excessive or misplaced refunds.
	ErrInvalidRefundAmount = errors.New("payment: invalid refund amount")
	// ErrInvalidRequest rejects malformed transition requests.
	ErrInvalidRequest = errors.New("payment: invalid request")
)

// TransitionError describes a rejected edge.
type TransitionError struct {
	From ledger.Status
	To   ledger.Status
	Hint string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot transition from %s to %s", e.From, e.To)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *TransitionError) Unwrap() error { return ErrInvalidTransition }

// Is reports a refund of an unsettled entry as ErrInvalidRefundAmount too.
func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidRefundAmount && e.To == ledger.StatusRefunded
}

// Source identifies who requested a transition.
type Source string

const (
	SourceAdmin        Source = "admin"
	SourceGatewayEvent Source = "gateway-event"
	// SourceSelfService tags charges a payer opened; it never drives a transition.
	SourceSelfService Source = "self-service"
)

// Valid reports whether s may request a transition.
func (s Source) Valid() bool {
	return s == SourceAdmin || s == SourceGatewayEvent
}

// RefundPolicy decides when a refund flips a succeeded entry to refunded.
type RefundPolicy string

const (
	// RefundPolicyAny moves succeeded to refunded on any refund amount.
	RefundPolicyAny RefundPolicy = "any"
	// RefundPolicyFull keeps partial refunds on a succeeded entry and moves to
	// refunded once the whole amount is returned.
	RefundPolicyFull RefundPolicy = "full"
)

// ParseRefundPolicy reads the configured policy, defaulting to any.
func ParseRefundPolicy(raw string) (RefundPolicy, error) {
	switch RefundPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RefundPolicyAny:
		return RefundPolicyAny, nil
	case RefundPolicyFull:
		return RefundPolicyFull, nil
	}
	return "", fmt.Errorf("payment: unknown refund policy %q", raw)
}

// Request asks the machine to move an entry to Target.
type Request struct {
	InvoiceNumber string
	Target        ledger.Status
	Source        Source
	Reason        string
	// AmountMinor is the refund amount; required when Target is refunded.
	AmountMinor int64
	// CorrelationID is the external identifier the transition is keyed on:
	// payment intent, charge or session id for settlements, refund id for refunds.
	CorrelationID string
	// Correlation carries gateway identifiers to merge into the entry.
	Correlation ledger.Correlation
	// Method replaces the method snapshot when the gateway reports a better one.
	Method  *ledger.Method
	Details map[string]any
}

// Outcome is the pure result of evaluating a request against an entry.
type Outcome struct {
	Next    ledger.Entry
	Action  string
	Changed bool
}

// allowed lists the status edges. Self loops are idempotent re-applies and
// are handled before the table is consulted.
var allowed = map[ledger.Status]map[ledger.Status]bool{
	ledger.StatusPending:   {ledger.StatusSucceeded: true, ledger.StatusFailed: true},
	ledger.StatusSucceeded: {ledger.StatusRefunded: true},
	ledger.StatusFailed:    {ledger.StatusSucceeded: true},
}

// Allowed reports whether from -> to is an edge of the graph.
func Allowed(from, to ledger.Status) bool {
	return allowed[from][to]
}

// Transition evaluates req against the current entry without side effects.
// Changed is false for idempotent re-applies.
func Transition(current ledger.Entry, req Request, policy RefundPolicy, now time.Time) (Outcome, error) {
	if !req.Target.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown target status %q", ErrInvalidRequest, req.Target)
	}
	if !req.Source.Valid() {
		return Outcome{}, fmt.Errorf("%w: unknown source %q", ErrInvalidRequest, req.Source)
	}
	if req.Target == ledger.StatusRefunded {
		return refund(current, req, policy, now)
	}
	from := current.Status
	if from == req.Target && from != ledger.StatusPending {
		return Outcome{Next: current, Changed: false}, nil
	}
	if !Allowed(from, req.Target) {
		return Outcome{}, &TransitionError{From: from, To: req.Target}
	}
	if from == ledger.StatusFailed && req.Source != SourceAdmin {
		return Outcome{}, &TransitionError{From: from, To: req.Target, Hint: "manual override only"}
	}

	next := current.Clone()
	next.Status = req.Target
	next.Correlation = next.Correlation.Merge(req.Correlation)
	if req.Method != nil {
		next.Method = *req.Method
	}
	next.UpdatedAt = now.UTC()

	action := audit.ActionPaymentSucceeded
	if req.Target == ledger.StatusFailed {
		action = audit.ActionPaymentFailed
	}
	return Outcome{Next: next, Action: action, Changed: true}, nil
}

// Enrich overlays gateway identifiers and card details onto current without
// a status change. Status, balance and UpdatedAt are untouched; the bool
// reports whether anything new was recorded.
func Enrich(current ledger.Entry, ids ledger.Correlation, method *ledger.Method) (ledger.Entry, bool) {
	next := current.Clone()
	next.Correlation = next.Correlation.Merge(ids)
	if method != nil && (next.Method.Type == "" || next.Method.Type == method.Type) {
		next.Method.Type = method.Type
		if method.Brand != "" {
			next.Method.Brand = method.Brand
		}
		if method.Last4 != "" {
			next.Method.Last4 = method.Last4
		}
		if method.Label != "" {
			next.Method.Label = method.Label
		}
	}
	if next.Correlation == current.Correlation && next.Method == current.Method {
		return current, false
	}
	return next, true
}

func refund(current ledger.Entry, req Request, policy RefundPolicy, now time.Time) (Outcome, error) {
	if req.CorrelationID != "" && current.HasRefund(req.CorrelationID) {
		return Outcome{Next: current, Changed: false}, nil
	}
	if current.Status == ledger.StatusPending || current.Status == ledger.StatusFailed {
		return Outcome{}, &TransitionError{From: current.Status, To: ledger.StatusRefunded}
	}
	if current.Status == ledger.StatusRefunded && req.AmountMinor == 0 {
		return Outcome{Next: current, Changed: false}, nil
	}
	if current.Status != ledger.StatusSucceeded {
		return Outcome{}, fmt.Errorf("%w: entry is %s", ErrInvalidRefundAmount, current.Status)
	}
	if req.AmountMinor <= 0 {
		return Outcome{}, fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRefundAmount, req.AmountMinor)
	}
	if remaining := current.RemainingMinor(); req.AmountMinor > remaining {
		return Outcome{}, fmt.Errorf("%w: %d exceeds remaining %d", ErrInvalidRefundAmount, req.AmountMinor, remaining)
	}

	refundID := req.CorrelationID
	if refundID == "" {
		refundID = "manual_" + uuid.NewString()
	}
	next := current.Clone()
	next.RefundedAmountMinor += req.AmountMinor
	next.Refunds = append(next.Refunds, ledger.Refund{
		RefundID:    refundID,
		AmountMinor: req.AmountMinor,
		Reason:      req.Reason,
		Source:      string(req.Source),
		At:          now.UTC(),
	})
	next.Correlation = next.Correlation.Merge(req.Correlation)
	next.UpdatedAt = now.UTC()

	action := audit.ActionPaymentRefunded
	next.Status = ledger.StatusRefunded
	if policy == RefundPolicyFull && next.RefundedAmountMinor < next.AmountMinor {
		next.Status = ledger.StatusSucceeded
		action = audit.ActionPaymentPartiallyRefunded
	}
	if err := next.CheckInvariants(); err != nil {
		return Outcome{}, err
	}
	return Outcome{Next: next, Action: action, Changed: true}, nil
}
