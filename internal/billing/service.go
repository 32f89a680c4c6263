// Package billing is the application facade over the billing engine: charge
// creation, admin transitions and refunds, checkout reuse and gateway
// webhook intake. Every status change goes through the payment state machine.
package billing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/billing/payment"
	"github.com/forwardly/forwardly/internal/billing/reconcile"
	"github.com/forwardly/forwardly/internal/billing/sequence"
	"github.com/forwardly/forwardly/internal/owners"
)

// ErrCheckoutUnavailable is returned when an entry cannot be paid online.
var ErrCheckoutUnavailable = errors.New("billing: checkout not available")

// CreateChargeInput describes a new charge.
type CreateChargeInput struct {
	Owner       ledger.OwnerRef `json:"owner"`
	AmountMinor int64           `json:"amount_minor" validate:"gt=0"`
	Currency    string          `json:"currency" validate:"required,len=3,uppercase,iso4217"`
	Description string          `json:"description" validate:"max=500"`
	Method      ledger.Method   `json:"method"`
	// Source is who opened the charge; empty means admin.
	Source payment.Source `json:"-"`
}

// ChargeResult is the entry plus the link the payer should follow.
type ChargeResult struct {
	Entry       ledger.Entry `json:"entry"`
	CheckoutURL string       `json:"checkout_url,omitempty"`
	Warning     string       `json:"warning,omitempty"`
}

// TransitionResult reports an admin transition or refund.
type TransitionResult struct {
	Entry   ledger.Entry `json:"entry"`
	Applied bool         `json:"applied"`
	Warning string       `json:"warning,omitempty"`
}

// Dependencies wires the service. Gateway, Directory and Notifier are optional.
type Dependencies struct {
	Entries   ledger.Reader
	Creator   ledger.Creator
	Allocator *sequence.Allocator
	Machine   *payment.Machine
	Trail     audit.Trail
	Anomalies audit.AnomalyLog
	Gateway   gateway.Gateway
	Verifier  gateway.Verifier
	Engine    *reconcile.Engine
	Directory owners.Directory
	Notifier  payment.Observer
	Clock     func() time.Time
	Logger    *slog.Logger
}

// Service is the billing facade.
type Service struct {
	entries   ledger.Reader
	creator   ledger.Creator
	allocator *sequence.Allocator
	machine   *payment.Machine
	trail     audit.Trail
	anomalies audit.AnomalyLog
	gateway   gateway.Gateway
	verifier  gateway.Verifier
	engine    *reconcile.Engine
	directory owners.Directory
	notifier  payment.Observer
	now       func() time.Time
	logger    *slog.Logger
}

// NewService builds the facade.
func NewService(deps Dependencies) *Service {
	s := &Service{
		entries:   deps.Entries,
		creator:   deps.Creator,
		allocator: deps.Allocator,
		machine:   deps.Machine,
		trail:     deps.Trail,
		anomalies: deps.Anomalies,
		gateway:   deps.Gateway,
		verifier:  deps.Verifier,
		engine:    deps.Engine,
		directory: deps.Directory,
		notifier:  deps.Notifier,
		now:       deps.Clock,
		logger:    deps.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	return s
}

// CreateCharge allocates an invoice number, persists a pending entry and, for
// card payments, opens a checkout session. When the gateway is unavailable
// the pending entry is returned together with an error wrapping
// gateway.ErrGatewayUnavailable; ResumeCheckout retries later.
func (s *Service) CreateCharge(ctx context.Context, in CreateChargeInput) (ChargeResult, error) {
	if err := ledger.ValidateStruct(in); err != nil {
		return ChargeResult{}, err
	}
	source := in.Source
	switch source {
	case "":
		source = payment.SourceAdmin
	case payment.SourceAdmin, payment.SourceSelfService:
	default:
		return ChargeResult{}, fmt.Errorf("%w: unknown charge source %q", ledger.ErrValidation, source)
	}

	now := s.now().UTC()
	var entry ledger.Entry
	_, err := s.allocator.Issue(ctx, func(ctx context.Context, number string) error {
		entry = ledger.Entry{
			InvoiceNumber: number,
			Owner:         in.Owner,
			Description:   in.Description,
			AmountMinor:   in.AmountMinor,
			Currency:      in.Currency,
			Status:        ledger.StatusPending,
			Method:        in.Method,
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := ledger.ValidateNew(entry); err != nil {
			return err
		}
		return s.creator.Create(ctx, entry)
	})
	if err != nil {
		return ChargeResult{}, err
	}

	logger := s.logger.With(slog.String("invoice_number", entry.InvoiceNumber))
	logger.Info("charge created", slog.Int64("amount_minor", entry.AmountMinor), slog.String("currency", entry.Currency))
	result := ChargeResult{Entry: entry}
	if _, err := s.trail.Append(ctx, audit.Event{
		Action:        audit.ActionChargeCreated,
		EntityID:      entry.InvoiceNumber,
		Source:        string(source),
		CorrelationID: entry.InvoiceNumber,
		Details: map[string]any{
			"amount_minor": entry.AmountMinor,
			"currency":     entry.Currency,
			"owner":        entry.Owner.String(),
			"method":       string(entry.Method.Type),
		},
		CreatedAt: now,
	}); err != nil {
		logger.Error("audit append failed after charge creation", slog.Any("error", err))
		result.Warning = "audit record missing: " + err.Error()
	}

	if entry.Method.Online() && s.gateway != nil {
		updated, err := s.openCheckout(ctx, entry, 1, source)
		if err != nil {
			logger.Warn("checkout session not created, entry left pending", slog.Any("error", err))
			return result, err
		}
		result.Entry = updated
		result.CheckoutURL = updated.Correlation.CheckoutURL
	}
	s.notify(ctx, result.Entry, audit.ActionChargeCreated)
	return result, nil
}

// ResumeCheckout returns a payable checkout link for a pending card entry,
// reusing the open session or creating the next one.
func (s *Service) ResumeCheckout(ctx context.Context, number string) (ChargeResult, error) {
	entry, err := s.entries.FindByInvoiceNumber(ctx, number)
	if err != nil {
		return ChargeResult{}, err
	}
	if entry.Status != ledger.StatusPending {
		return ChargeResult{Entry: entry}, fmt.Errorf("%w: entry is %s", ErrCheckoutUnavailable, entry.Status)
	}
	if !entry.Method.Online() || s.gateway == nil {
		return ChargeResult{Entry: entry}, fmt.Errorf("%w: %s payments settle offline", ErrCheckoutUnavailable, entry.Method.Type)
	}

	if id := entry.Correlation.SessionID; id != "" {
		session, err := s.gateway.RetrieveCheckoutSession(ctx, id)
		switch {
		case errors.Is(err, gateway.ErrNotFound):
		case err != nil:
			return ChargeResult{Entry: entry}, fmt.Errorf("billing: retrieve session %s: %w", id, err)
		case session.Status == gateway.SessionOpen:
			url := entry.Correlation.CheckoutURL
			if url == "" {
				url = session.URL
			}
			return ChargeResult{Entry: entry, CheckoutURL: url}, nil
		case session.Status == gateway.SessionComplete:
			return ChargeResult{Entry: entry}, fmt.Errorf("%w: session %s already completed, awaiting confirmation", ErrCheckoutUnavailable, id)
		}
	}

	attempt := entry.Correlation.SessionAttempts + 1
	if attempt < 2 && entry.Correlation.SessionID != "" {
		attempt = 2
	}
	updated, err := s.openCheckout(ctx, entry, attempt, payment.SourceAdmin)
	if err != nil {
		return ChargeResult{Entry: entry}, err
	}
	return ChargeResult{Entry: updated, CheckoutURL: updated.Correlation.CheckoutURL}, nil
}

func (s *Service) openCheckout(ctx context.Context, entry ledger.Entry, attempt int, source payment.Source) (ledger.Entry, error) {
	req := gateway.CheckoutRequest{
		InvoiceNumber:  entry.InvoiceNumber,
		Description:    entry.Description,
		AmountMinor:    entry.AmountMinor,
		Currency:       entry.Currency,
		IdempotencyKey: gateway.CheckoutKey(entry.InvoiceNumber, attempt),
	}
	if s.directory != nil {
		if contact, err := s.directory.Lookup(ctx, entry.Owner); err == nil {
			req.CustomerEmail = contact.Email
		}
	}
	session, err := s.gateway.CreateCheckoutSession(ctx, req)
	if err != nil {
		return entry, fmt.Errorf("billing: checkout for %s: %w", entry.InvoiceNumber, err)
	}
	updated, err := s.creator.AttachCorrelation(ctx, entry.InvoiceNumber, ledger.Correlation{
		SessionID:       session.ID,
		CheckoutURL:     session.URL,
		SessionAttempts: attempt,
	})
	if err != nil {
		return entry, fmt.Errorf("billing: record session for %s: %w", entry.InvoiceNumber, err)
	}
	details := map[string]any{"attempt": attempt, "url": session.URL}
	if !session.ExpiresAt.IsZero() {
		details["expires_at"] = session.ExpiresAt.UTC().Format(time.RFC3339)
	}
	if _, err := s.trail.Append(ctx, audit.Event{
		Action:        audit.ActionCheckoutSessionCreated,
		EntityID:      entry.InvoiceNumber,
		Source:        string(source),
		CorrelationID: session.ID,
		Details:       details,
	}); err != nil && !errors.Is(err, audit.ErrDuplicateEvent) {
		s.logger.Error("audit append failed after checkout session",
			slog.String("invoice_number", entry.InvoiceNumber), slog.Any("error", err))
	}
	return updated, nil
}

// ListEntries returns entries matching filter, newest first.
func (s *Service) ListEntries(ctx context.Context, filter ledger.Filter) ([]ledger.Entry, error) {
	return s.entries.List(ctx, filter)
}

// GetEntry loads one entry.
func (s *Service) GetEntry(ctx context.Context, number string) (ledger.Entry, error) {
	return s.entries.FindByInvoiceNumber(ctx, number)
}

// AuditTrail returns the audit events of an entry in append order.
func (s *Service) AuditTrail(ctx context.Context, number string) ([]audit.Event, error) {
	if _, err := s.entries.FindByInvoiceNumber(ctx, number); err != nil {
		return nil, err
	}
	return s.trail.ListByEntity(ctx, number)
}

// Anomalies returns the newest reconciliation anomalies.
func (s *Service) Anomalies(ctx context.Context, limit int) ([]audit.Anomaly, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	return s.anomalies.List(ctx, limit)
}

// ApplyAdminTransition moves an entry to target on an operator's request.
// Marking an entry refunded records a refund of the remaining balance without
// moving money at the gateway; RequestRefund does that.
func (s *Service) ApplyAdminTransition(ctx context.Context, number string, target ledger.Status, reason string) (TransitionResult, error) {
	req := payment.Request{
		InvoiceNumber: number,
		Target:        target,
		Source:        payment.SourceAdmin,
		Reason:        reason,
	}
	if target == ledger.StatusRefunded {
		entry, err := s.entries.FindByInvoiceNumber(ctx, number)
		if err != nil {
			return TransitionResult{}, err
		}
		if entry.Status == ledger.StatusSucceeded {
			req.AmountMinor = entry.RemainingMinor()
		}
	}
	return s.apply(ctx, req)
}

// RequestRefund returns amountMinor to the payer. Card entries with a known
// charge are refunded at the gateway first; the gateway refund id then keys
// the ledger update so the matching webhook is recognised as a duplicate.
func (s *Service) RequestRefund(ctx context.Context, number string, amountMinor int64, reason string) (TransitionResult, error) {
	entry, err := s.entries.FindByInvoiceNumber(ctx, number)
	if err != nil {
		return TransitionResult{}, err
	}
	req := payment.Request{
		InvoiceNumber: number,
		Target:        ledger.StatusRefunded,
		Source:        payment.SourceAdmin,
		Reason:        reason,
		AmountMinor:   amountMinor,
	}
	if _, err := payment.Transition(entry, req, s.machine.Policy(), s.now()); err != nil {
		return TransitionResult{Entry: entry}, err
	}

	if s.refundsAtGateway(entry) {
		refund, err := s.gateway.IssueRefund(ctx, gateway.RefundRequest{
			InvoiceNumber:   number,
			ChargeID:        entry.Correlation.ChargeID,
			PaymentIntentID: entry.Correlation.PaymentIntentID,
			AmountMinor:     amountMinor,
			Reason:          reason,
			IdempotencyKey:  gateway.RefundKey(number, entry.RefundedAmountMinor+amountMinor),
		})
		if err != nil {
			return TransitionResult{Entry: entry}, fmt.Errorf("billing: refund %s: %w", number, err)
		}
		req.CorrelationID = refund.ID
		if _, err := s.trail.Append(ctx, audit.Event{
			Action:        audit.ActionRefundIssued,
			EntityID:      number,
			Source:        string(payment.SourceAdmin),
			CorrelationID: refund.ID,
			Details: map[string]any{
				"amount_minor": amountMinor,
				"status":       refund.Status,
				"reason":       reason,
			},
		}); err != nil && !errors.Is(err, audit.ErrDuplicateEvent) {
			s.logger.Error("audit append failed after gateway refund",
				slog.String("invoice_number", number), slog.String("refund_id", refund.ID), slog.Any("error", err))
		}
	}
	return s.apply(ctx, req)
}

func (s *Service) refundsAtGateway(entry ledger.Entry) bool {
	if s.gateway == nil || !entry.Method.Online() {
		return false
	}
	return entry.Correlation.ChargeID != "" || entry.Correlation.PaymentIntentID != ""
}

func (s *Service) apply(ctx context.Context, req payment.Request) (TransitionResult, error) {
	res, err := s.machine.Apply(ctx, req)
	if err != nil {
		return TransitionResult{Entry: res.Entry}, err
	}
	out := TransitionResult{Entry: res.Entry, Applied: res.Applied}
	if res.Degraded() {
		out.Warning = "transition committed but audit record missing: " + res.AuditErr.Error()
	}
	return out, nil
}

// HandleGatewayWebhook verifies a raw webhook delivery and reconciles it.
// Errors wrapping gateway.ErrInvalidSignature mean the payload was never
// processed.
func (s *Service) HandleGatewayWebhook(ctx context.Context, payload []byte, signature string) (reconcile.Report, error) {
	ev, err := s.verifier.Verify(payload, signature)
	if err != nil {
		return reconcile.Report{}, err
	}
	return s.engine.Handle(ctx, ev)
}

func (s *Service) notify(ctx context.Context, entry ledger.Entry, action string) {
	if s.notifier != nil {
		s.notifier.Transitioned(ctx, entry, action)
	}
}
