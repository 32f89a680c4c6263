package billing

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/billing/reconcile"
)

const sweepConcurrency = 4

// SweepSummary counts what one pending sweep did.
type SweepSummary struct {
	Checked int `json:"checked"`
	Settled int `json:"settled"`
	Expired int `json:"expired"`
	Open    int `json:"open"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// SweepPending asks the gateway about pending card entries older than age
// and feeds settled or expired sessions through the reconciliation engine,
// covering webhooks that never arrived.
func (s *Service) SweepPending(ctx context.Context, age time.Duration, limit int) (SweepSummary, error) {
	var summary SweepSummary
	if s.gateway == nil {
		return summary, nil
	}
	entries, err := s.entries.ListStalePending(ctx, s.now().Add(-age), limit)
	if err != nil {
		return summary, err
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(sweepConcurrency)
	for _, entry := range entries {
		g.Go(func() error {
			outcome, err := s.sweepOne(ctx, entry)
			mu.Lock()
			defer mu.Unlock()
			summary.Checked++
			if err != nil {
				summary.Failed++
				s.logger.Warn("pending sweep failed for entry",
					slog.String("invoice_number", entry.InvoiceNumber), slog.Any("error", err))
				return nil
			}
			switch outcome {
			case gateway.SessionComplete:
				summary.Settled++
			case gateway.SessionExpired:
				summary.Expired++
			case gateway.SessionOpen:
				summary.Open++
			default:
				summary.Skipped++
			}
			return nil
		})
	}
	_ = g.Wait()
	s.logger.Info("pending sweep finished",
		slog.Int("checked", summary.Checked),
		slog.Int("settled", summary.Settled),
		slog.Int("expired", summary.Expired),
		slog.Int("failed", summary.Failed))
	return summary, ctx.Err()
}

func (s *Service) sweepOne(ctx context.Context, entry ledger.Entry) (gateway.SessionStatus, error) {
	session, err := s.gateway.RetrieveCheckoutSession(ctx, entry.Correlation.SessionID)
	if err != nil {
		return "", err
	}
	if session.InvoiceNumber == "" {
		session.InvoiceNumber = entry.InvoiceNumber
	}
	env := gateway.Envelope{ID: "sweep_" + session.ID + "_" + string(session.Status), Created: s.now().UTC()}
	var ev gateway.Event
	switch {
	case session.Status == gateway.SessionComplete && session.Paid:
		env.Type = gateway.TypeCheckoutCompleted
		ev = gateway.CheckoutCompleted{Envelope: env, Session: session}
	case session.Status == gateway.SessionExpired:
		env.Type = gateway.TypeCheckoutExpired
		ev = gateway.CheckoutExpired{Envelope: env, Session: session}
	case session.Status == gateway.SessionOpen:
		return gateway.SessionOpen, nil
	default:
		return "", nil
	}
	report, err := s.engine.Handle(ctx, ev)
	if errors.Is(err, reconcile.ErrEventInFlight) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if report.Outcome != reconcile.OutcomeApplied && report.Outcome != reconcile.OutcomeDuplicate {
		return "", nil
	}
	return session.Status, nil
}
