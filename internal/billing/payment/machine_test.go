package payment

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/ledger"
)

const invoice = "INV-20250131-0001"

var testNow = time.Date(2025, 1, 31, 12, 0, 0, 0, time.UTC)

func entryWith(status ledger.Status) ledger.Entry {
	created := testNow.Add(-time.Hour)
	return ledger.Entry{
		InvoiceNumber: invoice,
		Owner:         ledger.OwnerRef{Kind: "user", ID: "u-1"},
		AmountMinor:   10000,
		Currency:      "AED",
		Status:        status,
		Method:        ledger.Method{Type: ledger.MethodCard},
		Version:       1,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func newMachine(t *testing.T, e ledger.Entry, opts ...Option) (*Machine, *ledger.MemoryStore, *audit.MemoryTrail) {
	t.Helper()
	store := ledger.NewMemoryStore()
	store.Put(e)
	trail := audit.NewMemoryTrail()
	opts = append([]Option{WithClock(func() time.Time { return testNow })}, opts...)
	return NewMachine(store, store, trail, opts...), store, trail
}

func TestTransitionRejectsEveryEdgeOutsideGraph(t *testing.T) {
	for _, from := range ledger.Statuses() {
		for _, to := range ledger.Statuses() {
			if Allowed(from, to) || (from == to && from != ledger.StatusPending) {
				continue
			}
			current := entryWith(from)
			if from == ledger.StatusRefunded {
				current.RefundedAmountMinor = 10000
				current.Refunds = []ledger.Refund{{RefundID: "re_0", AmountMinor: 10000}}
			}
			snapshot := current.Clone()
			for _, source := range []Source{SourceAdmin, SourceGatewayEvent} {
				_, err := Transition(current, Request{InvoiceNumber: invoice, Target: to, Source: source, AmountMinor: 100}, RefundPolicyAny, testNow)
				require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s by %s", from, to, source)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				require.Equal(t, from, te.From)
				require.Equal(t, to, te.To)
				require.Equal(t, snapshot, current, "entry mutated on rejected %s -> %s", from, to)
			}
		}
	}
}

func TestApplyRejectedEdgeLeavesStoreUntouched(t *testing.T) {
	m, store, trail := newMachine(t, entryWith(ledger.StatusRefunded))
	_, err := m.Apply(context.Background(), Request{InvoiceNumber: invoice, Target: ledger.StatusPending, Source: SourceAdmin})
	require.EqualError(t, err, "cannot transition from refunded to pending")

	stored, err := store.FindByInvoiceNumber(context.Background(), invoice)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, stored.Status)
	require.EqualValues(t, 1, stored.Version)
	require.Zero(t, trail.Len())
}

func TestFailedToSucceededIsAdminOnly(t *testing.T) {
	_, err := Transition(entryWith(ledger.StatusFailed), Request{Target: ledger.StatusSucceeded, Source: SourceGatewayEvent}, RefundPolicyAny, testNow)
	require.ErrorIs(t, err, ErrInvalidTransition)

	out, err := Transition(entryWith(ledger.StatusFailed), Request{Target: ledger.StatusSucceeded, Source: SourceAdmin}, RefundPolicyAny, testNow)
	require.NoError(t, err)
	require.True(t, out.Changed)
	require.Equal(t, ledger.StatusSucceeded, out.Next.Status)
}

func TestApplySucceededTwiceIsIdempotent(t *testing.T) {
	m, store, trail := newMachine(t, entryWith(ledger.StatusPending))
	req := Request{
		InvoiceNumber: invoice,
		Target:        ledger.StatusSucceeded,
		Source:        SourceGatewayEvent,
		CorrelationID: "pi_1",
		Correlation:   ledger.Correlation{PaymentIntentID: "pi_1"},
	}

	first, err := m.Apply(context.Background(), req)
	require.NoError(t, err)
	require.True(t, first.Applied)
	require.Equal(t, audit.ActionPaymentSucceeded, first.Action)
	require.Equal(t, testNow, first.Entry.UpdatedAt)

	m.now = func() time.Time { return testNow.Add(time.Minute) }
	second, err := m.Apply(context.Background(), req)
	require.NoError(t, err)
	require.False(t, second.Applied)

	stored, err := store.FindByInvoiceNumber(context.Background(), invoice)
	require.NoError(t, err)
	require.Equal(t, testNow, stored.UpdatedAt)
	require.Equal(t, "pi_1", stored.Correlation.PaymentIntentID)
	require.Equal(t, 1, trail.Count(invoice, audit.ActionPaymentSucceeded))
}

func TestApplyReportsDegradedSuccessWhenAuditFails(t *testing.T) {
	m, store, trail := newMachine(t, entryWith(ledger.StatusPending))
	trail.FailAppend = errors.New("audit table locked")

	res, err := m.Apply(context.Background(), Request{InvoiceNumber: invoice, Target: ledger.StatusFailed, Source: SourceAdmin, Reason: "card declined"})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.True(t, res.Degraded())

	stored, err := store.FindByInvoiceNumber(context.Background(), invoice)
	require.NoError(t, err)
	require.Equal(t, ledger.StatusFailed, stored.Status)
}

func TestRefundPolicyAnyFlipsOnFirstRefund(t *testing.T) {
	m, _, trail := newMachine(t, entryWith(ledger.StatusSucceeded))
	res, err := m.Apply(context.Background(), Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: 4000, CorrelationID: "re_1"})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, res.Entry.Status)
	require.EqualValues(t, 4000, res.Entry.RefundedAmountMinor)
	require.Equal(t, audit.ActionPaymentRefunded, res.Action)
	require.Equal(t, "re_1", res.Event.CorrelationID)

	_, err = m.Apply(context.Background(), Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: 7000, CorrelationID: "re_2"})
	require.ErrorIs(t, err, ErrInvalidRefundAmount)
	require.Equal(t, 1, trail.Len())
}

func TestRefundPolicyFullAccumulatesPartialRefunds(t *testing.T) {
	m, _, _ := newMachine(t, entryWith(ledger.StatusSucceeded), WithRefundPolicy(RefundPolicyFull))
	ctx := context.Background()

	res, err := m.Apply(ctx, Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: 4000})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusSucceeded, res.Entry.Status)
	require.Equal(t, audit.ActionPaymentPartiallyRefunded, res.Action)
	require.EqualValues(t, 4000, res.Entry.RefundedAmountMinor)
	require.Contains(t, res.Entry.Refunds[0].RefundID, "manual_")

	_, err = m.Apply(ctx, Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: 7000})
	require.ErrorIs(t, err, ErrInvalidRefundAmount)

	res, err = m.Apply(ctx, Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceGatewayEvent, AmountMinor: 6000, CorrelationID: "re_9"})
	require.NoError(t, err)
	require.Equal(t, ledger.StatusRefunded, res.Entry.Status)
	require.EqualValues(t, 10000, res.Entry.RefundedAmountMinor)
}

func TestDuplicateRefundIDAppliesOnce(t *testing.T) {
	m, store, trail := newMachine(t, entryWith(ledger.StatusSucceeded), WithRefundPolicy(RefundPolicyFull))
	req := Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceGatewayEvent, AmountMinor: 2500, CorrelationID: "re_dup"}

	_, err := m.Apply(context.Background(), req)
	require.NoError(t, err)
	res, err := m.Apply(context.Background(), req)
	require.NoError(t, err)
	require.False(t, res.Applied)

	stored, err := store.FindByInvoiceNumber(context.Background(), invoice)
	require.NoError(t, err)
	require.EqualValues(t, 2500, stored.RefundedAmountMinor)
	require.Len(t, stored.Refunds, 1)
	require.Equal(t, 1, trail.Len())
}

func TestRandomRefundSequencesNeverOverRefund(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for _, policy := range []RefundPolicy{RefundPolicyAny, RefundPolicyFull} {
		for round := 0; round < 50; round++ {
			m, store, _ := newMachine(t, entryWith(ledger.StatusSucceeded), WithRefundPolicy(policy))
			for i := 0; i < 20; i++ {
				amount := rng.Int63n(6000) - 500
				if amount == 0 {
					amount = -1
				}
				before, err := store.FindByInvoiceNumber(context.Background(), invoice)
				require.NoError(t, err)

				_, err = m.Apply(context.Background(), Request{InvoiceNumber: invoice, Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: amount})
				after, findErr := store.FindByInvoiceNumber(context.Background(), invoice)
				require.NoError(t, findErr)
				require.LessOrEqual(t, after.RefundedAmountMinor, after.AmountMinor)
				require.NoError(t, after.CheckInvariants())
				if amount > before.RemainingMinor() || amount <= 0 || before.Status != ledger.StatusSucceeded {
					require.Error(t, err)
					require.Equal(t, before.RefundedAmountMinor, after.RefundedAmountMinor)
				}
			}
		}
	}
}

func TestRefundRejectsNonPositiveAndPendingEntries(t *testing.T) {
	_, err := Transition(entryWith(ledger.StatusSucceeded), Request{Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: 0}, RefundPolicyAny, testNow)
	require.ErrorIs(t, err, ErrInvalidRefundAmount)
	_, err = Transition(entryWith(ledger.StatusSucceeded), Request{Target: ledger.StatusRefunded, Source: SourceAdmin, AmountMinor: -5}, RefundPolicyAny, testNow)
	require.ErrorIs(t, err, ErrInvalidRefundAmount)
	for _, status := range []ledger.Status{ledger.StatusPending, ledger.StatusFailed} {
		_, err = Transition(entryWith(status), Request{Target: ledger.StatusRefunded, Source: SourceGatewayEvent, AmountMinor: 5}, RefundPolicyAny, testNow)
		require.ErrorIs(t, err, ErrInvalidRefundAmount, status)
		require.ErrorIs(t, err, ErrInvalidTransition, status)
		var te *TransitionError
		require.ErrorAs(t, err, &te)
		require.Equal(t, status, te.From)
	}
}

// racingWriter bumps the stored version once before delegating, simulating a
// concurrent writer that wins the first compare-and-swap.
type racingWriter struct {
	store *ledger.MemoryStore
	raced bool
}

func (w *racingWriter) CompareAndSwap(ctx context.Context, next ledger.Entry, expected int64) (ledger.Entry, error) {
	if !w.raced {
		w.raced = true
		current, err := w.store.FindByInvoiceNumber(ctx, next.InvoiceNumber)
		if err != nil {
			return ledger.Entry{}, err
		}
		current.Correlation.ReceiptURL = "https://pay.example/receipt"
		if _, err := w.store.CompareAndSwap(ctx, current, current.Version); err != nil {
			return ledger.Entry{}, err
		}
	}
	return w.store.CompareAndSwap(ctx, next, expected)
}

func TestApplyRetriesOnVersionConflict(t *testing.T) {
	store := ledger.NewMemoryStore()
	store.Put(entryWith(ledger.StatusPending))
	writer := &racingWriter{store: store}
	m := NewMachine(store, writer, audit.NewMemoryTrail(), WithClock(func() time.Time { return testNow }))

	res, err := m.Apply(context.Background(), Request{InvoiceNumber: invoice, Target: ledger.StatusSucceeded, Source: SourceAdmin})
	require.NoError(t, err)
	require.True(t, res.Applied)
	require.Equal(t, ledger.StatusSucceeded, res.Entry.Status)
	require.Equal(t, "https://pay.example/receipt", res.Entry.Correlation.ReceiptURL)
	require.EqualValues(t, 3, res.Entry.Version)
}

type recordingObserver struct{ actions []string }

func (o *recordingObserver) Transitioned(_ context.Context, _ ledger.Entry, action string) {
	o.actions = append(o.actions, action)
}

func TestObserverSeesCommittedTransitionsOnly(t *testing.T) {
	obs := &recordingObserver{}
	m, _, _ := newMachine(t, entryWith(ledger.StatusPending), WithObserver(obs))
	ctx := context.Background()

	_, err := m.Apply(ctx, Request{InvoiceNumber: invoice, Target: ledger.StatusSucceeded, Source: SourceAdmin})
	require.NoError(t, err)
	_, err = m.Apply(ctx, Request{InvoiceNumber: invoice, Target: ledger.StatusSucceeded, Source: SourceAdmin})
	require.NoError(t, err)
	_, err = m.Apply(ctx, Request{InvoiceNumber: invoice, Target: ledger.StatusPending, Source: SourceAdmin})
	require.Error(t, err)

	require.Equal(t, []string{audit.ActionPaymentSucceeded}, obs.actions)
}

func TestEnrichRecordsLateChargeDetailsWithoutTransition(t *testing.T) {
	settled := entryWith(ledger.StatusSucceeded)
	settled.Correlation = ledger.Correlation{SessionID: "cs_1", PaymentIntentID: "pi_1"}
	m, store, trail := newMachine(t, settled)
	ctx := context.Background()
	ids := ledger.Correlation{PaymentIntentID: "pi_1", ChargeID: "ch_1", ReceiptURL: "https://pay.example/r/ch_1"}
	card := &ledger.Method{Type: ledger.MethodCard, Brand: "visa", Last4: "4242"}

	e, changed, err := m.Enrich(ctx, invoice, ids, card)
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, ledger.StatusSucceeded, e.Status)
	require.Equal(t, "cs_1", e.Correlation.SessionID)
	require.Equal(t, "ch_1", e.Correlation.ChargeID)
	require.Equal(t, "4242", e.Method.Last4)
	require.Equal(t, settled.UpdatedAt, e.UpdatedAt)
	require.Zero(t, trail.Len())

	_, changed, err = m.Enrich(ctx, invoice, ids, card)
	require.NoError(t, err)
	require.False(t, changed)
	stored, err := store.FindByInvoiceNumber(ctx, invoice)
	require.NoError(t, err)
	require.EqualValues(t, 2, stored.Version)

	wire := &ledger.Method{Type: ledger.MethodWire, Label: "bank"}
	next, changed := Enrich(stored, ledger.Correlation{}, wire)
	require.False(t, changed)
	require.Equal(t, stored, next)
}

func TestSelfServiceCannotRequestTransitions(t *testing.T) {
	_, err := Transition(entryWith(ledger.StatusPending), Request{InvoiceNumber: invoice, Target: ledger.StatusSucceeded, Source: SourceSelfService}, RefundPolicyAny, testNow)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestParseRefundPolicy(t *testing.T) {
	p, err := ParseRefundPolicy("")
	require.NoError(t, err)
	require.Equal(t, RefundPolicyAny, p)
	p, err = ParseRefundPolicy("FULL")
	require.NoError(t, err)
	require.Equal(t, RefundPolicyFull, p)
	_, err = ParseRefundPolicy("half")
	require.Error(t, err)
}
