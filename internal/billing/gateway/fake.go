package gateway

import (
	"context"
	"fmt"
	"sync"
)

// Fake is an in-memory Gateway. Mutating calls honour idempotency keys the
// way the processor does: a repeated key returns the first result, and a
// repeated key with different parameters is rejected.
type Fake struct {
	mu        sync.Mutex
	sessions  map[string]CheckoutSession
	charges   map[string]Charge
	refunds   map[string]Refund
	byKey     map[string]any
	keyParams map[string]string
	seq       int
	failures  map[string]int
	drops     map[string]int
	calls     map[string]int
	failWith  error
	URLPrefix string
}

// NewFake returns an empty fake processor.
func NewFake() *Fake {
	return &Fake{
		sessions:  make(map[string]CheckoutSession),
		charges:   make(map[string]Charge),
		refunds:   make(map[string]Refund),
		byKey:     make(map[string]any),
		keyParams: make(map[string]string),
		failures:  make(map[string]int),
		drops:     make(map[string]int),
		calls:     make(map[string]int),
		failWith:  ErrGatewayUnavailable,
		URLPrefix: "https://checkout.example/pay/",
	}
}

var _ Gateway = (*Fake)(nil)

// FailNext makes the next n calls of op fail with ErrGatewayUnavailable.
// op is one of create_checkout_session, retrieve_checkout_session,
// retrieve_charge and issue_refund.
func (f *Fake) FailNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures[op] = n
}

// DropNext makes the next n calls of op succeed at the processor but lose
// the response, as a timeout after the request was applied does.
func (f *Fake) DropNext(op string, n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops[op] = n
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

// PutCharge seeds a charge.
func (f *Fake) PutCharge(c Charge) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.charges[c.ID] = c
}

// PutSession seeds or replaces a session.
func (f *Fake) PutSession(s CheckoutSession) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *Fake) enter(op string) error {
	f.calls[op]++
	if f.failures[op] > 0 {
		f.failures[op]--
		return fmt.Errorf("%w: %s: simulated outage", f.failWith, op)
	}
	return nil
}

// replay returns the stored result of key. A key seen before with other
// parameters is rejected.
func (f *Fake) replay(key, params string) (any, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	prev, ok := f.keyParams[key]
	if !ok {
		f.keyParams[key] = params
		return nil, false, nil
	}
	if prev != params {
		return nil, false, fmt.Errorf("%w: idempotency key %s reused with different parameters", ErrGatewayRejected, key)
	}
	return f.byKey[key], true, nil
}

func (f *Fake) respond(op string) error {
	if f.drops[op] > 0 {
		f.drops[op]--
		return fmt.Errorf("%w: %s: response lost", f.failWith, op)
	}
	return nil
}

func (f *Fake) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("create_checkout_session"); err != nil {
		return CheckoutSession{}, err
	}
	params := fmt.Sprintf("%s|%s|%d|%s|%s", req.InvoiceNumber, req.Description, req.AmountMinor, req.Currency, req.CustomerEmail)
	prev, replayed, err := f.replay(req.IdempotencyKey, params)
	if err != nil {
		return CheckoutSession{}, err
	}
	if replayed {
		if err := f.respond("create_checkout_session"); err != nil {
			return CheckoutSession{}, err
		}
		return prev.(CheckoutSession), nil
	}
	f.seq++
	id := fmt.Sprintf("cs_test_%d", f.seq)
	s := CheckoutSession{
		ID:            id,
		URL:           f.URLPrefix + id,
		Status:        SessionOpen,
		InvoiceNumber: req.InvoiceNumber,
		AmountTotal:   req.AmountMinor,
		Currency:      req.Currency,
	}
	f.sessions[id] = s
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = s
	}
	if err := f.respond("create_checkout_session"); err != nil {
		return CheckoutSession{}, err
	}
	return s, nil
}

func (f *Fake) RetrieveCheckoutSession(ctx context.Context, id string) (CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve_checkout_session"); err != nil {
		return CheckoutSession{}, err
	}
	s, ok := f.sessions[id]
	if !ok {
		return CheckoutSession{}, fmt.Errorf("%w: session %s", ErrNotFound, id)
	}
	return s, nil
}

func (f *Fake) RetrieveCharge(ctx context.Context, id string) (Charge, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("retrieve_charge"); err != nil {
		return Charge{}, err
	}
	c, ok := f.charges[id]
	if !ok {
		return Charge{}, fmt.Errorf("%w: charge %s", ErrNotFound, id)
	}
	return c, nil
}

func (f *Fake) IssueRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.enter("issue_refund"); err != nil {
		return Refund{}, err
	}
	if req.ChargeID == "" && req.PaymentIntentID == "" {
		return Refund{}, fmt.Errorf("%w: refund needs a charge or payment intent", ErrGatewayRejected)
	}
	params := fmt.Sprintf("%s|%s|%s|%d|%s", req.InvoiceNumber, req.ChargeID, req.PaymentIntentID, req.AmountMinor, req.Reason)
	prev, replayed, err := f.replay(req.IdempotencyKey, params)
	if err != nil {
		return Refund{}, err
	}
	if replayed {
		if err := f.respond("issue_refund"); err != nil {
			return Refund{}, err
		}
		return prev.(Refund), nil
	}
	f.seq++
	r := Refund{
		ID:              fmt.Sprintf("re_test_%d", f.seq),
		Status:          "succeeded",
		ChargeID:        req.ChargeID,
		PaymentIntentID: req.PaymentIntentID,
		InvoiceNumber:   req.InvoiceNumber,
		AmountMinor:     req.AmountMinor,
		Reason:          req.Reason,
	}
	f.refunds[r.ID] = r
	if req.IdempotencyKey != "" {
		f.byKey[req.IdempotencyKey] = r
	}
	if err := f.respond("issue_refund"); err != nil {
		return Refund{}, err
	}
	return r, nil
}
