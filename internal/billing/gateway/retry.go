package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/singleflight"

	"github.com/forwardly/forwardly/internal/observability"
)

// RetryConfig bounds retries of unavailable-class failures.
type RetryConfig struct {
	// MaxAttempts counts the first call. Values below one mean one.
	MaxAttempts int
	// Timeout applies to each attempt.
	Timeout         time.Duration
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// Retrying decorates a Gateway with per-attempt timeouts, bounded exponential
// backoff and coalescing of identical concurrent lookups.
type Retrying struct {
	next    Gateway
	cfg     RetryConfig
	metrics *observability.Billing
	group   singleflight.Group
}

// NewRetrying wraps next.
func NewRetrying(next Gateway, cfg RetryConfig, metrics *observability.Billing) *Retrying {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 200 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	return &Retrying{next: next, cfg: cfg, metrics: metrics}
}

var _ Gateway = (*Retrying)(nil)

func (r *Retrying) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	var out CheckoutSession
	err := r.do(ctx, "create_checkout_session", func(ctx context.Context) (err error) {
		out, err = r.next.CreateCheckoutSession(ctx, req)
		return err
	})
	return out, err
}

func (r *Retrying) RetrieveCheckoutSession(ctx context.Context, id string) (CheckoutSession, error) {
	v, err, _ := r.group.Do("session:"+id, func() (any, error) {
		var out CheckoutSession
		err := r.do(ctx, "retrieve_checkout_session", func(ctx context.Context) (err error) {
			out, err = r.next.RetrieveCheckoutSession(ctx, id)
			return err
		})
		return out, err
	})
	if err != nil {
		return CheckoutSession{}, err
	}
	return v.(CheckoutSession), nil
}

func (r *Retrying) RetrieveCharge(ctx context.Context, id string) (Charge, error) {
	v, err, _ := r.group.Do("charge:"+id, func() (any, error) {
		var out Charge
		err := r.do(ctx, "retrieve_charge", func(ctx context.Context) (err error) {
			out, err = r.next.RetrieveCharge(ctx, id)
			return err
		})
		return out, err
	})
	if err != nil {
		return Charge{}, err
	}
	return v.(Charge), nil
}

func (r *Retrying) IssueRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	var out Refund
	err := r.do(ctx, "issue_refund", func(ctx context.Context) (err error) {
		out, err = r.next.IssueRefund(ctx, req)
		return err
	})
	return out, err
}

func (r *Retrying) do(ctx context.Context, op string, call func(ctx context.Context) error) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = r.cfg.InitialInterval
	policy.MaxInterval = r.cfg.MaxInterval
	policy.MaxElapsedTime = 0
	bounded := backoff.WithContext(backoff.WithMaxRetries(policy, uint64(r.cfg.MaxAttempts-1)), ctx)

	return backoff.Retry(func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
		start := time.Now()
		err := call(attemptCtx)
		if err != nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) && !errors.Is(err, ErrGatewayUnavailable) {
			err = errors.Join(ErrGatewayUnavailable, err)
		}
		r.metrics.ObserveGatewayCall(op, err, time.Since(start))
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrGatewayUnavailable) && ctx.Err() == nil {
			return err
		}
		return backoff.Permanent(err)
	}, bounded)
}
