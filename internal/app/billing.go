package app

import (
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/forwardly/forwardly/internal/billing"
	"github.com/forwardly/forwardly/internal/billing/audit"
	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/billing/payment"
	"github.com/forwardly/forwardly/internal/billing/reconcile"
	"github.com/forwardly/forwardly/internal/billing/sequence"
	"github.com/forwardly/forwardly/internal/mail"
	"github.com/forwardly/forwardly/internal/observability"
	"github.com/forwardly/forwardly/internal/owners"
	"github.com/forwardly/forwardly/jobs"
)

// BillingDeps are the infrastructure handles the billing module runs on.
// Queue is optional; without it notifications and deferred re-attempts are
// disabled.
type BillingDeps struct {
	Config     *Config
	Logger     *slog.Logger
	Pool       *pgxpool.Pool
	Redis      *redis.Client
	Queue      *jobs.Client
	Registerer prometheus.Registerer
}

// Billing bundles the wired billing components.
type Billing struct {
	Service   *billing.Service
	Engine    *reconcile.Engine
	Handler   *billing.Handler
	Allocator *sequence.Allocator
}

// NewBilling wires the billing module on Postgres, Redis and Stripe.
func NewBilling(deps BillingDeps) (*Billing, error) {
	if deps.Config == nil || deps.Pool == nil {
		return nil, errors.New("app: billing needs config and database pool")
	}
	cfg := deps.Config
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	policy, err := cfg.RefundPolicy()
	if err != nil {
		return nil, err
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	metrics := observability.NewBilling(deps.Registerer)

	stripeGateway, err := gateway.NewStripe(gateway.StripeConfig{
		SecretKey:  cfg.StripeSecretKey,
		SuccessURL: cfg.CheckoutSuccessURL,
		CancelURL:  cfg.CheckoutCancelURL,
		Timeout:    cfg.GatewayTimeout,
		APIURL:     cfg.StripeAPIURL,
	}, logger)
	if err != nil {
		return nil, err
	}
	gw := gateway.NewRetrying(stripeGateway, gateway.RetryConfig{
		MaxAttempts: cfg.GatewayMaxAttempts,
		Timeout:     cfg.GatewayTimeout,
	}, metrics)

	entries := ledger.NewRepository(deps.Pool)
	trail := audit.NewRepository(deps.Pool)
	anomalies := audit.NewAnomalyRepository(deps.Pool)
	directory := owners.NewRepository(deps.Pool)

	var notifier *mail.Notifier
	var deferrer reconcile.Deferrer
	if deps.Queue != nil {
		notifier = mail.NewNotifier(directory, deps.Queue, logger)
		deferrer = deps.Queue
	}

	machineOpts := []payment.Option{
		payment.WithRefundPolicy(policy),
		payment.WithMetrics(metrics),
		payment.WithLogger(logger),
	}
	if notifier != nil {
		machineOpts = append(machineOpts, payment.WithObserver(notifier))
	}
	machine := payment.NewMachine(entries, entries, trail, machineOpts...)

	allocator := sequence.NewAllocator(sequence.NewRepository(deps.Pool), entries,
		sequence.WithLocation(loc),
		sequence.WithMetrics(metrics),
		sequence.WithLogger(logger),
	)

	var claims reconcile.Claims
	if deps.Redis != nil {
		claims = reconcile.NewRedisClaims(deps.Redis, cfg.WebhookClaimTTL)
	}
	engine := reconcile.NewEngine(reconcile.Dependencies{
		Entries:   entries,
		Machine:   machine,
		Trail:     trail,
		Anomalies: anomalies,
		Gateway:   gw,
		Claims:    claims,
		Deferrer:  deferrer,
		Metrics:   metrics,
		Logger:    logger,
	})

	serviceDeps := billing.Dependencies{
		Entries:   entries,
		Creator:   entries,
		Allocator: allocator,
		Machine:   machine,
		Trail:     trail,
		Anomalies: anomalies,
		Gateway:   gw,
		Verifier:  gateway.NewStripeVerifier(cfg.StripeWebhookSecret, cfg.WebhookTolerance),
		Engine:    engine,
		Directory: directory,
		Logger:    logger,
	}
	if notifier != nil {
		serviceDeps.Notifier = notifier
	}
	service := billing.NewService(serviceDeps)

	return &Billing{
		Service:   service,
		Engine:    engine,
		Handler:   billing.NewHandler(logger, service),
		Allocator: allocator,
	}, nil
}
