package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Billing groups the collectors of the billing engine. A nil *Billing is a
// valid no-op recorder.
type Billing struct {
	allocations  *prometheus.CounterVec
	transitions  *prometheus.CounterVec
	auditErrors  prometheus.Counter
	webhooks     *prometheus.CounterVec
	anomalies    *prometheus.CounterVec
	gatewayCalls *prometheus.CounterVec
	gatewayTime  *prometheus.HistogramVec
}

var (
	defaultBillingOnce sync.Once
	defaultBilling     *Billing
)

// NewBilling registers billing collectors against registerer, or the default
// Prometheus registerer when nil.
func NewBilling(registerer prometheus.Registerer) *Billing {
	if registerer == nil {
		defaultBillingOnce.Do(func() {
			defaultBilling = buildBilling(prometheus.DefaultRegisterer)
		})
		return defaultBilling
	}
	return buildBilling(registerer)
}

// ObserveAllocation counts invoice number allocations by outcome
// (issued, retried, exhausted).
func (b *Billing) ObserveAllocation(outcome string) {
	if b == nil {
		return
	}
	b.allocations.WithLabelValues(outcome).Inc()
}

// ObserveTransition counts state machine outcomes.
func (b *Billing) ObserveTransition(from, to, source, outcome string) {
	if b == nil {
		return
	}
	b.transitions.WithLabelValues(from, to, source, outcome).Inc()
}

// ObserveAuditFailure counts degraded transitions whose audit append failed.
func (b *Billing) ObserveAuditFailure() {
	if b == nil {
		return
	}
	b.auditErrors.Inc()
}

// ObserveWebhook counts processed gateway events by type and outcome.
func (b *Billing) ObserveWebhook(eventType, outcome string) {
	if b == nil {
		return
	}
	b.webhooks.WithLabelValues(eventType, outcome).Inc()
}

// ObserveAnomaly counts entries written to the anomaly log.
func (b *Billing) ObserveAnomaly(kind string) {
	if b == nil {
		return
	}
	b.anomalies.WithLabelValues(kind).Inc()
}

// ObserveGatewayCall records one gateway operation attempt.
func (b *Billing) ObserveGatewayCall(op string, err error, elapsed time.Duration) {
	if b == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	b.gatewayCalls.WithLabelValues(op, status).Inc()
	b.gatewayTime.WithLabelValues(op).Observe(elapsed.Seconds())
}

func buildBilling(registerer prometheus.Registerer) *Billing {
	b := &Billing{
		allocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwardly_billing_invoice_allocations_total",
			Help: "Invoice number allocations partitioned by outcome.",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwardly_billing_transitions_total",
			Help: "Payment state machine outcomes by edge, source and result.",
		}, []string{"from", "to", "source", "outcome"}),
		auditErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "forwardly_billing_audit_failures_total",
			Help: "Transitions committed while the audit append failed.",
		}),
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwardly_billing_webhook_events_total",
			Help: "Gateway events processed by type and outcome.",
		}, []string{"type", "outcome"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwardly_billing_anomalies_total",
			Help: "Reconciliation anomalies routed to the operator log.",
		}, []string{"kind"}),
		gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "forwardly_billing_gateway_calls_total",
			Help: "Payment gateway call attempts by operation and status.",
		}, []string{"op", "status"}),
		gatewayTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "forwardly_billing_gateway_call_duration_seconds",
			Help:    "Latency of payment gateway calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
	}
	registerer.MustRegister(b.allocations, b.transitions, b.auditErrors, b.webhooks, b.anomalies, b.gatewayCalls, b.gatewayTime)
	return b
}
