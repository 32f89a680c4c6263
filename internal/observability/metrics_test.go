package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rr.Code)
	}
	return rr.Body.String()
}

func TestMetricsHandlerExposesRuntimeMetrics(t *testing.T) {
	body := scrape(t, NewMetrics())
	if !strings.Contains(body, "go_goroutines") {
		t.Fatalf("expected body to contain go_goroutines, got: %s", body)
	}
}

func TestMetricsMiddlewareRecordsRequest(t *testing.T) {
	metrics := NewMetrics()

	handler := metrics.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	routeCtx := chi.NewRouteContext()
	routeCtx.RoutePatterns = append(routeCtx.RoutePatterns, "/billing/entries/{invoice}")

	req := httptest.NewRequest(http.MethodGet, "/billing/entries/INV-20250131-0001", nil)
	ctx := context.WithValue(req.Context(), chi.RouteCtxKey, routeCtx)
	req = req.WithContext(ctx)

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusTeapot {
		t.Fatalf("expected status %d, got %d", http.StatusTeapot, rr.Code)
	}

	body := scrape(t, metrics)
	if !strings.Contains(body, `forwardly_http_requests_total{code="418",route="/billing/entries/{invoice}"} 1`) {
		t.Fatalf("expected metrics to record request, got: %s", body)
	}
	if !strings.Contains(body, `forwardly_http_request_duration_seconds_bucket{route="/billing/entries/{invoice}"`) {
		t.Fatalf("expected duration histogram to be present, got: %s", body)
	}
}

func TestBillingCollectorsShareRegistry(t *testing.T) {
	metrics := NewMetrics()
	billing := NewBilling(metrics.Registerer())

	billing.ObserveTransition("pending", "succeeded", "webhook", "applied")
	billing.ObserveAnomaly("out_of_order")
	billing.ObserveGatewayCall("create_checkout_session", errors.New("timeout"), 20*time.Millisecond)
	billing.ObserveAuditFailure()

	body := scrape(t, metrics)
	for _, want := range []string{
		`forwardly_billing_transitions_total{from="pending",outcome="applied",source="webhook",to="succeeded"} 1`,
		`forwardly_billing_anomalies_total{kind="out_of_order"} 1`,
		`forwardly_billing_gateway_calls_total{op="create_checkout_session",status="error"} 1`,
		`forwardly_billing_audit_failures_total 1`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("expected %q in metrics, got: %s", want, body)
		}
	}
}

func TestNilBillingIsNoop(t *testing.T) {
	var billing *Billing
	billing.ObserveAllocation("issued")
	billing.ObserveWebhook("refund.created", "applied")
}
