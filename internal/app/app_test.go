package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/forwardly/forwardly/internal/billing/payment"
	"github.com/forwardly/forwardly/internal/observability"
	_ "github.com/forwardly/forwardly/testing"
)

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_1")
	t.Setenv("STRIPE_WEBHOOK_SECRET", "whsec_1")
	t.Setenv("BILLING_REFUND_POLICY", "full")

	cfg, err := LoadConfig()
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.AppAddr)
	require.Equal(t, 3, cfg.GatewayMaxAttempts)
	require.Equal(t, "*/15 * * * *", cfg.BillingSweepCron)

	policy, err := cfg.RefundPolicy()
	require.NoError(t, err)
	require.Equal(t, payment.RefundPolicyFull, policy)

	loc, err := cfg.Location()
	require.NoError(t, err)
	require.Equal(t, "UTC", loc.String())
}

func TestConfigValidateRejectsBadValues(t *testing.T) {
	base := Config{StripeSecretKey: "sk", StripeWebhookSecret: "whsec", BillingTimezone: "UTC", GatewayMaxAttempts: 1}
	require.NoError(t, base.Validate())

	bad := base
	bad.BillingRefundPolicy = "half"
	require.Error(t, bad.Validate())

	bad = base
	bad.BillingTimezone = "Mars/Olympus"
	require.Error(t, bad.Validate())

	bad = base
	bad.StripeWebhookSecret = ""
	require.Error(t, bad.Validate())

	bad = base
	bad.GatewayMaxAttempts = 0
	require.Error(t, bad.Validate())
}

func TestInTestMode(t *testing.T) {
	RefreshTestMode()
	require.True(t, InTestMode())
}

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&Config{LogFormat: "json", LogLevel: "warn", AppEnv: "staging"}, &buf)
	logger.Info("hidden")
	logger.Warn("shown", "invoice_number", "INV-20250131-0001")

	require.NotContains(t, buf.String(), "hidden")
	var line map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &line))
	require.Equal(t, "shown", line["msg"])
	require.Equal(t, "staging", line["env"])
}

func TestRouterHealthAndMetrics(t *testing.T) {
	metrics := observability.NewMetrics()
	healthy := true
	router := NewRouter(RouterParams{
		Config:  &Config{AppEnv: "test"},
		Metrics: metrics,
		Health: []HealthCheck{{Name: "postgres", Check: func(context.Context) error {
			if healthy {
				return nil
			}
			return errors.New("connection refused")
		}}},
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"ok","postgres":"ok"}`, rec.Body.String())
	require.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	healthy = false
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.JSONEq(t, `{"status":"degraded","postgres":"down"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, strings.Contains(rec.Body.String(), `forwardly_http_requests_total{code="503",route="/healthz"} 1`))
}

func TestWebhookRateLimitAnswersProblem(t *testing.T) {
	limited := WebhookRateLimit(1)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	rec := httptest.NewRecorder()
	limited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	limited.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/webhooks/stripe", nil))
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
}
