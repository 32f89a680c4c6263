package app

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/forwardly/forwardly/internal/billing"
	"github.com/forwardly/forwardly/internal/observability"
	"github.com/forwardly/forwardly/internal/platform/httpx"
	"github.com/forwardly/forwardly/jobs"
)

// HealthCheck probes one backing service for /healthz.
type HealthCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	BillingHandler *billing.Handler
	JobHandler     *jobs.Handler
	Metrics        *observability.Metrics
	Health         []HealthCheck
}

// NewRouter constructs the chi.Router with Forwardly defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", healthHandler(params.Logger, params.Health))

	if params.BillingHandler != nil {
		r.Route("/billing", func(r chi.Router) {
			r.Use(AdminRateLimit())
			params.BillingHandler.MountRoutes(r)
		})
		webhookLimit := 0
		if params.Config != nil {
			webhookLimit = params.Config.WebhookRateLimit
		}
		r.Route("/webhooks", func(r chi.Router) {
			r.Use(WebhookRateLimit(webhookLimit))
			params.BillingHandler.MountWebhooks(r)
		})
	}
	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}

func healthHandler(logger *slog.Logger, checks []HealthCheck) http.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		status := map[string]string{"status": "ok"}
		code := http.StatusOK
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			if err := c.Check(ctx); err != nil {
				logger.Warn("health check failed", slog.String("check", c.Name), slog.Any("error", err))
				status[c.Name] = "down"
				status["status"] = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			status[c.Name] = "ok"
		}
		httpx.JSON(w, code, status)
	}
}
