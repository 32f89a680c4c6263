package billing

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/forwardly/forwardly/internal/billing/gateway"
	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/billing/payment"
	"github.com/forwardly/forwardly/internal/billing/reconcile"
	"github.com/forwardly/forwardly/internal/billing/sequence"
	"github.com/forwardly/forwardly/internal/platform/httpx"
)

const maxWebhookBytes = 64 << 10

var errorRules = []httpx.Rule{
	{Target: ledger.ErrNotFound, Status: http.StatusNotFound, Title: "Not Found"},
	{Target: ledger.ErrValidation, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: payment.ErrInvalidRequest, Status: http.StatusBadRequest, Title: "Validation Failed"},
	{Target: payment.ErrInvalidTransition, Status: http.StatusUnprocessableEntity, Title: "Invalid Transition"},
	{Target: payment.ErrInvalidRefundAmount, Status: http.StatusUnprocessableEntity, Title: "Invalid Refund Amount"},
	{Target: ErrCheckoutUnavailable, Status: http.StatusUnprocessableEntity, Title: "Checkout Unavailable"},
	{Target: sequence.ErrAllocationExhausted, Status: http.StatusConflict, Title: "Allocation Exhausted", RetryAfter: time.Second},
	{Target: ledger.ErrVersionConflict, Status: http.StatusConflict, Title: "Concurrent Update", RetryAfter: time.Second},
	{Target: reconcile.ErrEventInFlight, Status: http.StatusConflict, Title: "Event In Flight", RetryAfter: 30 * time.Second},
	{Target: gateway.ErrInvalidSignature, Status: http.StatusBadRequest, Title: "Unverified Webhook"},
	{Target: gateway.ErrMalformedEvent, Status: http.StatusBadRequest, Title: "Malformed Event"},
	{Target: gateway.ErrGatewayUnavailable, Status: http.StatusServiceUnavailable, Title: "Gateway Unavailable", RetryAfter: 30 * time.Second},
	{Target: gateway.ErrGatewayRejected, Status: http.StatusBadGateway, Title: "Gateway Rejected"},
}

// Handler exposes the billing admin API and the gateway webhook.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers the admin routes under /billing.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Post("/charges", h.createCharge)
	r.Get("/entries", h.listEntries)
	r.Route("/entries/{invoice}", func(r chi.Router) {
		r.Get("/", h.getEntry)
		r.Get("/audit", h.auditTrail)
		r.Post("/transition", h.transition)
		r.Post("/refund", h.refund)
		r.Post("/checkout", h.resumeCheckout)
	})
	r.Get("/anomalies", h.anomalies)
}

// MountWebhooks registers the processor webhook under /webhooks.
func (h *Handler) MountWebhooks(r chi.Router) {
	r.Post("/stripe", h.stripeWebhook)
}

func (h *Handler) createCharge(w http.ResponseWriter, r *http.Request) {
	var in CreateChargeInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		h.fail(w, r, err)
		return
	}
	in.Source = payment.SourceAdmin
	res, err := h.service.CreateCharge(r.Context(), in)
	if err != nil {
		if errors.Is(err, gateway.ErrGatewayUnavailable) && res.Entry.InvoiceNumber != "" {
			w.Header().Set("Location", "/billing/entries/"+res.Entry.InvoiceNumber)
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

func (h *Handler) listEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ledger.Filter{OwnerID: q.Get("owner_id")}
	if raw := q.Get("status"); raw != "" {
		status, err := ledger.ParseStatus(raw)
		if err != nil {
			h.fail(w, r, err)
			return
		}
		filter.Status = status
	}
	var err error
	if filter.Limit, err = intParam(q.Get("limit")); err != nil {
		h.fail(w, r, err)
		return
	}
	if filter.Offset, err = intParam(q.Get("offset")); err != nil {
		h.fail(w, r, err)
		return
	}
	entries, err := h.service.ListEntries(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []ledger.Entry{}
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) getEntry(w http.ResponseWriter, r *http.Request) {
	entry, err := h.service.GetEntry(r.Context(), chi.URLParam(r, "invoice"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, entry)
}

func (h *Handler) auditTrail(w http.ResponseWriter, r *http.Request) {
	events, err := h.service.AuditTrail(r.Context(), chi.URLParam(r, "invoice"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"events": events})
}

type transitionRequest struct {
	Status string `json:"status"`
	Reason string `json:"reason"`
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request) {
	var body transitionRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	target, err := ledger.ParseStatus(body.Status)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.ApplyAdminTransition(r.Context(), chi.URLParam(r, "invoice"), target, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

type refundRequest struct {
	AmountMinor int64  `json:"amount_minor"`
	Reason      string `json:"reason"`
}

func (h *Handler) refund(w http.ResponseWriter, r *http.Request) {
	var body refundRequest
	if err := httpx.DecodeJSON(r, &body); err != nil {
		h.fail(w, r, err)
		return
	}
	res, err := h.service.RequestRefund(r.Context(), chi.URLParam(r, "invoice"), body.AmountMinor, body.Reason)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) resumeCheckout(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ResumeCheckout(r.Context(), chi.URLParam(r, "invoice"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, res)
}

func (h *Handler) anomalies(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	items, err := h.service.Anomalies(r.Context(), limit)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"anomalies": items})
}

func (h *Handler) stripeWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		httpx.Problem(w, http.StatusRequestEntityTooLarge, "Payload Too Large", "")
		return
	}
	report, err := h.service.HandleGatewayWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, gateway.ErrInvalidSignature) {
			h.logger.Warn("rejected unverified webhook",
				slog.String("remote_addr", r.RemoteAddr), slog.Any("error", err))
		}
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := httpx.RespondError(w, err, errorRules...)
	if status >= http.StatusInternalServerError {
		h.logger.Error("billing request failed",
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", status),
			slog.Any("error", err))
	}
}

func intParam(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, httpx.ErrValidation
	}
	return n, nil
}
