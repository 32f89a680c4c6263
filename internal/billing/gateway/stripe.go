package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
)

// StripeConfig configures the Stripe adapter.
type StripeConfig struct {
	SecretKey  string
	SuccessURL string
	CancelURL  string
	Timeout    time.Duration
	// APIURL overrides the API endpoint, for stripe-mock or a test server.
	APIURL string
}

// Stripe implements Gateway on the Stripe API. Network retries are disabled
// in the SDK; Retrying owns the retry policy.
type Stripe struct {
	api        *client.API
	successURL string
	cancelURL  string
}

// NewStripe builds the adapter.
func NewStripe(cfg StripeConfig, logger *slog.Logger) (*Stripe, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("gateway: stripe secret key required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := &http.Client{Timeout: cfg.Timeout}
	leveled := slogLeveled{logger: logger.With(slog.String("component", "stripe"))}
	// GetBackendWithConfig fills in the URL of the config it is given, so each
	// backend needs its own.
	backendCfg := func() *stripe.BackendConfig {
		return &stripe.BackendConfig{
			HTTPClient:        httpClient,
			MaxNetworkRetries: stripe.Int64(0),
			LeveledLogger:     leveled,
		}
	}
	apiCfg := backendCfg()
	if cfg.APIURL != "" {
		apiCfg.URL = stripe.String(cfg.APIURL)
	}
	backends := &stripe.Backends{
		API:     stripe.GetBackendWithConfig(stripe.APIBackend, apiCfg),
		Connect: stripe.GetBackendWithConfig(stripe.ConnectBackend, backendCfg()),
		Uploads: stripe.GetBackendWithConfig(stripe.UploadsBackend, backendCfg()),
	}
	return &Stripe{
		api:        client.New(cfg.SecretKey, backends),
		successURL: cfg.SuccessURL,
		cancelURL:  cfg.CancelURL,
	}, nil
}

var _ Gateway = (*Stripe)(nil)

// CreateCheckoutSession opens a hosted checkout. Every parameter is derived
// from req so a replay under the same idempotency key sends the same body;
// the session keeps the processor's default expiry.
func (s *Stripe) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(req.InvoiceNumber),
		SuccessURL:        stripe.String(s.successURL),
		CancelURL:         stripe.String(s.cancelURL),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Quantity: stripe.Int64(1),
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(req.Currency)),
				UnitAmount: stripe.Int64(req.AmountMinor),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(productName(req)),
				},
			},
		}},
		PaymentIntentData: &stripe.CheckoutSessionPaymentIntentDataParams{
			Metadata: map[string]string{MetadataInvoiceNumber: req.InvoiceNumber},
		},
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	params.Context = ctx
	params.AddMetadata(MetadataInvoiceNumber, req.InvoiceNumber)
	params.SetIdempotencyKey(req.IdempotencyKey)

	cs, err := s.api.CheckoutSessions.New(params)
	if err != nil {
		return CheckoutSession{}, classify("create checkout session", err)
	}
	return sessionFromStripe(cs), nil
}

func (s *Stripe) RetrieveCheckoutSession(ctx context.Context, id string) (CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	cs, err := s.api.CheckoutSessions.Get(id, params)
	if err != nil {
		return CheckoutSession{}, classify("retrieve checkout session", err)
	}
	return sessionFromStripe(cs), nil
}

func (s *Stripe) RetrieveCharge(ctx context.Context, id string) (Charge, error) {
	params := &stripe.ChargeParams{}
	params.Context = ctx
	ch, err := s.api.Charges.Get(id, params)
	if err != nil {
		return Charge{}, classify("retrieve charge", err)
	}
	return chargeFromStripe(ch), nil
}

func (s *Stripe) IssueRefund(ctx context.Context, req RefundRequest) (Refund, error) {
	params := &stripe.RefundParams{
		Amount: stripe.Int64(req.AmountMinor),
	}
	switch {
	case req.ChargeID != "":
		params.Charge = stripe.String(req.ChargeID)
	case req.PaymentIntentID != "":
		params.PaymentIntent = stripe.String(req.PaymentIntentID)
	default:
		return Refund{}, fmt.Errorf("%w: refund needs a charge or payment intent", ErrGatewayRejected)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = stripe.String(reason)
	}
	params.Context = ctx
	params.AddMetadata(MetadataInvoiceNumber, req.InvoiceNumber)
	if req.Reason != "" {
		params.AddMetadata("note", req.Reason)
	}
	params.SetIdempotencyKey(req.IdempotencyKey)

	rf, err := s.api.Refunds.New(params)
	if err != nil {
		return Refund{}, classify("issue refund", err)
	}
	out := refundFromStripe(rf)
	if out.InvoiceNumber == "" {
		out.InvoiceNumber = req.InvoiceNumber
	}
	return out, nil
}

func productName(req CheckoutRequest) string {
	if d := strings.TrimSpace(req.Description); d != "" {
		return req.InvoiceNumber + " " + d
	}
	return req.InvoiceNumber
}

// refundReason maps free text onto the processor's enumerated reasons.
func refundReason(text string) string {
	t := strings.ToLower(text)
	switch {
	case strings.Contains(t, "duplicate"):
		return string(stripe.RefundReasonDuplicate)
	case strings.Contains(t, "fraud"):
		return string(stripe.RefundReasonFraudulent)
	case t != "":
		return string(stripe.RefundReasonRequestedByCustomer)
	}
	return ""
}

// classify maps SDK errors onto the gateway sentinels.
func classify(op string, err error) error {
	var se *stripe.Error
	if errors.As(err, &se) {
		switch {
		case se.HTTPStatusCode == http.StatusTooManyRequests,
			se.HTTPStatusCode >= http.StatusInternalServerError,
			se.Type == stripe.ErrorTypeAPI:
			return fmt.Errorf("%w: %s: %s", ErrGatewayUnavailable, op, se.Msg)
		case se.HTTPStatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %s: %s", ErrNotFound, op, se.Msg)
		case se.Type == stripe.ErrorTypeIdempotency:
			return fmt.Errorf("%w: %s: idempotency key reused with different parameters", ErrGatewayRejected, op)
		}
		return fmt.Errorf("%w: %s: %s", ErrGatewayRejected, op, se.Msg)
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %s: %v", ErrGatewayUnavailable, op, err)
}

// slogLeveled adapts slog to the SDK's leveled logger.
type slogLeveled struct {
	logger *slog.Logger
}

func (l slogLeveled) Debugf(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l slogLeveled) Infof(format string, v ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, v...))
}

func (l slogLeveled) Warnf(format string, v ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, v...))
}

func (l slogLeveled) Errorf(format string, v ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, v...))
}
