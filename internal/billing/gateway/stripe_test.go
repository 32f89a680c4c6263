package gateway

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// stripeServer answers checkout session creation and enforces that a
// repeated idempotency key carries the same form body.
type stripeServer struct {
	mu     sync.Mutex
	bodies map[string]string
	posts  int
}

func (s *stripeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/checkout/sessions") {
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `{"error":{"type":"invalid_request_error","message":"no such route"}}`)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := r.Header.Get("Idempotency-Key")
	body := r.PostForm.Encode()

	s.mu.Lock()
	s.posts++
	prev, seen := s.bodies[key]
	if !seen {
		s.bodies[key] = body
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if seen && prev != body {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"error":{"type":"idempotency_error","message":"Keys for idempotent requests can only be used with the same parameters they were first used with."}}`)
		return
	}
	_, _ = fmt.Fprintf(w, `{"id":"cs_1","object":"checkout.session","url":"https://checkout.stripe.test/cs_1","status":"open","payment_status":"unpaid","amount_total":10000,"currency":"aed","metadata":{"invoice_number":%q}}`, r.PostForm.Get("metadata[invoice_number]"))
}

func (s *stripeServer) body(key string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bodies[key]
}

func newStripeTestServer(t *testing.T) (*stripeServer, *Stripe) {
	t.Helper()
	srv := &stripeServer{bodies: make(map[string]string)}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	gw, err := NewStripe(StripeConfig{
		SecretKey:  "sk_test_1",
		SuccessURL: "https://shop.test/success",
		CancelURL:  "https://shop.test/cancel",
		APIURL:     ts.URL,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return srv, gw
}

func TestStripeCheckoutReplaySendsSameBody(t *testing.T) {
	srv, gw := newStripeTestServer(t)
	ctx := context.Background()
	req := CheckoutRequest{
		InvoiceNumber:  "INV-20250131-0001",
		Description:    "Freight",
		AmountMinor:    10000,
		Currency:       "AED",
		IdempotencyKey: CheckoutKey("INV-20250131-0001", 1),
	}

	first, err := gw.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	require.Equal(t, "cs_1", first.ID)
	require.Equal(t, "INV-20250131-0001", first.InvoiceNumber)

	second, err := gw.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)
	require.Equal(t, 2, srv.posts)

	body := srv.body(req.IdempotencyKey)
	require.NotContains(t, body, "expires_at")
	require.Contains(t, body, "client_reference_id=INV-20250131-0001")
}

func TestStripeIdempotencyErrorIsRejected(t *testing.T) {
	_, gw := newStripeTestServer(t)
	ctx := context.Background()
	req := CheckoutRequest{
		InvoiceNumber:  "INV-20250131-0001",
		AmountMinor:    10000,
		Currency:       "AED",
		IdempotencyKey: CheckoutKey("INV-20250131-0001", 1),
	}
	_, err := gw.CreateCheckoutSession(ctx, req)
	require.NoError(t, err)

	req.AmountMinor = 12000
	_, err = gw.CreateCheckoutSession(ctx, req)
	require.ErrorIs(t, err, ErrGatewayRejected)
}
