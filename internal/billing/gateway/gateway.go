// Package gateway is the port to the external payment processor: checkout
// sessions, charges, refunds and verified webhook events.
package gateway

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

var (
	// ErrGatewayUnavailable marks network failures, timeouts, throttling and
	// processor-side 5xx responses. These are retryable.
	ErrGatewayUnavailable = errors.New("gateway: unavailable")
	// ErrGatewayRejected marks requests the processor refused. Not retryable.
	ErrGatewayRejected = errors.New("gateway: request rejected")
	// ErrNotFound indicates an unknown object id at the processor.
	ErrNotFound = errors.New("gateway: object not found")
	// ErrInvalidSignature rejects webhook payloads that fail verification.
	ErrInvalidSignature = errors.New("gateway: webhook signature invalid")
	// ErrMalformedEvent rejects verified payloads that cannot be decoded.
	ErrMalformedEvent = errors.New("gateway: malformed event")
)

// MetadataInvoiceNumber is the metadata key carrying the invoice number on
// every object created by this system.
const MetadataInvoiceNumber = "invoice_number"

// SessionStatus mirrors the processor's checkout session status.
type SessionStatus string

const (
	SessionOpen     SessionStatus = "open"
	SessionComplete SessionStatus = "complete"
	SessionExpired  SessionStatus = "expired"
)

// CheckoutRequest creates a hosted checkout session for one entry.
type CheckoutRequest struct {
	InvoiceNumber  string
	Description    string
	AmountMinor    int64
	Currency       string
	CustomerEmail  string
	IdempotencyKey string
}

// CheckoutSession is the processor's view of a checkout session.
type CheckoutSession struct {
	ID              string
	URL             string
	Status          SessionStatus
	Paid            bool
	PaymentIntentID string
	InvoiceNumber   string
	AmountTotal     int64
	Currency        string
	ExpiresAt       time.Time
}

// Charge is the processor's view of a charge.
type Charge struct {
	ID              string
	PaymentIntentID string
	InvoiceNumber   string
	AmountCaptured  int64
	AmountRefunded  int64
	Currency        string
	Succeeded       bool
	Method          ledger.Method
	ReceiptURL      string
	FailureMessage  string
}

// RefundRequest returns money on a charge or payment intent.
type RefundRequest struct {
	InvoiceNumber   string
	ChargeID        string
	PaymentIntentID string
	AmountMinor     int64
	Reason          string
	IdempotencyKey  string
}

// Refund is the processor's view of a refund.
type Refund struct {
	ID              string
	Status          string
	ChargeID        string
	PaymentIntentID string
	InvoiceNumber   string
	AmountMinor     int64
	Currency        string
	Reason          string
}

// Gateway is the outbound port. Every mutating call carries a caller
// supplied idempotency key derived from the invoice number.
type Gateway interface {
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (CheckoutSession, error)
	RetrieveCheckoutSession(ctx context.Context, id string) (CheckoutSession, error)
	RetrieveCharge(ctx context.Context, id string) (Charge, error)
	IssueRefund(ctx context.Context, req RefundRequest) (Refund, error)
}

// CheckoutKey is the idempotency key of the n-th checkout session of an invoice.
func CheckoutKey(invoiceNumber string, attempt int) string {
	return "checkout:" + invoiceNumber + ":" + strconv.Itoa(attempt)
}

// RefundKey keys a refund on the cumulative refunded total it produces, so a
// retried admin request reuses the processor's refund.
func RefundKey(invoiceNumber string, cumulativeMinor int64) string {
	return "refund:" + invoiceNumber + ":" + strconv.FormatInt(cumulativeMinor, 10)
}
