package gateway

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

// Processor event types understood by the engine.
const (
	TypeCheckoutCompleted      = "checkout.session.completed"
	TypeCheckoutAsyncSucceeded = "checkout.session.async_payment_succeeded"
	TypeCheckoutAsyncFailed    = "checkout.session.async_payment_failed"
	TypeCheckoutExpired        = "checkout.session.expired"
	TypeChargeSucceeded        = "charge.succeeded"
	TypeChargeFailed           = "charge.failed"
	TypeRefundCreated          = "refund.created"
	TypeRefundUpdated          = "refund.updated"
	TypeRefundFailed           = "refund.failed"
)

// Envelope is the common header of every verified event.
type Envelope struct {
	ID      string
	Type    string
	Created time.Time
	// Raw is the verified event document, kept for anomaly records and
	// deferred re-processing.
	Raw json.RawMessage
}

func (e Envelope) envelope() Envelope { return e }

// Event is a closed set of typed variants. Use a type switch.
type Event interface {
	envelope() Envelope
}

// Header returns the envelope of any event.
func Header(ev Event) Envelope {
	return ev.envelope()
}

// CheckoutCompleted reports a finished checkout session. Session.Paid is
// false for delayed payment methods that settle later.
type CheckoutCompleted struct {
	Envelope
	Session CheckoutSession
}

// CheckoutExpired reports an abandoned checkout session.
type CheckoutExpired struct {
	Envelope
	Session CheckoutSession
}

// CheckoutFailed reports a delayed payment method that failed to settle.
type CheckoutFailed struct {
	Envelope
	Session CheckoutSession
}

// ChargeSucceeded reports a captured charge.
type ChargeSucceeded struct {
	Envelope
	Charge Charge
}

// ChargeFailed reports a declined charge.
type ChargeFailed struct {
	Envelope
	Charge Charge
}

// RefundCreated reports a refund created at the processor, either by this
// system or from the processor dashboard.
type RefundCreated struct {
	Envelope
	Refund Refund
}

// RefundUpdated reports a status change of an existing refund, including
// a refund that failed after it was created.
type RefundUpdated struct {
	Envelope
	Refund Refund
}

// Unsupported is any other verified event. It is acknowledged and ignored.
type Unsupported struct {
	Envelope
}

// InvoiceNumber extracts the invoice number carried in metadata, if any.
func InvoiceNumber(ev Event) string {
	switch e := ev.(type) {
	case CheckoutCompleted:
		return e.Session.InvoiceNumber
	case CheckoutExpired:
		return e.Session.InvoiceNumber
	case CheckoutFailed:
		return e.Session.InvoiceNumber
	case ChargeSucceeded:
		return e.Charge.InvoiceNumber
	case ChargeFailed:
		return e.Charge.InvoiceNumber
	case RefundCreated:
		return e.Refund.InvoiceNumber
	case RefundUpdated:
		return e.Refund.InvoiceNumber
	}
	return ""
}

// DecodeEvent converts a verified processor event into its typed variant.
func DecodeEvent(evt stripe.Event, raw []byte) (Event, error) {
	env := Envelope{ID: evt.ID, Type: string(evt.Type), Created: time.Unix(evt.Created, 0).UTC(), Raw: append(json.RawMessage(nil), raw...)}
	if env.ID == "" || env.Type == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	if evt.Data == nil || len(evt.Data.Raw) == 0 {
		if isKnownType(env.Type) {
			return nil, fmt.Errorf("%w: %s has no data object", ErrMalformedEvent, env.ID)
		}
		return Unsupported{Envelope: env}, nil
	}
	object := evt.Data.Raw

	switch env.Type {
	case TypeCheckoutCompleted, TypeCheckoutAsyncSucceeded, TypeCheckoutExpired, TypeCheckoutAsyncFailed:
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(object, &cs); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.ID, err)
		}
		session := sessionFromStripe(&cs)
		switch env.Type {
		case TypeCheckoutExpired:
			return CheckoutExpired{Envelope: env, Session: session}, nil
		case TypeCheckoutAsyncFailed:
			return CheckoutFailed{Envelope: env, Session: session}, nil
		}
		return CheckoutCompleted{Envelope: env, Session: session}, nil
	case TypeChargeSucceeded, TypeChargeFailed:
		var ch stripe.Charge
		if err := json.Unmarshal(object, &ch); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.ID, err)
		}
		charge := chargeFromStripe(&ch)
		if env.Type == TypeChargeFailed {
			return ChargeFailed{Envelope: env, Charge: charge}, nil
		}
		return ChargeSucceeded{Envelope: env, Charge: charge}, nil
	case TypeRefundCreated, TypeRefundUpdated, TypeRefundFailed:
		var rf stripe.Refund
		if err := json.Unmarshal(object, &rf); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.ID, err)
		}
		refund := refundFromStripe(&rf)
		switch env.Type {
		case TypeRefundUpdated:
			return RefundUpdated{Envelope: env, Refund: refund}, nil
		case TypeRefundFailed:
			if refund.Status == "" {
				refund.Status = string(stripe.RefundStatusFailed)
			}
			return RefundUpdated{Envelope: env, Refund: refund}, nil
		}
		return RefundCreated{Envelope: env, Refund: refund}, nil
	}
	return Unsupported{Envelope: env}, nil
}

// ParseVerified decodes an event document that was verified earlier, for
// example when re-processing a deferred event from the job queue.
func ParseVerified(raw []byte) (Event, error) {
	var evt stripe.Event
	if err := json.Unmarshal(raw, &evt); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return DecodeEvent(evt, raw)
}

func isKnownType(t string) bool {
	switch t {
	case TypeCheckoutCompleted, TypeCheckoutAsyncSucceeded, TypeCheckoutAsyncFailed, TypeCheckoutExpired,
		TypeChargeSucceeded, TypeChargeFailed, TypeRefundCreated, TypeRefundUpdated, TypeRefundFailed:
		return true
	}
	return false
}

func sessionFromStripe(cs *stripe.CheckoutSession) CheckoutSession {
	out := CheckoutSession{
		ID:            cs.ID,
		URL:           cs.URL,
		Status:        SessionStatus(cs.Status),
		Paid:          cs.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid,
		InvoiceNumber: metadataInvoice(cs.Metadata),
		AmountTotal:   cs.AmountTotal,
		Currency:      strings.ToUpper(string(cs.Currency)),
	}
	if out.InvoiceNumber == "" {
		out.InvoiceNumber = strings.TrimSpace(cs.ClientReferenceID)
	}
	if cs.PaymentIntent != nil {
		out.PaymentIntentID = cs.PaymentIntent.ID
	}
	if cs.ExpiresAt > 0 {
		out.ExpiresAt = time.Unix(cs.ExpiresAt, 0).UTC()
	}
	return out
}

func chargeFromStripe(ch *stripe.Charge) Charge {
	out := Charge{
		ID:             ch.ID,
		InvoiceNumber:  metadataInvoice(ch.Metadata),
		AmountCaptured: ch.AmountCaptured,
		AmountRefunded: ch.AmountRefunded,
		Currency:       strings.ToUpper(string(ch.Currency)),
		Succeeded:      ch.Paid && ch.Status == stripe.ChargeStatusSucceeded,
		ReceiptURL:     ch.ReceiptURL,
		FailureMessage: ch.FailureMessage,
		Method:         ledger.Method{Type: ledger.MethodCard},
	}
	if ch.PaymentIntent != nil {
		out.PaymentIntentID = ch.PaymentIntent.ID
	}
	if d := ch.PaymentMethodDetails; d != nil && d.Card != nil {
		out.Method.Brand = string(d.Card.Brand)
		out.Method.Last4 = d.Card.Last4
	}
	return out
}

func refundFromStripe(rf *stripe.Refund) Refund {
	out := Refund{
		ID:            rf.ID,
		Status:        string(rf.Status),
		InvoiceNumber: metadataInvoice(rf.Metadata),
		AmountMinor:   rf.Amount,
		Currency:      strings.ToUpper(string(rf.Currency)),
		Reason:        string(rf.Reason),
	}
	if rf.Charge != nil {
		out.ChargeID = rf.Charge.ID
		if out.InvoiceNumber == "" {
			out.InvoiceNumber = metadataInvoice(rf.Charge.Metadata)
		}
	}
	if rf.PaymentIntent != nil {
		out.PaymentIntentID = rf.PaymentIntent.ID
	}
	return out
}

func metadataInvoice(md map[string]string) string {
	if md == nil {
		return ""
	}
	return strings.TrimSpace(md[MetadataInvoiceNumber])
}
