package ledger

import (
	"fmt"
	"strings"
	"time"
)

// Status enumerates the payment status of a ledger entry.
type Status string

const (
	StatusPending   Status = "pending"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusRefunded  Status = "refunded"
)

// Statuses returns every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusPending, StatusSucceeded, StatusFailed, StatusRefunded}
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSucceeded, StatusFailed, StatusRefunded:
		return true
	}
	return false
}

// ParseStatus converts user input into a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrValidation, raw)
	}
	return s, nil
}

// MethodType is the tag of the payment method snapshot.
type MethodType string

const (
	MethodCard   MethodType = "card"
	MethodPayPal MethodType = "paypal"
	MethodWire   MethodType = "wire"
)

// Method is a snapshot of the payment method used for a charge. It is never a
// live reference to a stored payment method.
type Method struct {
	Type  MethodType `json:"type" validate:"required,oneof=card paypal wire"`
	Brand string     `json:"brand,omitempty" validate:"max=32"`
	Last4 string     `json:"last4,omitempty" validate:"omitempty,len=4,numeric"`
	Label string     `json:"label,omitempty" validate:"max=120"`
}

// Online reports whether the method settles through the payment gateway.
func (m Method) Online() bool {
	return m.Type == MethodCard
}

// OwnerRef weakly references the billed party.
type OwnerRef struct {
	Kind string `json:"kind" validate:"required,oneof=user account"`
	ID   string `json:"id" validate:"required,max=64"`
}

func (o OwnerRef) String() string {
	return o.Kind + ":" + o.ID
}

// Correlation holds external gateway identifiers for an entry.
type Correlation struct {
	SessionID       string `json:"session_id,omitempty"`
	CheckoutURL     string `json:"checkout_url,omitempty"`
	SessionAttempts int    `json:"session_attempts,omitempty"`
	PaymentIntentID string `json:"payment_intent_id,omitempty"`
	ChargeID        string `json:"charge_id,omitempty"`
	ReceiptURL      string `json:"receipt_url,omitempty"`
}

// Matches reports whether id equals any stored gateway identifier.
func (c Correlation) Matches(id string) bool {
	if id == "" {
		return false
	}
	return c.SessionID == id || c.PaymentIntentID == id || c.ChargeID == id
}

// Merge overlays the non-empty fields of other onto c.
func (c Correlation) Merge(other Correlation) Correlation {
	if other.SessionID != "" {
		c.SessionID = other.SessionID
	}
	if other.CheckoutURL != "" {
		c.CheckoutURL = other.CheckoutURL
	}
	if other.SessionAttempts > c.SessionAttempts {
		c.SessionAttempts = other.SessionAttempts
	}
	if other.PaymentIntentID != "" {
		c.PaymentIntentID = other.PaymentIntentID
	}
	if other.ChargeID != "" {
		c.ChargeID = other.ChargeID
	}
	if other.ReceiptURL != "" {
		c.ReceiptURL = other.ReceiptURL
	}
	return c
}

// Refund records one applied refund on the entry document.
type Refund struct {
	RefundID    string    `json:"refund_id"`
	AmountMinor int64     `json:"amount_minor"`
	Reason      string    `json:"reason,omitempty"`
	Source      string    `json:"source"`
	At          time.Time `json:"at"`
}

// Entry is the invoice/charge record.
type Entry struct {
	InvoiceNumber       string      `json:"invoice_number" validate:"required,invoice_number"`
	Owner               OwnerRef    `json:"owner"`
	Description         string      `json:"description" validate:"max=500"`
	AmountMinor         int64       `json:"amount_minor" validate:"gte=0"`
	Currency            string      `json:"currency" validate:"required,len=3,uppercase,iso4217"`
	Status              Status      `json:"status" validate:"required,oneof=pending succeeded failed refunded"`
	Method              Method      `json:"method"`
	Correlation         Correlation `json:"correlation"`
	RefundedAmountMinor int64       `json:"refunded_amount_minor" validate:"gte=0"`
	Refunds             []Refund    `json:"refunds,omitempty"`
	Version             int64       `json:"version"`
	CreatedAt           time.Time   `json:"created_at"`
	UpdatedAt           time.Time   `json:"updated_at"`
}

// RemainingMinor returns the amount that can still be refunded.
func (e Entry) RemainingMinor() int64 {
	return e.AmountMinor - e.RefundedAmountMinor
}

// HasRefund reports whether the refund id was already applied.
func (e Entry) HasRefund(refundID string) bool {
	if refundID == "" {
		return false
	}
	for _, r := range e.Refunds {
		if r.RefundID == refundID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe for mutation.
func (e Entry) Clone() Entry {
	out := e
	if e.Refunds != nil {
		out.Refunds = make([]Refund, len(e.Refunds))
		copy(out.Refunds, e.Refunds)
	}
	return out
}

// CheckInvariants verifies the financial invariants of the entry.
func (e Entry) CheckInvariants() error {
	if e.AmountMinor < 0 {
		return fmt.Errorf("%w: negative amount", ErrInvariant)
	}
	if e.RefundedAmountMinor < 0 || e.RefundedAmountMinor > e.AmountMinor {
		return fmt.Errorf("%w: refunded %d outside 0..%d", ErrInvariant, e.RefundedAmountMinor, e.AmountMinor)
	}
	if e.RefundedAmountMinor > 0 && e.Status != StatusSucceeded && e.Status != StatusRefunded {
		return fmt.Errorf("%w: refunds on %s entry", ErrInvariant, e.Status)
	}
	var sum int64
	for _, r := range e.Refunds {
		sum += r.AmountMinor
	}
	if sum != e.RefundedAmountMinor {
		return fmt.Errorf("%w: refund records total %d, entry says %d", ErrInvariant, sum, e.RefundedAmountMinor)
	}
	return nil
}

// Filter narrows entry listings.
type Filter struct {
	Status  Status
	OwnerID string
	Limit   int
	Offset  int
}

// Normalize applies listing defaults.
func (f Filter) Normalize() Filter {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}
