package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v76/webhook"
)

// Verifier authenticates inbound webhook payloads. Nothing downstream ever
// sees an event that did not pass Verify.
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (Event, error)
}

// StripeVerifier checks the Stripe-Signature header against the endpoint secret.
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier builds a verifier. A zero tolerance uses the library default.
func NewStripeVerifier(secret string, tolerance time.Duration) *StripeVerifier {
	if tolerance <= 0 {
		tolerance = webhook.DefaultTolerance
	}
	return &StripeVerifier{secret: secret, tolerance: tolerance}
}

// Verify returns the typed event or an error wrapping ErrInvalidSignature or
// ErrMalformedEvent.
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (Event, error) {
	if v == nil || v.secret == "" {
		return nil, fmt.Errorf("%w: no endpoint secret configured", ErrInvalidSignature)
	}
	if signatureHeader == "" {
		return nil, fmt.Errorf("%w: missing signature header", ErrInvalidSignature)
	}
	evt, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		if isSignatureError(err) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return DecodeEvent(evt, payload)
}

func isSignatureError(err error) bool {
	return errors.Is(err, webhook.ErrNotSigned) ||
		errors.Is(err, webhook.ErrInvalidHeader) ||
		errors.Is(err, webhook.ErrNoValidSignature) ||
		errors.Is(err, webhook.ErrTooOld)
}
