// Package audit keeps the append-only billing audit trail and the operator
// anomaly log.
package audit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Actions written by the billing engine.
const (
	ActionChargeCreated            = "charge.created"
	ActionCheckoutSessionCreated   = "checkout.session.created"
	ActionPaymentSucceeded         = "payment.succeeded"
	ActionPaymentFailed            = "payment.failed"
	ActionPaymentRefunded          = "payment.refunded"
	ActionPaymentPartiallyRefunded = "payment.partially_refunded"
	ActionRefundIssued             = "refund.issued"
)

var (
	// ErrDuplicateEvent is returned by Append when an event with the same
	// entity, action and correlation id already exists.
	ErrDuplicateEvent = errors.New("audit: event already recorded")
	// ErrInvalidEvent indicates a missing action or entity.
	ErrInvalidEvent = errors.New("audit: action and entity id required")
)

// Event is one immutable audit record.
type Event struct {
	ID            uuid.UUID      `json:"id"`
	Action        string         `json:"action"`
	EntityID      string         `json:"entity_id"`
	Source        string         `json:"source"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
}

// Prepare fills id and timestamp and checks required fields.
func (e Event) Prepare(now time.Time) (Event, error) {
	if e.Action == "" || e.EntityID == "" {
		return Event{}, ErrInvalidEvent
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now.UTC()
	}
	return e, nil
}

// Appender is the write-only side of the trail handed to components that
// perform transitions.
type Appender interface {
	Append(ctx context.Context, event Event) (Event, error)
}

// Trail is the full audit capability.
type Trail interface {
	Appender
	// Exists reports whether entity already has action recorded for correlationID.
	Exists(ctx context.Context, entityID, action, correlationID string) (bool, error)
	ListByEntity(ctx context.Context, entityID string) ([]Event, error)
}
