package ledger

import (
	"context"
	"time"
)

// Reader exposes point lookups and listings. It never mutates entries.
type Reader interface {
	FindByInvoiceNumber(ctx context.Context, number string) (Entry, error)
	FindByGatewayCorrelation(ctx context.Context, externalID string) (Entry, error)
	List(ctx context.Context, filter Filter) ([]Entry, error)
	ListStalePending(ctx context.Context, createdBefore time.Time, limit int) ([]Entry, error)
}

// Creator inserts new entries and records gateway correlation on pending
// entries. It cannot change status.
type Creator interface {
	// Create fails with ErrDuplicateInvoiceNumber when the number exists.
	Create(ctx context.Context, entry Entry) error
	// AttachCorrelation merges identifiers into a pending entry.
	AttachCorrelation(ctx context.Context, number string, c Correlation) (Entry, error)
}

// StatusWriter persists the outcome of a state machine transition. Only the
// payment state machine is constructed with a StatusWriter.
type StatusWriter interface {
	// CompareAndSwap replaces the mutable fields of the entry when the stored
	// version equals expectedVersion and bumps the version. It returns
	// ErrVersionConflict otherwise.
	CompareAndSwap(ctx context.Context, next Entry, expectedVersion int64) (Entry, error)
}

// SequenceScanner reports the highest invoice sequence already persisted for a day.
type SequenceScanner interface {
	MaxSequenceForDay(ctx context.Context, dayKey string) (int64, error)
}

// Store is the full capability set of the persistence layer. Wiring code
// hands out the narrower interfaces above.
type Store interface {
	Reader
	Creator
	StatusWriter
	SequenceScanner
}
