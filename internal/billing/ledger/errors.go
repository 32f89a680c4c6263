package ledger

import "errors"

var (
	// ErrNotFound indicates the entry does not exist.
	ErrNotFound = errors.New("ledger: entry not found")
	// ErrDuplicateInvoiceNumber is returned by Create when the invoice number is taken.
	ErrDuplicateInvoiceNumber = errors.New("ledger: duplicate invoice number")
	// ErrVersionConflict indicates a concurrent write changed the entry.
	ErrVersionConflict = errors.New("ledger: entry modified concurrently")
	// ErrNotPending indicates a correlation update against a settled entry.
	ErrNotPending = errors.New("ledger: entry is not pending")
	// ErrValidation wraps schema validation failures.
	ErrValidation = errors.New("ledger: validation failed")
	// ErrInvariant indicates a financial invariant would be violated.
	ErrInvariant = errors.New("ledger: invariant violated")
)
