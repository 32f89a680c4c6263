// Package sequence issues daily invoice numbers of the form INV-YYYYMMDD-NNNN.
//
// The per-day counter lives in storage and is advanced with a single atomic
// increment. Before incrementing, the allocator raises the counter to the
// highest sequence already used by persisted entries, so counters that fell
// behind after imports or crashes heal themselves.
package sequence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/forwardly/forwardly/internal/billing/ledger"
	"github.com/forwardly/forwardly/internal/observability"
)

// ErrAllocationExhausted is returned when allocate+persist collided twice.
// Callers may retry the request later.
var ErrAllocationExhausted = errors.New("sequence: invoice allocation exhausted")

// maxIssueAttempts bounds allocate+persist: the first try plus one retry.
const maxIssueAttempts = 2

// CounterStore is the storage primitive behind the allocator.
type CounterStore interface {
	// AdvanceTo raises the day's counter to floor when it is lower, creating
	// the row when missing. It never lowers the counter.
	AdvanceTo(ctx context.Context, dayKey string, floor int64) error
	// Increment atomically adds one to the day's counter and returns the new value.
	Increment(ctx context.Context, dayKey string) (int64, error)
	// Current returns the day's counter, zero when the row does not exist.
	Current(ctx context.Context, dayKey string) (int64, error)
}

// Allocator hands out invoice numbers.
type Allocator struct {
	counters CounterStore
	scanner  ledger.SequenceScanner
	loc      *time.Location
	now      func() time.Time
	metrics  *observability.Billing
	logger   *slog.Logger
}

// Option customises the allocator.
type Option func(*Allocator)

// WithClock injects the wall clock.
func WithClock(now func() time.Time) Option {
	return func(a *Allocator) {
		if now != nil {
			a.now = now
		}
	}
}

// WithLocation sets the timezone that defines calendar days.
func WithLocation(loc *time.Location) Option {
	return func(a *Allocator) {
		if loc != nil {
			a.loc = loc
		}
	}
}

// WithMetrics attaches billing collectors.
func WithMetrics(m *observability.Billing) Option {
	return func(a *Allocator) { a.metrics = m }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Allocator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// NewAllocator wires an allocator.
func NewAllocator(counters CounterStore, scanner ledger.SequenceScanner, opts ...Option) *Allocator {
	a := &Allocator{
		counters: counters,
		scanner:  scanner,
		loc:      time.UTC,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Today returns the current day key.
func (a *Allocator) Today() string {
	return ledger.DayKey(a.now(), a.loc)
}

// Next returns a fresh invoice number for today.
func (a *Allocator) Next(ctx context.Context) (string, error) {
	day := a.Today()
	if _, err := a.heal(ctx, day); err != nil {
		return "", err
	}
	seq, err := a.counters.Increment(ctx, day)
	if err != nil {
		return "", fmt.Errorf("sequence: increment %s: %w", day, err)
	}
	return ledger.FormatInvoiceNumber(day, seq), nil
}

// Issue allocates a number and hands it to persist. A duplicate invoice number
// reported by persist triggers exactly one more allocation; a second collision
// yields ErrAllocationExhausted. Other persist errors are returned unchanged.
func (a *Allocator) Issue(ctx context.Context, persist func(ctx context.Context, number string) error) (string, error) {
	var lastNumber string
	for attempt := 1; attempt <= maxIssueAttempts; attempt++ {
		number, err := a.Next(ctx)
		if err != nil {
			return "", err
		}
		err = persist(ctx, number)
		if err == nil {
			a.metrics.ObserveAllocation("issued")
			return number, nil
		}
		if !errors.Is(err, ledger.ErrDuplicateInvoiceNumber) {
			return "", err
		}
		lastNumber = number
		a.metrics.ObserveAllocation("retried")
		a.logger.Warn("invoice number collision", slog.String("invoice_number", number), slog.Int("attempt", attempt))
	}
	a.metrics.ObserveAllocation("exhausted")
	return "", fmt.Errorf("%w: last candidate %s", ErrAllocationExhausted, lastNumber)
}

// CounterState describes a day's counter against persisted entries.
type CounterState struct {
	DayKey  string `json:"day_key"`
	Counter int64  `json:"counter"`
	MaxUsed int64  `json:"max_used"`
}

// Behind reports whether the counter trails persisted entries.
func (s CounterState) Behind() bool {
	return s.Counter < s.MaxUsed
}

// Inspect reports the counter state of a day without changing it.
func (a *Allocator) Inspect(ctx context.Context, dayKey string) (CounterState, error) {
	if err := validDayKey(dayKey); err != nil {
		return CounterState{}, err
	}
	current, err := a.counters.Current(ctx, dayKey)
	if err != nil {
		return CounterState{}, fmt.Errorf("sequence: read counter %s: %w", dayKey, err)
	}
	maxUsed, err := a.scanner.MaxSequenceForDay(ctx, dayKey)
	if err != nil {
		return CounterState{}, err
	}
	return CounterState{DayKey: dayKey, Counter: current, MaxUsed: maxUsed}, nil
}

// Heal raises the counter of dayKey to the highest persisted sequence.
func (a *Allocator) Heal(ctx context.Context, dayKey string) (CounterState, error) {
	if err := validDayKey(dayKey); err != nil {
		return CounterState{}, err
	}
	if _, err := a.heal(ctx, dayKey); err != nil {
		return CounterState{}, err
	}
	return a.Inspect(ctx, dayKey)
}

func (a *Allocator) heal(ctx context.Context, dayKey string) (int64, error) {
	maxUsed, err := a.scanner.MaxSequenceForDay(ctx, dayKey)
	if err != nil {
		return 0, fmt.Errorf("sequence: scan %s: %w", dayKey, err)
	}
	if maxUsed == 0 {
		return 0, nil
	}
	if err := a.counters.AdvanceTo(ctx, dayKey, maxUsed); err != nil {
		return 0, fmt.Errorf("sequence: advance %s: %w", dayKey, err)
	}
	return maxUsed, nil
}

func validDayKey(dayKey string) error {
	if _, err := time.Parse("20060102", dayKey); err != nil {
		return fmt.Errorf("%w: day key %q", ledger.ErrValidation, dayKey)
	}
	return nil
}
