package sequence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/forwardly/forwardly/internal/billing/ledger"
)

func fixedClock() func() time.Time {
	return func() time.Time { return time.Date(2025, 1, 31, 10, 0, 0, 0, time.UTC) }
}

func seedEntry(store *ledger.MemoryStore, number string) {
	store.Put(ledger.Entry{InvoiceNumber: number, Status: ledger.StatusPending, Currency: "AED"})
}

func TestNextStartsAtOne(t *testing.T) {
	alloc := NewAllocator(NewMemoryCounters(), ledger.NewMemoryStore(), WithClock(fixedClock()))
	number, err := alloc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "INV-20250131-0001", number)

	number, err = alloc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "INV-20250131-0002", number)
}

func TestNextHealsCounterBehindPersistedEntries(t *testing.T) {
	counters := NewMemoryCounters()
	counters.Seed("20250131", 0)
	store := ledger.NewMemoryStore()
	seedEntry(store, "INV-20250131-0007")
	seedEntry(store, "INV-20250130-0042")

	alloc := NewAllocator(counters, store, WithClock(fixedClock()))
	number, err := alloc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "INV-20250131-0008", number)
}

func TestNextNeverLowersCounter(t *testing.T) {
	counters := NewMemoryCounters()
	counters.Seed("20250131", 20)
	store := ledger.NewMemoryStore()
	seedEntry(store, "INV-20250131-0007")

	alloc := NewAllocator(counters, store, WithClock(fixedClock()))
	number, err := alloc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "INV-20250131-0021", number)
}

func TestNextUsesConfiguredTimezone(t *testing.T) {
	late := func() time.Time { return time.Date(2025, 1, 31, 21, 0, 0, 0, time.UTC) }
	alloc := NewAllocator(NewMemoryCounters(), ledger.NewMemoryStore(),
		WithClock(late), WithLocation(time.FixedZone("GST", 4*60*60)))
	number, err := alloc.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "INV-20250201-0001", number)
}

func TestConcurrentAllocationsAreUnique(t *testing.T) {
	const callers = 64
	store := ledger.NewMemoryStore()
	alloc := NewAllocator(NewMemoryCounters(), store, WithClock(fixedClock()))

	var wg sync.WaitGroup
	results := make(chan string, callers)
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			number, err := alloc.Issue(context.Background(), func(ctx context.Context, number string) error {
				return store.Create(ctx, ledger.Entry{InvoiceNumber: number, Status: ledger.StatusPending})
			})
			if err != nil {
				errs <- err
				return
			}
			results <- number
		}()
	}
	wg.Wait()
	close(results)
	close(errs)

	for err := range errs {
		require.NoError(t, err)
	}
	seen := make(map[string]struct{}, callers)
	for number := range results {
		_, dup := seen[number]
		require.False(t, dup, "duplicate invoice number %s", number)
		seen[number] = struct{}{}
	}
	require.Len(t, seen, callers)
}

func TestIssueRetriesOnceOnDuplicate(t *testing.T) {
	alloc := NewAllocator(NewMemoryCounters(), ledger.NewMemoryStore(), WithClock(fixedClock()))
	var calls []string
	number, err := alloc.Issue(context.Background(), func(_ context.Context, number string) error {
		calls = append(calls, number)
		if len(calls) == 1 {
			return ledger.ErrDuplicateInvoiceNumber
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, "INV-20250131-0002", number)
	require.Equal(t, []string{"INV-20250131-0001", "INV-20250131-0002"}, calls)
}

func TestIssueSurfacesExhaustionAfterSecondCollision(t *testing.T) {
	alloc := NewAllocator(NewMemoryCounters(), ledger.NewMemoryStore(), WithClock(fixedClock()))
	attempts := 0
	_, err := alloc.Issue(context.Background(), func(context.Context, string) error {
		attempts++
		return ledger.ErrDuplicateInvoiceNumber
	})
	require.ErrorIs(t, err, ErrAllocationExhausted)
	require.Equal(t, 2, attempts)
}

func TestIssuePassesThroughOtherErrors(t *testing.T) {
	alloc := NewAllocator(NewMemoryCounters(), ledger.NewMemoryStore(), WithClock(fixedClock()))
	boom := errors.New("connection reset")
	attempts := 0
	_, err := alloc.Issue(context.Background(), func(context.Context, string) error {
		attempts++
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, attempts)
}

func TestInspectAndHeal(t *testing.T) {
	counters := NewMemoryCounters()
	store := ledger.NewMemoryStore()
	seedEntry(store, "INV-20250131-0012")
	alloc := NewAllocator(counters, store, WithClock(fixedClock()))

	state, err := alloc.Inspect(context.Background(), "20250131")
	require.NoError(t, err)
	require.True(t, state.Behind())
	require.EqualValues(t, 12, state.MaxUsed)

	state, err = alloc.Heal(context.Background(), "20250131")
	require.NoError(t, err)
	require.False(t, state.Behind())
	require.EqualValues(t, 12, state.Counter)

	_, err = alloc.Inspect(context.Background(), "2025-01-31")
	require.ErrorIs(t, err, ledger.ErrValidation)
}
