package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store with the same conflict semantics as
// Repository: unique invoice numbers and version-checked writes.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
	// FailCreate, when set, is returned by the next Create call and cleared.
	FailCreate error
}

// NewMemoryStore returns an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

var _ Store = (*MemoryStore)(nil)

// Put stores e verbatim, bypassing validation. Intended for seeding.
func (m *MemoryStore) Put(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.InvoiceNumber] = e.Clone()
}

func (m *MemoryStore) Create(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailCreate != nil {
		err := m.FailCreate
		m.FailCreate = nil
		return err
	}
	if _, ok := m.entries[e.InvoiceNumber]; ok {
		return ErrDuplicateInvoiceNumber
	}
	m.entries[e.InvoiceNumber] = e.Clone()
	return nil
}

func (m *MemoryStore) FindByInvoiceNumber(_ context.Context, number string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[number]
	if !ok {
		return Entry{}, ErrNotFound
	}
	return e.Clone(), nil
}

func (m *MemoryStore) FindByGatewayCorrelation(_ context.Context, externalID string) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries {
		if e.Correlation.Matches(externalID) {
			return e.Clone(), nil
		}
	}
	return Entry{}, ErrNotFound
}

func (m *MemoryStore) List(_ context.Context, filter Filter) ([]Entry, error) {
	filter = filter.Normalize()
	m.mu.Lock()
	var out []Entry
	for _, e := range m.entries {
		if filter.Status != "" && e.Status != filter.Status {
			continue
		}
		if filter.OwnerID != "" && e.Owner.ID != filter.OwnerID {
			continue
		}
		out = append(out, e.Clone())
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].InvoiceNumber > out[j].InvoiceNumber
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if filter.Offset >= len(out) {
		return nil, nil
	}
	out = out[filter.Offset:]
	if len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) ListStalePending(_ context.Context, createdBefore time.Time, limit int) ([]Entry, error) {
	m.mu.Lock()
	var out []Entry
	for _, e := range m.entries {
		if e.Status == StatusPending && e.CreatedAt.Before(createdBefore) && e.Correlation.SessionID != "" {
			out = append(out, e.Clone())
		}
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) AttachCorrelation(_ context.Context, number string, c Correlation) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[number]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if e.Status != StatusPending {
		return e.Clone(), ErrNotPending
	}
	e.Correlation = e.Correlation.Merge(c)
	e.Version++
	m.entries[number] = e
	return e.Clone(), nil
}

func (m *MemoryStore) CompareAndSwap(_ context.Context, next Entry, expectedVersion int64) (Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.entries[next.InvoiceNumber]
	if !ok {
		return Entry{}, ErrNotFound
	}
	if current.Version != expectedVersion {
		return Entry{}, ErrVersionConflict
	}
	current.Status = next.Status
	current.Method = next.Method
	current.Correlation = next.Correlation
	current.RefundedAmountMinor = next.RefundedAmountMinor
	current.Refunds = next.Clone().Refunds
	current.UpdatedAt = next.UpdatedAt
	current.Version++
	m.entries[next.InvoiceNumber] = current
	return current.Clone(), nil
}

func (m *MemoryStore) MaxSequenceForDay(_ context.Context, dayKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	prefix := InvoicePrefixForDay(dayKey)
	var maxSeq int64
	for number := range m.entries {
		if !strings.HasPrefix(number, prefix) {
			continue
		}
		if _, seq, err := ParseInvoiceNumber(number); err == nil && seq > maxSeq {
			maxSeq = seq
		}
	}
	return maxSeq, nil
}
