package sequence

import (
	"context"
	"sync"
)

// MemoryCounters is an in-process CounterStore. Each method holds the lock
// for the whole read-modify-write, mirroring the single-statement upserts of
// Repository.
type MemoryCounters struct {
	mu   sync.Mutex
	days map[string]int64
}

// NewMemoryCounters returns an empty counter set.
func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{days: make(map[string]int64)}
}

// Seed forces a counter value.
func (m *MemoryCounters) Seed(dayKey string, value int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[dayKey] = value
}

func (m *MemoryCounters) AdvanceTo(_ context.Context, dayKey string, floor int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.days[dayKey] < floor {
		m.days[dayKey] = floor
	}
	return nil
}

func (m *MemoryCounters) Increment(_ context.Context, dayKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.days[dayKey]++
	return m.days[dayKey], nil
}

func (m *MemoryCounters) Current(_ context.Context, dayKey string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.days[dayKey], nil
}
