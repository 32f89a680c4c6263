package audit

import (
	"context"
	"sync"
	"time"
)

// MemoryTrail is an in-process Trail enforcing the same uniqueness as the
// Postgres index. FailAppend makes every Append fail.
type MemoryTrail struct {
	mu         sync.Mutex
	events     []Event
	FailAppend error
}

// NewMemoryTrail returns an empty trail.
func NewMemoryTrail() *MemoryTrail {
	return &MemoryTrail{}
}

var _ Trail = (*MemoryTrail)(nil)

func (m *MemoryTrail) Append(_ context.Context, event Event) (Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.FailAppend != nil {
		return Event{}, m.FailAppend
	}
	event, err := event.Prepare(time.Now())
	if err != nil {
		return Event{}, err
	}
	if event.CorrelationID != "" {
		for _, ev := range m.events {
			if ev.EntityID == event.EntityID && ev.Action == event.Action && ev.CorrelationID == event.CorrelationID {
				return Event{}, ErrDuplicateEvent
			}
		}
	}
	m.events = append(m.events, event)
	return event, nil
}

func (m *MemoryTrail) Exists(_ context.Context, entityID, action, correlationID string) (bool, error) {
	if correlationID == "" {
		return false, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range m.events {
		if ev.EntityID == entityID && ev.Action == action && ev.CorrelationID == correlationID {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemoryTrail) ListByEntity(_ context.Context, entityID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.events {
		if ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Count returns how many events match entity and action.
func (m *MemoryTrail) Count(entityID, action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, ev := range m.events {
		if ev.EntityID == entityID && ev.Action == action {
			n++
		}
	}
	return n
}

// Len returns the number of stored events.
func (m *MemoryTrail) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.events)
}

// MemoryAnomalies is an in-process AnomalyLog.
type MemoryAnomalies struct {
	mu    sync.Mutex
	items []Anomaly
}

// NewMemoryAnomalies returns an empty anomaly log.
func NewMemoryAnomalies() *MemoryAnomalies {
	return &MemoryAnomalies{}
}

var _ AnomalyLog = (*MemoryAnomalies)(nil)

func (m *MemoryAnomalies) Record(_ context.Context, a Anomaly) (Anomaly, error) {
	a, err := a.prepare(time.Now())
	if err != nil {
		return Anomaly{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, a)
	return a, nil
}

func (m *MemoryAnomalies) List(_ context.Context, limit int) ([]Anomaly, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Anomaly, 0, len(m.items))
	for i := len(m.items) - 1; i >= 0; i-- {
		out = append(out, m.items[i])
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Kinds returns the kinds of recorded anomalies in insertion order.
func (m *MemoryAnomalies) Kinds() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	kinds := make([]string, 0, len(m.items))
	for _, a := range m.items {
		kinds = append(kinds, a.Kind)
	}
	return kinds
}
