package ledger

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps windows in process memory behind a single mutex.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[Key]*Counter
	settled map[string]time.Time
	closed  bool
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		windows: make(map[Key]*Counter),
		settled: make(map[string]time.Time),
	}
}

// CheckAndReserve implements Store.
func (m *MemoryStore) CheckAndReserve(_ context.Context, key Key, limit Limit, cost float64) (Decision, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Decision{}, ErrClosed
	}

	c, ok := m.windows[key]
	if !ok {
		c = &Counter{}
	}
	if reason := limit.check(*c, cost); reason != DenyNone {
		return Decision{Reason: reason, Counter: *c}, nil
	}
	c.Requests++
	c.Cost += cost
	m.windows[key] = c
	return Decision{Admitted: true, Counter: *c}, nil
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key Key) (Counter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Counter{}, ErrClosed
	}
	if c, ok := m.windows[key]; ok {
		return *c, nil
	}
	return Counter{}, nil
}

// Settle implements Store.
func (m *MemoryStore) Settle(_ context.Context, id string, at time.Time, adjustments []Adjustment) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, ErrClosed
	}
	if _, done := m.settled[id]; done {
		return false, nil
	}
	m.settled[id] = at
	for _, a := range adjustments {
		c, ok := m.windows[a.Key]
		if !ok {
			continue
		}
		c.Requests += a.Requests
		if c.Requests < 0 {
			c.Requests = 0
		}
		c.Cost += a.Cost
		if c.Cost < 0 {
			c.Cost = 0
		}
	}
	return true, nil
}

// Prune implements Store.
func (m *MemoryStore) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, ErrClosed
	}
	var n int64
	for k := range m.windows {
		if k.EndTime().Before(before) {
			delete(m.windows, k)
			n++
		}
	}
	for id, at := range m.settled {
		if at.Before(before) {
			delete(m.settled, id)
		}
	}
	return n, nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
