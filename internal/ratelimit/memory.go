package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryCounters keeps counters in process. Expired windows are swept lazily, using
// the caller's window start as the clock so a counter is never dropped while live.
type MemoryCounters struct {
	mu       sync.Mutex
	counters map[string]*counter
	ops      int
}

type counter struct {
	n       int64
	expires time.Time
}

const sweepEvery = 1024 // increments between sweeps

var _ CounterStore = (*MemoryCounters)(nil)

func NewMemoryCounters() *MemoryCounters {
	return &MemoryCounters{counters: make(map[string]*counter)}
}

func (m *MemoryCounters) IncrementAndGet(ctx context.Context, key string, w Window) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	m.ops++
	if m.ops%sweepEvery == 0 {
		m.sweep(w.Start)
	}

	c, ok := m.counters[key]
	if !ok {
		c = &counter{expires: w.End()}
		m.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (m *MemoryCounters) sweep(now time.Time) {
	for k, c := range m.counters {
		if !now.Before(c.expires) {
			delete(m.counters, k)
		}
	}
}

// Len reports how many counters are held, including expired ones not yet swept.
func (m *MemoryCounters) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.counters)
}
