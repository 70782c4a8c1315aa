package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

type entry struct {
	vector    []float32
	expiresAt time.Time
}

// Memory is the in-process map backing for the embedding cache. Safe
// for concurrent use.
type Memory struct {
	mu         sync.RWMutex
	entries    map[string]entry
	defaultTTL time.Duration

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// NewMemory builds an in-process Cache with defaultTTL applied when
// Set is called with ttl == 0.
func NewMemory(defaultTTL time.Duration) *Memory {
	return &Memory{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
	}
}

func (m *Memory) Get(_ context.Context, applicationID string) ([]float32, bool) {
	m.mu.RLock()
	e, found := m.entries[applicationID]
	m.mu.RUnlock()

	if !found {
		m.misses.Add(1)
		return nil, false
	}
	if time.Now().After(e.expiresAt) {
		m.mu.Lock()
		delete(m.entries, applicationID)
		m.mu.Unlock()
		m.misses.Add(1)
		m.evictions.Add(1)
		return nil, false
	}
	m.hits.Add(1)
	out := make([]float32, len(e.vector))
	copy(out, e.vector)
	return out, true
}

func (m *Memory) Set(_ context.Context, applicationID string, vector []float32, ttl time.Duration) {
	if ttl == 0 {
		ttl = m.defaultTTL
	}
	stored := make([]float32, len(vector))
	copy(stored, vector)

	m.mu.Lock()
	m.entries[applicationID] = entry{vector: stored, expiresAt: time.Now().Add(ttl)}
	m.mu.Unlock()
}

func (m *Memory) Delete(_ context.Context, applicationID string) {
	m.mu.Lock()
	delete(m.entries, applicationID)
	m.mu.Unlock()
}

func (m *Memory) Clear(_ context.Context) {
	m.mu.Lock()
	m.entries = make(map[string]entry)
	m.mu.Unlock()
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	size := int64(len(m.entries))
	m.mu.RUnlock()
	return Stats{
		Hits:      m.hits.Load(),
		Misses:    m.misses.Load(),
		Evictions: m.evictions.Load(),
		Size:      size,
	}
}

// Sweep removes all currently-expired entries. Callers may run this on
// a ticker instead of relying solely on lazy eviction at Get time.
func (m *Memory) Sweep() int {
	now := time.Now()
	removed := 0

	m.mu.Lock()
	for k, e := range m.entries {
		if now.After(e.expiresAt) {
			delete(m.entries, k)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.evictions.Add(int64(removed))
	}
	return removed
}
