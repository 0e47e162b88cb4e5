package listcache

import (
	"context"
	"sync"
	"time"
)

// MemoryBackend is an in-process Backend for tests and cache-less
// single-node deployments.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	counters map[string]int64
	now      func() time.Time
}

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  make(map[string]memEntry),
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, false, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memEntry{value: value, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[key]++
	return m.counters[key], nil
}

func (m *MemoryBackend) Current(_ context.Context, key string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[key], nil
}
