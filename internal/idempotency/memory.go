package idempotency

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process Backend. State is lost on restart, which only
// reopens the dedup window for deliveries near the crash.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]time.Time
}

func NewMemory() *Memory {
	return &Memory{entries: map[string]time.Time{}}
}

func (m *Memory) Get(_ context.Context, key string, now time.Time) (time.Time, bool, error) {
	m.mu.RLock()
	until, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok || !until.After(now) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (m *Memory) Put(_ context.Context, key string, until time.Time) error {
	m.mu.Lock()
	m.entries[key] = until
	m.mu.Unlock()
	return nil
}

func (m *Memory) PutIfAbsent(_ context.Context, key string, until, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.entries[key]; ok && cur.After(now) {
		return false, nil
	}
	m.entries[key] = until
	return true, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Sweep(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, until := range m.entries {
		if !until.After(now) {
			delete(m.entries, k)
			n++
		}
	}
	return n, nil
}

// Len counts stored entries, expired or not.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

func (m *Memory) Close() error { return nil }
