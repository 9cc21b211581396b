package cache

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker is a Locker for a single process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]time.Time // key -> expiry
	now   func() time.Time
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]time.Time), now: time.Now}
}

func (m *MemoryLocker) TryLock(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if expiry, held := m.locks[key]; held && now.Before(expiry) {
		return false, nil
	}
	m.locks[key] = now.Add(ttl)
	return true, nil
}

func (m *MemoryLocker) Unlock(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.locks, key)
	m.mu.Unlock()
	return nil
}

// MemoryCursorStore is a CursorStore kept in memory.
type MemoryCursorStore struct {
	mu      sync.RWMutex
	cursors map[string]time.Time
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{cursors: make(map[string]time.Time)}
}

func (m *MemoryCursorStore) Get(_ context.Context, key string) (time.Time, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[key], nil
}

func (m *MemoryCursorStore) Set(_ context.Context, key string, t time.Time) error {
	m.mu.Lock()
	m.cursors[key] = t
	m.mu.Unlock()
	return nil
}
