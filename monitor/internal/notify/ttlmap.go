package notify

import (
	"sync"
	"time"
)

// TTLMap remembers keys for a fixed time-to-live. It is the dedup memory
// of one Engine: a key reserved less than ttl ago blocks a second
// reservation. Size is bounded; when full, expired keys go first, then the
// oldest.
type TTLMap struct {
	mu      sync.Mutex
	ttl     time.Duration
	max     int
	now     func() time.Time
	entries map[string]time.Time
}

// NewTTLMap creates a map with the given TTL and capacity (default 1024).
func NewTTLMap(ttl time.Duration, max int, now func() time.Time) *TTLMap {
	if max <= 0 {
		max = 1024
	}
	if now == nil {
		now = time.Now
	}
	return &TTLMap{ttl: ttl, max: max, now: now, entries: make(map[string]time.Time)}
}

// Reserve records key and returns true, unless key was reserved within the
// TTL, in which case it returns false and leaves the entry unchanged.
func (m *TTLMap) Reserve(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	if at, ok := m.entries[key]; ok && now.Sub(at) < m.ttl {
		return false
	}
	if len(m.entries) >= m.max {
		m.evictLocked(now)
		if len(m.entries) >= m.max {
			m.dropOldestLocked()
		}
	}
	m.entries[key] = now
	return true
}

// Release forgets key, so the next Reserve succeeds.
func (m *TTLMap) Release(key string) {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
}

// Evict removes expired keys and returns how many.
func (m *TTLMap) Evict() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evictLocked(m.now())
}

// Len returns the number of keys held, expired or not.
func (m *TTLMap) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

func (m *TTLMap) evictLocked(now time.Time) int {
	n := 0
	for k, at := range m.entries {
		if now.Sub(at) >= m.ttl {
			delete(m.entries, k)
			n++
		}
	}
	return n
}

func (m *TTLMap) dropOldestLocked() {
	var (
		oldestKey string
		oldestAt  time.Time
	)
	for k, at := range m.entries {
		if oldestKey == "" || at.Before(oldestAt) {
			oldestKey, oldestAt = k, at
		}
	}
	delete(m.entries, oldestKey)
}
