package scheduler

import (
	"sort"
	"sync"
)

// Locks is the set of sources with a crawl in flight.
type Locks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewLocks returns an empty set.
func NewLocks() *Locks { return &Locks{held: make(map[string]bool)} }

// TryAcquire marks key running. It returns false if key already is.
func (l *Locks) TryAcquire(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return false
	}
	l.held[key] = true
	return true
}

// Release clears key.
func (l *Locks) Release(key string) {
	l.mu.Lock()
	delete(l.held, key)
	l.mu.Unlock()
}

// Held reports whether key is running.
func (l *Locks) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key]
}

// Keys lists running sources.
func (l *Locks) Keys() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.held))
	for k := range l.held {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
