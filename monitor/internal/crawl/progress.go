package crawl

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stages of one source run.
const (
	StageFetching   = "fetching"
	StageValidating = "validating"
	StageDiffing    = "diffing"
	StagePersisting = "persisting"
	StageDone       = "done"
)

var stagePercent = map[string]int{
	StageFetching:   10,
	StageValidating: 40,
	StageDiffing:    60,
	StagePersisting: 80,
	StageDone:       100,
}

// Event reports the progress of one source inside an execution.
type Event struct {
	ExecutionID string    `json:"execution_id"`
	SourceKey   string    `json:"source_key"`
	Stage       string    `json:"stage"`
	Percent     int       `json:"percent"`
	Status      string    `json:"status,omitempty"`
	Message     string    `json:"message,omitempty"`
	Time        time.Time `json:"time"`
}

// Hub fans progress events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]chan Event
	next    int
	dropped atomic.Int64
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe returns a channel of events and a cancel func that closes it.
func (h *Hub) Subscribe(buf int) (<-chan Event, func()) {
	if buf <= 0 {
		buf = 64
	}
	ch := make(chan Event, buf)
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Publish delivers ev to every subscriber.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }
