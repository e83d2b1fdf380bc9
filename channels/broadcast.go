package channels

import (
	"context"
	"sync"
)

// Broadcaster fans messages out to in-process subscribers (the SSE stream,
// the MCP session, tests). Slow subscribers lose messages rather than block
// delivery.
type Broadcaster struct {
	name string

	mu      sync.Mutex
	nextID  int
	subs    map[int]chan Message
	dropped int
}

// NewBroadcaster creates a Broadcaster reporting as name.
func NewBroadcaster(name string) *Broadcaster {
	return &Broadcaster{name: name, subs: make(map[int]chan Message)}
}

// Name implements Channel.
func (b *Broadcaster) Name() string { return b.name }

// Subscribe returns a channel of messages buffered to buf and a function
// that unsubscribes and closes it.
func (b *Broadcaster) Subscribe(buf int) (<-chan Message, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Message, buf)
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current subscriber count.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Dropped returns how many per-subscriber deliveries were skipped because a
// buffer was full.
func (b *Broadcaster) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Send implements Channel. It succeeds even with no subscribers.
func (b *Broadcaster) Send(_ context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- msg:
		default:
			b.dropped++
		}
	}
	return nil
}
