package channels

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Result is the outcome of delivering one message.
type Result struct {
	Attempted []string
	Succeeded []string
	Errors    map[string]error
}

// Delivered reports whether at least one channel succeeded.
func (r Result) Delivered() bool { return len(r.Succeeded) > 0 }

// Dispatcher delivers messages to every registered channel concurrently.
type Dispatcher struct {
	mu       sync.RWMutex
	channels map[string]Channel
	logger   *slog.Logger
	timeout  time.Duration

	// sem caps concurrent Send calls across all deliveries.
	sem chan struct{}
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(l *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = l }
}

// WithMaxConcurrent caps concurrent Send calls. Zero or negative means
// unlimited.
func WithMaxConcurrent(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.sem = make(chan struct{}, n)
		}
	}
}

// WithSendTimeout bounds each channel's Send. Default 60s; e-mail retries
// run inside it.
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) { d.timeout = t }
}

// NewDispatcher creates an empty Dispatcher.
func NewDispatcher(opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		channels: make(map[string]Channel),
		logger:   slog.Default(),
		timeout:  60 * time.Second,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Add registers ch, replacing any channel with the same name.
func (d *Dispatcher) Add(ch Channel) {
	d.mu.Lock()
	d.channels[ch.Name()] = ch
	d.mu.Unlock()
}

// Remove unregisters the channel name.
func (d *Dispatcher) Remove(name string) {
	d.mu.Lock()
	delete(d.channels, name)
	d.mu.Unlock()
}

// Names lists the registered channels, sorted.
func (d *Dispatcher) Names() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]string, 0, len(d.channels))
	for n := range d.channels {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// Deliver sends msg to every channel and waits for all of them.
func (d *Dispatcher) Deliver(ctx context.Context, msg Message) Result {
	d.mu.RLock()
	targets := make([]Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		targets = append(targets, ch)
	}
	d.mu.RUnlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i].Name() < targets[j].Name() })

	res := Result{Errors: make(map[string]error)}
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, ch := range targets {
		res.Attempted = append(res.Attempted, ch.Name())
		wg.Add(1)
		go func(ch Channel) {
			defer wg.Done()
			if d.sem != nil {
				select {
				case d.sem <- struct{}{}:
					defer func() { <-d.sem }()
				case <-ctx.Done():
					mu.Lock()
					res.Errors[ch.Name()] = ctx.Err()
					mu.Unlock()
					return
				}
			}

			sctx, cancel := context.WithTimeout(ctx, d.timeout)
			err := ch.Send(sctx, msg)
			cancel()

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				res.Errors[ch.Name()] = err
				d.logger.Warn("channels: send failed", "channel", ch.Name(), "message", msg.ID, "error", err)
				return
			}
			res.Succeeded = append(res.Succeeded, ch.Name())
		}(ch)
	}
	wg.Wait()
	sort.Strings(res.Succeeded)
	return res
}
