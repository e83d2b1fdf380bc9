// Package channels delivers monitor alerts to the outside world: webhooks,
// e-mail, chat bots and in-process subscribers such as the SSE stream.
//
// Each channel is built from a platform factory and a JSON config, so the
// set of channels is data, not code:
//
//	reg := channels.NewRegistry()
//	ch, err := reg.Build("ops_webhook", "webhook", json.RawMessage(`{"url":"https://hooks.example.com/x"}`))
//	d := channels.NewDispatcher(channels.WithMaxConcurrent(4))
//	d.Add(ch)
//	res := d.Deliver(ctx, msg)
//
// A failing channel never affects the others; the dispatcher reports
// per-channel outcomes and the caller decides what counts as delivered.
package channels

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Message is one alert, already rendered for humans.
type Message struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"` // new_data, error, schedule, system
	SourceKey   string            `json:"source_key,omitempty"`
	Title       string            `json:"title"`
	Text        string            `json:"text"`
	Urgency     string            `json:"urgency"` // low, normal, high
	NewCount    int               `json:"new_count,omitempty"`
	ExecutionID string            `json:"execution_id,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Channel is an outbound delivery target.
type Channel interface {
	// Name identifies the channel in delivery reports.
	Name() string
	// Send delivers msg. An error means the channel did not deliver it.
	Send(ctx context.Context, msg Message) error
}

// Factory builds a Channel from its name and per-channel JSON config.
type Factory func(name string, config json.RawMessage) (Channel, error)

// Registry maps platform names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in platforms: webhook,
// email, telegram and discord.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("webhook", WebhookFactory())
	r.Register("email", EmailFactory(nil))
	r.Register("telegram", TelegramFactory())
	r.Register("discord", DiscordFactory())
	return r
}

// Register adds or replaces the factory of platform.
func (r *Registry) Register(platform string, f Factory) {
	r.mu.Lock()
	r.factories[platform] = f
	r.mu.Unlock()
}

// Platforms lists the registered platform names.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for p := range r.factories {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Build creates the channel name on platform from config.
func (r *Registry) Build(name, platform string, config json.RawMessage) (Channel, error) {
	r.mu.RLock()
	f, ok := r.factories[platform]
	r.mu.RUnlock()
	if !ok {
		return nil, &ErrNoPlatformFactory{Channel: name, Platform: platform}
	}
	if len(config) == 0 {
		config = json.RawMessage("{}")
	}
	ch, err := f(name, config)
	if err != nil {
		return nil, fmt.Errorf("channels: build %s: %w", name, err)
	}
	return ch, nil
}
