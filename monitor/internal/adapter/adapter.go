// Package adapter fetches the current listing of one portal and returns it
// as records. Adapters know the markup; the rest of the monitor only knows
// the key field.
//
// An adapter returns an error wrapping ErrFetch when it could not obtain a
// listing, and an empty slice when the portal simply lists nothing.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/kibak812/taxupdater/monitor/internal/record"
)

// ErrFetch marks adapter failures: network, HTTP status, parse or render.
var ErrFetch = errors.New("adapter: fetch failed")

// ErrUnknownKind is returned by Registry.Build for an unregistered kind.
var ErrUnknownKind = errors.New("adapter: unknown kind")

// Adapter fetches a snapshot. since is the time of the last successful
// crawl (zero on the first); adapters may use it to stop paging early.
type Adapter interface {
	Fetch(ctx context.Context, since time.Time) ([]record.Record, error)
}

// Func adapts a function to Adapter.
type Func func(ctx context.Context, since time.Time) ([]record.Record, error)

// Fetch implements Adapter.
func (f Func) Fetch(ctx context.Context, since time.Time) ([]record.Record, error) {
	return f(ctx, since)
}

// Field locates one record field inside an item element.
type Field struct {
	// Selector is a CSS selector relative to the item. Empty means the item.
	Selector string `yaml:"selector" json:"selector"`
	// Attr reads an attribute instead of the text. "href" and "src" are
	// resolved against the page URL.
	Attr string `yaml:"attr,omitempty" json:"attr,omitempty"`
	// Markdown renders the sanitised inner HTML as markdown.
	Markdown bool `yaml:"markdown,omitempty" json:"markdown,omitempty"`
	// Regexp, when set, keeps the first submatch (or the whole match).
	Regexp string `yaml:"regexp,omitempty" json:"regexp,omitempty"`
	// Template builds the final value by replacing "{1}" with the
	// (query-escaped) extracted value. Used to turn onclick ids into links.
	Template string `yaml:"template,omitempty" json:"template,omitempty"`
}

// Spec configures an adapter.
type Spec struct {
	Kind string `yaml:"kind" json:"kind"` // html, rss, browser
	// URL of the listing. "{page}" is replaced by the page number.
	URL       string `yaml:"url" json:"url"`
	FirstPage int    `yaml:"first_page,omitempty" json:"first_page,omitempty"`
	MaxPages  int    `yaml:"max_pages,omitempty" json:"max_pages,omitempty"`
	// Item selects one element per record.
	Item   string           `yaml:"item,omitempty" json:"item,omitempty"`
	Fields map[string]Field `yaml:"fields,omitempty" json:"fields,omitempty"`
	// KeyField is the field that must be non-empty for an item to count.
	KeyField string `yaml:"key_field,omitempty" json:"key_field,omitempty"`
	// DateField and DateLayout let paging stop once a whole page is older
	// than since.
	DateField  string `yaml:"date_field,omitempty" json:"date_field,omitempty"`
	DateLayout string `yaml:"date_layout,omitempty" json:"date_layout,omitempty"`
	// WaitSelector (browser) is awaited before the DOM is read.
	WaitSelector string            `yaml:"wait_selector,omitempty" json:"wait_selector,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	UserAgent    string            `yaml:"user_agent,omitempty" json:"user_agent,omitempty"`
	// Delay between page requests.
	DelayMs int `yaml:"delay_ms,omitempty" json:"delay_ms,omitempty"`
}

func (s *Spec) defaults() {
	if s.FirstPage <= 0 {
		s.FirstPage = 1
	}
	if s.MaxPages <= 0 {
		s.MaxPages = 1
	}
	if s.UserAgent == "" {
		s.UserAgent = "Mozilla/5.0 (compatible; taxupdater/1.0)"
	}
	if s.DateLayout == "" {
		s.DateLayout = "2006-01-02"
	}
}

// Deps are the shared resources adapters may use.
type Deps struct {
	Client   *http.Client
	Renderer Renderer
	Logger   *slog.Logger
}

// Renderer produces the rendered HTML of a page (headless browser).
type Renderer interface {
	RenderHTML(ctx context.Context, url, waitSelector string) (string, error)
}

// Factory builds an adapter from its spec.
type Factory func(spec Spec, deps Deps) (Adapter, error)

// Registry maps adapter kinds to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
	deps      Deps
}

// NewRegistry returns a registry with the html, rss and browser kinds.
func NewRegistry(deps Deps) *Registry {
	if deps.Client == nil {
		deps.Client = &http.Client{Timeout: 60 * time.Second}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := &Registry{factories: make(map[string]Factory), deps: deps}
	r.Register("html", NewHTML)
	r.Register("rss", NewRSS)
	r.Register("browser", NewBrowser)
	return r
}

// Register adds or replaces a kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	r.factories[kind] = f
	r.mu.Unlock()
}

// Kinds lists registered kinds.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build creates the adapter described by spec.
func (r *Registry) Build(spec Spec) (Adapter, error) {
	r.mu.RLock()
	f, ok := r.factories[spec.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, spec.Kind)
	}
	return f(spec, r.deps)
}

func fetchErr(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrFetch, fmt.Sprintf(format, args...))
}
