package adapter

import (
	"context"
	"fmt"
	"time"

	"github.com/kibak812/taxupdater/monitor/internal/record"
)

// Browser renders each listing page in headless Chrome before extraction.
// Used for portals whose lists are built client-side.
type Browser struct {
	spec Spec
	ex   *Extractor
	deps Deps
}

// NewBrowser builds a browser adapter. deps.Renderer must be set.
func NewBrowser(spec Spec, deps Deps) (Adapter, error) {
	spec.defaults()
	if spec.URL == "" {
		return nil, fmt.Errorf("adapter: browser: url is required")
	}
	if deps.Renderer == nil {
		return nil, fmt.Errorf("adapter: browser: no renderer configured")
	}
	ex, err := NewExtractor(spec)
	if err != nil {
		return nil, err
	}
	return &Browser{spec: spec, ex: ex, deps: deps}, nil
}

// Fetch implements Adapter.
func (b *Browser) Fetch(ctx context.Context, since time.Time) ([]record.Record, error) {
	load := func(ctx context.Context, u string) ([]byte, error) {
		html, err := b.deps.Renderer.RenderHTML(ctx, u, b.spec.WaitSelector)
		if err != nil {
			return nil, err
		}
		return []byte(html), nil
	}
	return paginate(ctx, b.spec, b.ex, load, since, b.deps.Logger)
}
