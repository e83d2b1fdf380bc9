package browser

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestShouldBlock(t *testing.T) {
	block := map[string]bool{"images": true, "fonts": true, "xhr": true}
	cases := map[string]bool{
		"Image":      true,
		"Font":       true,
		"Stylesheet": false,
		"XHR":        true,
		"Document":   false,
	}
	for typ, want := range cases {
		if got := shouldBlock(block, typ); got != want {
			t.Errorf("shouldBlock(%q): got %v, want %v", typ, got, want)
		}
	}
}

func TestConfigDefaults(t *testing.T) {
	m := NewManager(Config{})
	if m.cfg.RecycleInterval != 4*time.Hour {
		t.Fatalf("recycle: got %v", m.cfg.RecycleInterval)
	}
	if m.cfg.NavigateTimeout != 30*time.Second {
		t.Fatalf("navigate: got %v", m.cfg.NavigateTimeout)
	}
	if len(m.cfg.Block) != 3 {
		t.Fatalf("block: got %v", m.cfg.Block)
	}
}

func TestRenderAfterClose(t *testing.T) {
	// WHAT: A closed manager refuses to render without launching Chrome.
	// WHY: Shutdown must not race a scheduled crawl into starting a new browser.
	m := NewManager(Config{})
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	_, err := m.RenderHTML(context.Background(), "http://example.invalid", "")
	if !errors.Is(err, ErrClosed) {
		t.Fatalf("got %v, want ErrClosed", err)
	}
}
