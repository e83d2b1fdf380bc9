// CLAUDE:SUMMARY Lazily launched headless Chrome (rod + stealth) that renders JavaScript-built listing pages to HTML, recycled on an interval.
// Package browser renders pages that only exist after JavaScript runs.
// Chrome is launched on first use and recycled after RecycleInterval.
package browser

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// ErrClosed is returned after Close.
var ErrClosed = fmt.Errorf("browser: manager is closed")

// Config configures the Manager.
type Config struct {
	// RemoteURL is the DevTools WebSocket URL of an external Chrome.
	// Empty launches a local headless Chrome.
	RemoteURL string
	// RecycleInterval is the maximum lifetime of one Chrome process. Default: 4h.
	RecycleInterval time.Duration
	// NavigateTimeout bounds navigation plus load. Default: 30s.
	NavigateTimeout time.Duration
	// Block lists resource types not worth downloading (images, fonts,
	// media, stylesheets).
	Block  []string
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RecycleInterval <= 0 {
		c.RecycleInterval = 4 * time.Hour
	}
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 30 * time.Second
	}
	if c.Block == nil {
		c.Block = []string{"images", "fonts", "media"}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Manager owns the Chrome process. Safe for concurrent use; renders share
// one browser with a tab each.
type Manager struct {
	cfg     Config
	mu      sync.Mutex
	browser *rod.Browser
	lnch    *launcher.Launcher
	startAt time.Time
	closed  bool
}

// NewManager creates a Manager. Chrome is not started until the first render.
func NewManager(cfg Config) *Manager {
	cfg.defaults()
	return &Manager{cfg: cfg}
}

// RenderHTML navigates a fresh stealth tab to url, waits for load and for
// waitSelector when given, and returns the document's outer HTML.
func (m *Manager) RenderHTML(ctx context.Context, url, waitSelector string) (string, error) {
	b, err := m.ensure()
	if err != nil {
		return "", err
	}

	page, err := stealth.Page(b)
	if err != nil {
		return "", fmt.Errorf("browser: create tab: %w", err)
	}
	defer page.Close()

	if len(m.cfg.Block) > 0 {
		router := blockResources(page, m.cfg.Block)
		defer router.Stop()
	}

	navCtx, cancel := context.WithTimeout(ctx, m.cfg.NavigateTimeout)
	defer cancel()
	p := page.Context(navCtx)

	if err := p.Navigate(url); err != nil {
		return "", fmt.Errorf("browser: navigate %s: %w", url, err)
	}
	if err := p.WaitLoad(); err != nil {
		m.cfg.Logger.Warn("browser: wait load", "url", url, "error", err)
	}
	if waitSelector != "" {
		if _, err := p.Element(waitSelector); err != nil {
			return "", fmt.Errorf("browser: wait %q: %w", waitSelector, err)
		}
	}

	html, err := p.HTML()
	if err != nil {
		return "", fmt.Errorf("browser: read dom: %w", err)
	}
	return html, nil
}

// ensure returns a live browser, launching or recycling as needed.
func (m *Manager) ensure() (*rod.Browser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.browser != nil && time.Since(m.startAt) > m.cfg.RecycleInterval {
		m.cfg.Logger.Info("browser: recycling", "uptime", time.Since(m.startAt))
		m.cleanup()
	}
	if m.browser == nil {
		b, err := m.launch()
		if err != nil {
			return nil, err
		}
		m.browser = b
		m.startAt = time.Now()
	}
	return m.browser, nil
}

func (m *Manager) launch() (*rod.Browser, error) {
	wsURL := m.cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("browser: launch: %w", err)
		}
		wsURL = u
		m.lnch = l
		m.cfg.Logger.Info("browser: launched local chrome", "url", wsURL)
	} else {
		m.cfg.Logger.Info("browser: connecting to remote", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		if m.lnch != nil {
			m.lnch.Cleanup()
			m.lnch = nil
		}
		return nil, fmt.Errorf("browser: connect: %w", err)
	}
	return b, nil
}

// caller holds mu.
func (m *Manager) cleanup() {
	if m.browser != nil {
		if err := m.browser.Close(); err != nil {
			m.cfg.Logger.Debug("browser: close", "error", err)
		}
		m.browser = nil
	}
	if m.lnch != nil {
		m.lnch.Cleanup()
		m.lnch = nil
	}
}

// Close shuts Chrome down. Further renders fail with ErrClosed.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.cleanup()
	return nil
}

func blockResources(page *rod.Page, types []string) *rod.HijackRouter {
	block := make(map[string]bool, len(types))
	for _, t := range types {
		block[strings.ToLower(t)] = true
	}
	router := page.HijackRequests()
	router.MustAdd("*", func(h *rod.Hijack) {
		if shouldBlock(block, string(h.Request.Type())) {
			h.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		h.ContinueRequest(&proto.FetchContinueRequest{})
	})
	go router.Run()
	return router
}

func shouldBlock(block map[string]bool, resType string) bool {
	switch t := strings.ToLower(resType); t {
	case "image":
		return block["images"]
	case "font":
		return block["fonts"]
	case "media":
		return block["media"]
	case "stylesheet":
		return block["stylesheets"]
	default:
		return block[t]
	}
}
