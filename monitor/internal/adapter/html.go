package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/kibak812/taxupdater/monitor/internal/record"
	"github.com/kibak812/taxupdater/netsafe"
)

// pageLoader returns the UTF-8 HTML of one listing page.
type pageLoader func(ctx context.Context, url string) ([]byte, error)

// HTML pages through a server-rendered listing.
type HTML struct {
	spec   Spec
	ex     *Extractor
	load   pageLoader
	logger *slog.Logger
}

// NewHTML builds an html adapter.
func NewHTML(spec Spec, deps Deps) (Adapter, error) {
	spec.defaults()
	if spec.URL == "" {
		return nil, fmt.Errorf("adapter: html: url is required")
	}
	ex, err := NewExtractor(spec)
	if err != nil {
		return nil, err
	}
	h := &HTML{spec: spec, ex: ex, logger: deps.Logger}
	client := deps.Client
	h.load = func(ctx context.Context, u string) ([]byte, error) {
		return getPage(ctx, client, spec, u)
	}
	return h, nil
}

func getPage(ctx context.Context, client *http.Client, spec Spec, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", spec.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")
	req.Header.Set("Accept-Language", "ko-KR,ko;q=0.9")
	for k, v := range spec.Headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("GET %s: status %d", u, resp.StatusCode)
	}
	body, err := netsafe.ReadAll(resp.Body, netsafe.MaxBody)
	if err != nil {
		return nil, err
	}
	return DecodeHTML(body, resp.Header.Get("Content-Type"))
}

// Fetch implements Adapter.
func (h *HTML) Fetch(ctx context.Context, since time.Time) ([]record.Record, error) {
	return paginate(ctx, h.spec, h.ex, h.load, since, h.logger)
}

// PageURL substitutes page into the spec URL template.
func PageURL(tmpl string, page int) string {
	return strings.ReplaceAll(tmpl, "{page}", strconv.Itoa(page))
}

// paginate walks pages until MaxPages, an empty page, a page identical to
// the previous one, or a page entirely older than since. Any page error
// fails the whole fetch.
func paginate(ctx context.Context, spec Spec, ex *Extractor, load pageLoader, since time.Time, logger *slog.Logger) ([]record.Record, error) {
	pages := spec.MaxPages
	if !strings.Contains(spec.URL, "{page}") {
		pages = 1
	}

	var (
		out  []record.Record
		prev string
	)
	for i := 0; i < pages; i++ {
		if i > 0 && spec.DelayMs > 0 {
			t := time.NewTimer(time.Duration(spec.DelayMs) * time.Millisecond)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, fetchErr("%v", ctx.Err())
			case <-t.C:
			}
		}

		page := spec.FirstPage + i
		u := PageURL(spec.URL, page)
		body, err := load(ctx, u)
		if err != nil {
			return nil, fetchErr("page %d: %v", page, err)
		}
		recs, err := ex.Extract(body, u)
		if err != nil {
			return nil, fetchErr("page %d: %v", page, err)
		}
		if len(recs) == 0 {
			break
		}

		sig := pageSignature(recs, spec.KeyField)
		if sig == prev {
			logger.Debug("adapter: page repeats previous, stopping", "url", u, "page", page)
			break
		}
		prev = sig
		out = append(out, recs...)

		if olderThan(recs, spec, since) {
			logger.Debug("adapter: page older than last success, stopping", "url", u, "page", page)
			break
		}
	}
	return out, nil
}

func pageSignature(recs []record.Record, keyField string) string {
	if keyField == "" {
		keyField = record.FieldTitle
	}
	return strings.Join(record.Keys(recs, keyField), "\x00")
}

// olderThan reports whether every dated record of the page predates since.
// Pages with undated records never stop paging.
func olderThan(recs []record.Record, spec Spec, since time.Time) bool {
	if since.IsZero() || spec.DateField == "" {
		return false
	}
	cutoff := since.Truncate(24 * time.Hour).AddDate(0, 0, -1)
	for _, r := range recs {
		d, err := time.Parse(spec.DateLayout, strings.TrimSpace(r[spec.DateField]))
		if err != nil || !d.Before(cutoff) {
			return false
		}
	}
	return true
}
