package adapter

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"github.com/kibak812/taxupdater/monitor/internal/record"
	"github.com/kibak812/taxupdater/netsafe"
)

// Feed item attributes an rss field can read via Field.Selector.
const (
	ItemTitle       = "title"
	ItemLink        = "link"
	ItemGUID        = "guid"
	ItemPublished   = "published"
	ItemDescription = "description"
	ItemCategory    = "category"
)

var defaultFeedFields = map[string]Field{
	record.FieldTitle:    {Selector: ItemTitle},
	record.FieldURL:      {Selector: ItemLink},
	"guid":               {Selector: ItemGUID},
	record.FieldDate:     {Selector: ItemPublished},
	record.FieldSummary:  {Selector: ItemDescription, Markdown: true},
	record.FieldCategory: {Selector: ItemCategory},
}

// RSS reads an RSS or Atom feed.
type RSS struct {
	spec   Spec
	client *http.Client
	parser *gofeed.Parser
}

// NewRSS builds an rss adapter. Without fields, items map to title, url,
// guid, date, summary and category.
func NewRSS(spec Spec, deps Deps) (Adapter, error) {
	spec.defaults()
	if spec.URL == "" {
		return nil, fmt.Errorf("adapter: rss: url is required")
	}
	if len(spec.Fields) == 0 {
		spec.Fields = defaultFeedFields
	}
	return &RSS{spec: spec, client: deps.Client, parser: gofeed.NewParser()}, nil
}

// Fetch implements Adapter. since is not used: a feed is a single page.
func (r *RSS) Fetch(ctx context.Context, _ time.Time) ([]record.Record, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.spec.URL, nil)
	if err != nil {
		return nil, fetchErr("%v", err)
	}
	req.Header.Set("User-Agent", r.spec.UserAgent)
	for k, v := range r.spec.Headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fetchErr("%v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fetchErr("GET %s: status %d", r.spec.URL, resp.StatusCode)
	}
	body, err := netsafe.ReadAll(resp.Body, netsafe.MaxBody)
	if err != nil {
		return nil, fetchErr("%v", err)
	}

	feed, err := r.parser.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fetchErr("parse feed: %v", err)
	}

	out := make([]record.Record, 0, len(feed.Items))
	for _, it := range feed.Items {
		rec := make(record.Record, len(r.spec.Fields))
		for name, f := range r.spec.Fields {
			v := itemValue(it, f.Selector)
			if f.Markdown && v != "" {
				if md, err := ToMarkdown(v, it.Link); err == nil {
					v = md
				}
			}
			if v = strings.TrimSpace(v); v != "" {
				rec[name] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func itemValue(it *gofeed.Item, attr string) string {
	switch attr {
	case ItemTitle:
		return it.Title
	case ItemLink:
		return it.Link
	case ItemGUID:
		if it.GUID != "" {
			return it.GUID
		}
		return it.Link
	case ItemPublished:
		if it.PublishedParsed != nil {
			return it.PublishedParsed.Format("2006-01-02")
		}
		return it.Published
	case ItemDescription:
		if it.Description != "" {
			return it.Description
		}
		return it.Content
	case ItemCategory:
		return strings.Join(it.Categories, ", ")
	}
	return ""
}
