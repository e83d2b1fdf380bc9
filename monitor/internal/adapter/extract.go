package adapter

import (
	"bytes"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"sync"

	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/base"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/commonmark"
	"github.com/JohannesKaufmann/html-to-markdown/v2/plugin/table"
	"github.com/PuerkitoBio/goquery"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html/charset"

	"github.com/kibak812/taxupdater/monitor/internal/record"
)

var (
	mdOnce sync.Once
	mdConv *converter.Converter
	policy = bluemonday.UGCPolicy()
	spaces = regexp.MustCompile(`\s+`)
)

func markdown() *converter.Converter {
	mdOnce.Do(func() {
		mdConv = converter.NewConverter(
			converter.WithPlugins(
				base.NewBasePlugin(),
				commonmark.NewCommonmarkPlugin(),
				table.NewTablePlugin(),
			),
		)
	})
	return mdConv
}

// DecodeHTML converts body to UTF-8 using the Content-Type header and any
// <meta charset> in the first kilobyte. Korean portals still serve EUC-KR.
func DecodeHTML(body []byte, contentType string) ([]byte, error) {
	enc, name, _ := charset.DetermineEncoding(body, contentType)
	if name == "utf-8" {
		return body, nil
	}
	out, err := enc.NewDecoder().Bytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	return out, nil
}

// ToMarkdown sanitises a fragment and renders it as markdown.
func ToMarkdown(fragment, pageURL string) (string, error) {
	clean := policy.Sanitize(fragment)
	md, err := markdown().ConvertString(clean, converter.WithDomain(pageURL))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(md), nil
}

// Extractor turns an HTML document into records using a Spec's selectors.
type Extractor struct {
	item   string
	fields map[string]Field
	res    map[string]*regexp.Regexp
}

// NewExtractor compiles the field regexps of spec.
func NewExtractor(spec Spec) (*Extractor, error) {
	if spec.Item == "" {
		return nil, fmt.Errorf("adapter: item selector is required")
	}
	if len(spec.Fields) == 0 {
		return nil, fmt.Errorf("adapter: at least one field is required")
	}
	ex := &Extractor{item: spec.Item, fields: spec.Fields, res: make(map[string]*regexp.Regexp)}
	for name, f := range spec.Fields {
		if f.Regexp == "" {
			continue
		}
		re, err := regexp.Compile(f.Regexp)
		if err != nil {
			return nil, fmt.Errorf("adapter: field %s: %w", name, err)
		}
		ex.res[name] = re
	}
	return ex, nil
}

// Extract parses html (already UTF-8) and returns one record per item.
// Fields that match nothing are left out of the record.
func (ex *Extractor) Extract(html []byte, pageURL string) ([]record.Record, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	base, _ := url.Parse(pageURL)

	var out []record.Record
	doc.Find(ex.item).Each(func(_ int, item *goquery.Selection) {
		rec := make(record.Record, len(ex.fields))
		for name, f := range ex.fields {
			if v := ex.value(item, name, f, base, pageURL); v != "" {
				rec[name] = v
			}
		}
		if len(rec) > 0 {
			out = append(out, rec)
		}
	})
	return out, nil
}

func (ex *Extractor) value(item *goquery.Selection, name string, f Field, base *url.URL, pageURL string) string {
	sel := item
	if f.Selector != "" {
		sel = item.Find(f.Selector).First()
	}
	if sel.Length() == 0 {
		return ""
	}

	var v string
	switch {
	case f.Attr != "":
		raw, ok := sel.Attr(f.Attr)
		if !ok {
			return ""
		}
		v = strings.TrimSpace(raw)
		if (f.Attr == "href" || f.Attr == "src") && base != nil && v != "" {
			v = resolve(base, v)
		}
	case f.Markdown:
		inner, err := sel.Html()
		if err != nil {
			return ""
		}
		md, err := ToMarkdown(inner, pageURL)
		if err != nil {
			return collapse(sel.Text())
		}
		v = md
	default:
		v = collapse(sel.Text())
	}

	if re := ex.res[name]; re != nil {
		m := re.FindStringSubmatch(v)
		switch {
		case m == nil:
			return ""
		case len(m) > 1:
			v = m[1]
		default:
			v = m[0]
		}
	}
	v = strings.TrimSpace(v)
	if f.Template != "" && v != "" {
		v = strings.ReplaceAll(f.Template, "{1}", url.QueryEscape(v))
	}
	return v
}

// resolve makes ref absolute. javascript: links are kept as they are.
func resolve(base *url.URL, ref string) string {
	if strings.HasPrefix(strings.ToLower(ref), "javascript:") {
		return ref
	}
	u, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(u).String()
}

func collapse(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
