package adapter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/text/encoding/korean"
)

func listPage(t *testing.T, rows [][3]string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString(`<html><head><meta charset="euc-kr"></head><body><table class="list"><tbody>`)
	for _, r := range rows {
		fmt.Fprintf(&b, `<tr><td class="no">%s</td><td class="title"><a href="/view.do?id=%s">%s</a></td><td class="date">%s</td></tr>`,
			r[0], r[0], r[1], r[2])
	}
	b.WriteString(`</tbody></table></body></html>`)
	enc, err := korean.EUCKR.NewEncoder().String(b.String())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return enc
}

func listSpec(url string) Spec {
	return Spec{
		Kind:      "html",
		URL:       url + "/list.do?pageIndex={page}",
		MaxPages:  5,
		Item:      "table.list tbody tr",
		KeyField:  "문서번호",
		DateField: "생산일자",
		Fields: map[string]Field{
			"문서번호": {Selector: "td.no"},
			"제목":   {Selector: "td.title a"},
			"링크":   {Selector: "td.title a", Attr: "href"},
			"생산일자": {Selector: "td.date"},
		},
	}
}

func testDeps() Deps {
	return Deps{Client: http.DefaultClient, Logger: slog.Default()}
}

func TestHTMLPaginationEUCKR(t *testing.T) {
	// WHAT: The html adapter decodes EUC-KR, pages until an empty page, and
	// resolves links against the page URL.
	// WHY: Government portals serve legacy encodings; mojibake keys would make
	// every record look new.
	pages := map[string][][3]string{
		"1": {{"2024-001", "부가가치세 질의", "2024-03-12"}, {"2024-002", "법인세 질의", "2024-03-11"}},
		"2": {{"2024-003", "소득세 질의", "2024-03-10"}},
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=euc-kr")
		fmt.Fprint(w, listPage(t, pages[r.URL.Query().Get("pageIndex")]))
	}))
	defer srv.Close()

	a, err := NewHTML(listSpec(srv.URL), testDeps())
	if err != nil {
		t.Fatal(err)
	}
	recs, err := a.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("records: got %d, want 3", len(recs))
	}
	if got := recs[0]["제목"]; got != "부가가치세 질의" {
		t.Fatalf("title: got %q", got)
	}
	if got, want := recs[2]["링크"], srv.URL+"/view.do?id=2024-003"; got != want {
		t.Fatalf("link: got %q, want %q", got, want)
	}
	if hits.Load() != 3 {
		t.Fatalf("requests: got %d, want 3 (two pages plus the empty one)", hits.Load())
	}
}

func TestHTMLRepeatedPageStops(t *testing.T) {
	// WHAT: A portal that ignores the page parameter is read once.
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "text/html; charset=euc-kr")
		fmt.Fprint(w, listPage(t, [][3]string{{"A-1", "제목", "2024-01-01"}}))
	}))
	defer srv.Close()

	a, _ := NewHTML(listSpec(srv.URL), testDeps())
	recs, err := a.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || hits.Load() != 2 {
		t.Fatalf("got %d records after %d requests, want 1 after 2", len(recs), hits.Load())
	}
}

func TestHTMLSinceStopsPaging(t *testing.T) {
	// WHAT: Paging stops after the first page whose items all predate the last
	// successful crawl.
	pages := map[string][][3]string{
		"1": {{"N-1", "new", "2024-03-12"}},
		"2": {{"O-1", "old", "2024-03-01"}},
		"3": {{"O-2", "older", "2024-02-01"}},
	}
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, listPage(t, pages[r.URL.Query().Get("pageIndex")]))
	}))
	defer srv.Close()

	a, _ := NewHTML(listSpec(srv.URL), testDeps())
	since := time.Date(2024, 3, 10, 9, 0, 0, 0, time.UTC)
	recs, err := a.Fetch(context.Background(), since)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || hits.Load() != 2 {
		t.Fatalf("got %d records after %d requests, want 2 after 2", len(recs), hits.Load())
	}
}

func TestHTMLStatusError(t *testing.T) {
	// WHAT: HTTP errors surface as ErrFetch, never as an empty snapshot.
	// WHY: An empty snapshot means "nothing listed"; a failure must not look
	// like one.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	a, _ := NewHTML(listSpec(srv.URL), testDeps())
	_, err := a.Fetch(context.Background(), time.Time{})
	if !errors.Is(err, ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
}

func TestExtractorRegexpAndMarkdown(t *testing.T) {
	html := `<ul><li><span class="id">문서번호: 서면-2024-123</span>
		<div class="body"><p>요약 <b>본문</b></p><script>alert(1)</script></div></li></ul>`
	ex, err := NewExtractor(Spec{
		Item: "li",
		Fields: map[string]Field{
			"id":      {Selector: ".id", Regexp: `:\s*(\S+)`},
			"summary": {Selector: ".body", Markdown: true},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := ex.Extract([]byte(html), "https://example.go.kr/list")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 {
		t.Fatalf("records: got %d", len(recs))
	}
	if got := recs[0]["id"]; got != "서면-2024-123" {
		t.Fatalf("id: got %q", got)
	}
	sum := recs[0]["summary"]
	if !strings.Contains(sum, "**본문**") || strings.Contains(sum, "alert") {
		t.Fatalf("summary: got %q", sum)
	}
}

func TestExtractorTemplateFromOnclick(t *testing.T) {
	html := `<ul class="boardType3 explnList"><li><h3><a href="#" onclick="fn_egov_select('MOSF_000000000073953')">해석 제목</a></h3>
		<span class="depart">재산세제과-123</span><span class="date">회신일자 : 2024.03.12</span></li></ul>`
	ex, err := NewExtractor(Spec{
		Item: "ul.boardType3.explnList > li",
		Fields: map[string]Field{
			"문서번호": {Selector: "span.depart"},
			"회신일자": {Selector: "span.date", Regexp: `(\d{4}\.\d{2}\.\d{2})`},
			"링크": {
				Selector: "h3 > a",
				Attr:     "onclick",
				Regexp:   `fn_egov_select\('([^']+)'\)`,
				Template: "https://www.moef.go.kr/lw/intrprt/TaxLawIntrPrtCaseView.do?searchNttId1={1}",
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	recs, err := ex.Extract([]byte(html), "https://www.moef.go.kr/lw/intrprt/TaxLawIntrPrtCaseList.do")
	if err != nil {
		t.Fatal(err)
	}
	r := recs[0]
	if r["회신일자"] != "2024.03.12" || r["문서번호"] != "재산세제과-123" {
		t.Fatalf("fields: %v", r)
	}
	if want := "https://www.moef.go.kr/lw/intrprt/TaxLawIntrPrtCaseView.do?searchNttId1=MOSF_000000000073953"; r["링크"] != want {
		t.Fatalf("link: got %q", r["링크"])
	}
}

func TestExtractorRequiresItem(t *testing.T) {
	if _, err := NewExtractor(Spec{Fields: map[string]Field{"a": {}}}); err == nil {
		t.Fatal("expected error for missing item selector")
	}
	if _, err := NewExtractor(Spec{Item: "li", Fields: map[string]Field{"a": {Regexp: "("}}}); err == nil {
		t.Fatal("expected error for bad regexp")
	}
}

const feedXML = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0"><channel><title>예규</title>
<item><title>첫 번째</title><link>https://example.go.kr/a/1</link><guid>urn:doc:1</guid>
<pubDate>Tue, 12 Mar 2024 09:00:00 +0900</pubDate><description>&lt;p&gt;내용 &lt;em&gt;강조&lt;/em&gt;&lt;/p&gt;</description>
<category>법인세</category></item>
<item><title>두 번째</title><link>https://example.go.kr/a/2</link></item>
</channel></rss>`

func TestRSSFetch(t *testing.T) {
	// WHAT: Feed items map to the display fields with guid falling back to link.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, feedXML)
	}))
	defer srv.Close()

	a, err := NewRSS(Spec{Kind: "rss", URL: srv.URL}, testDeps())
	if err != nil {
		t.Fatal(err)
	}
	recs, err := a.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 {
		t.Fatalf("items: got %d", len(recs))
	}
	first := recs[0]
	if first["guid"] != "urn:doc:1" || first["title"] != "첫 번째" || first["category"] != "법인세" {
		t.Fatalf("first: got %v", first)
	}
	if first["date"] != "2024-03-12" {
		t.Fatalf("date: got %q", first["date"])
	}
	if !strings.Contains(first["summary"], "*강조*") {
		t.Fatalf("summary: got %q", first["summary"])
	}
	if recs[1]["guid"] != "https://example.go.kr/a/2" {
		t.Fatalf("guid fallback: got %q", recs[1]["guid"])
	}
}

func TestRSSParseError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "not a feed")
	}))
	defer srv.Close()

	a, _ := NewRSS(Spec{Kind: "rss", URL: srv.URL}, testDeps())
	if _, err := a.Fetch(context.Background(), time.Time{}); !errors.Is(err, ErrFetch) {
		t.Fatalf("got %v, want ErrFetch", err)
	}
}

type fakeRenderer struct {
	urls  []string
	pages map[string]string
}

func (f *fakeRenderer) RenderHTML(_ context.Context, url, _ string) (string, error) {
	f.urls = append(f.urls, url)
	if html, ok := f.pages[url]; ok {
		return html, nil
	}
	return "<html><body></body></html>", nil
}

func TestBrowserUsesRenderer(t *testing.T) {
	r := &fakeRenderer{pages: map[string]string{
		"https://bai.example/list?p=1": `<div class="row"><span class="no">감사-1</span><a>제목1</a></div>`,
	}}
	deps := testDeps()
	deps.Renderer = r
	a, err := NewBrowser(Spec{
		Kind:     "browser",
		URL:      "https://bai.example/list?p={page}",
		MaxPages: 3,
		Item:     "div.row",
		Fields: map[string]Field{
			"문서번호": {Selector: ".no"},
			"제목":   {Selector: "a"},
		},
	}, deps)
	if err != nil {
		t.Fatal(err)
	}
	recs, err := a.Fetch(context.Background(), time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0]["문서번호"] != "감사-1" {
		t.Fatalf("got %v", recs)
	}
	if len(r.urls) != 2 {
		t.Fatalf("renders: got %v", r.urls)
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(Deps{})
	if got := strings.Join(reg.Kinds(), ","); got != "browser,html,rss" {
		t.Fatalf("kinds: got %s", got)
	}
	if _, err := reg.Build(Spec{Kind: "ftp"}); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("got %v, want ErrUnknownKind", err)
	}
	if _, err := reg.Build(Spec{Kind: "browser", URL: "https://x", Item: "li", Fields: map[string]Field{"a": {}}}); err == nil {
		t.Fatal("browser without renderer should fail")
	}
}

func TestPageURL(t *testing.T) {
	if got := PageURL("https://x/list?pageIndex={page}&n=10", 3); got != "https://x/list?pageIndex=3&n=10" {
		t.Fatalf("got %s", got)
	}
}
