package monitor

import (
	"time"

	"github.com/kibak812/taxupdater/monitor/internal/adapter"
	"github.com/kibak812/taxupdater/monitor/internal/crawl"
)

// Record columns shared by the built-in portals.
const (
	colTitle    = "제목"
	colLink     = "링크"
	colDocNo    = "문서번호"
	colCategory = "세목"
)

const ntsWait = ".more_show"

// DefaultSources returns the six tax portals monitored out of the box.
func DefaultSources() []SourceConfig {
	base := func(key, name, keyField, cron string, display crawl.Display, spec adapter.Spec) SourceConfig {
		spec.KeyField = keyField
		if spec.MaxPages == 0 {
			spec.MaxPages = 20
		}
		return SourceConfig{
			Key:        key,
			Name:       name,
			KeyField:   keyField,
			Cron:       cron,
			Retries:    3,
			RetryDelay: 5 * time.Second,
			Timeout:    10 * time.Minute,
			Required:   []string{colTitle},
			Display:    display,
			Adapter:    spec,
		}
	}
	nts := func(listURL, detail string) adapter.Spec {
		return adapter.Spec{
			Kind:         "browser",
			URL:          listURL,
			MaxPages:     1,
			Item:         "#bdltCtl > li",
			WaitSelector: ntsWait,
			Fields: map[string]adapter.Field{
				colCategory: {Selector: "ul.legislation_list li:nth-child(2)", Attr: "title"},
				"생산일자":      {Selector: "ul.subs_detail li span.num"},
				colDocNo:    {Selector: "ul.subs_detail li strong"},
				colTitle:    {Selector: "a.subs_title strong"},
				colLink: {
					Selector: "a.subs_title",
					Attr:     "onclick",
					Regexp:   `ntstDcmId['"]\s*:\s*['"]([^'"]+)`,
					Template: detail,
				},
			},
		}
	}

	return []SourceConfig{
		base("tax_tribunal", "조세심판원", "청구번호", "0 */8 * * *",
			crawl.Display{Title: colTitle, Date: "결정일", Category: colCategory, URL: colLink},
			adapter.Spec{
				Kind: "html",
				URL:  "https://www.tt.go.kr/mUser/dem/demList.do?pageNumber={page}&cbSearchOption=subject&cbJudge=S500&rdView=subject",
				Item: ".result-box",
				Fields: map[string]adapter.Field{
					colCategory: {Selector: "span.label-tax"},
					"유형":        {Selector: "span.label-decision"},
					"결정일":       {Selector: "p.date"},
					"청구번호":      {Selector: "p.case-num", Regexp: `(?:청구번호\s*:?\s*)?(\S.*)`},
					colTitle:    {Selector: "a"},
					colLink:     {Selector: "a", Attr: "href"},
				},
				DelayMs: 1000,
			}),
		base("nts_authority", "국세청 유권해석", colDocNo, "0 */6 * * *",
			crawl.Display{Title: colTitle, Date: "생산일자", Category: colCategory, URL: colLink},
			nts("https://taxlaw.nts.go.kr/qt/USEQTJ001M.do",
				"https://taxlaw.nts.go.kr/qt/USEQTA002P.do?ntstDcmId={1}")),
		base("nts_precedent", "국세청 판례", colDocNo, "0 */12 * * *",
			crawl.Display{Title: colTitle, Date: "생산일자", Category: colCategory, URL: colLink},
			nts("https://taxlaw.nts.go.kr/pd/USEPDI001M.do",
				"https://taxlaw.nts.go.kr/pd/USEPDA002P.do?ntstDcmId={1}")),
		base("moef", "기획재정부", colDocNo, "0 */6 * * *",
			crawl.Display{Title: colTitle, Date: "회신일자", URL: colLink},
			adapter.Spec{
				Kind: "html",
				URL:  "https://www.moef.go.kr/lw/intrprt/TaxLawIntrPrtCaseList.do?bbsId=MOSFBBS_000000000237&menuNo=8120300&pageIndex={page}",
				Item: "ul.boardType3.explnList > li",
				Fields: map[string]adapter.Field{
					colTitle: {Selector: "h3 > a"},
					colDocNo: {Selector: "span.depart"},
					"회신일자":   {Selector: "span.date", Regexp: `(\d{4}\.\d{2}\.\d{2})`},
					colLink: {
						Selector: "h3 > a",
						Attr:     "onclick",
						Regexp:   `fn_egov_select\('([^']+)'\)`,
						Template: "https://www.moef.go.kr/lw/intrprt/TaxLawIntrPrtCaseView.do?bbsId=MOSFBBS_000000000237&searchNttId1={1}&menuNo=8120300",
					},
				},
				DateField:  "회신일자",
				DateLayout: "2006.01.02",
				DelayMs:    1000,
			}),
		base("mois", "행정안전부", colDocNo, "0 */8 * * *",
			crawl.Display{Title: colTitle, Date: "생산일자", Category: colCategory, URL: colLink},
			adapter.Spec{
				Kind: "html",
				URL:  "https://www.olta.re.kr/explainInfo/authoInterpretationList.do?menuNo=9020000&upperMenuId=9000000&pageIndex={page}",
				Item: "ul.search_out.exp li",
				Fields: map[string]adapter.Field{
					colCategory: {Selector: "span.part"},
					colDocNo:    {Selector: "p:first-of-type", Regexp: `^\s*([^(]+?)\s*\(`},
					"생산일자":      {Selector: "p:first-of-type", Regexp: `\((\d{4}\.\d{2}\.\d{2})\)`},
					colTitle:    {Selector: "p.tt a"},
					colLink: {
						Selector: "p.tt a",
						Attr:     "onclick",
						Regexp:   `authoritativePopUp\((\d+)\)`,
						Template: "https://www.olta.re.kr/explainInfo/authoInterpretationDetail.do?num={1}",
					},
				},
				DateField:  "생산일자",
				DateLayout: "2006.01.02",
				DelayMs:    1000,
			}),
		base("bai", "감사원", colDocNo, "0 */12 * * *",
			crawl.Display{Title: colTitle, Date: "결정일자", Category: "구분"},
			adapter.Spec{
				Kind:         "browser",
				URL:          "https://www.bai.go.kr/bai/exClaims/exClaims/list/",
				MaxPages:     1,
				Item:         "table tbody tr",
				WaitSelector: "table tbody tr",
				Fields: map[string]adapter.Field{
					colDocNo: {Selector: "td:nth-child(1)"},
					"결정일자":   {Selector: "td:nth-child(2)"},
					"구분":     {Selector: "td:nth-child(3)"},
					colTitle: {Selector: "td:nth-child(4)"},
				},
			}),
	}
}
