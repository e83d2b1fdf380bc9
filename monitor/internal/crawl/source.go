package crawl

import (
	"time"

	"github.com/kibak812/taxupdater/monitor/internal/adapter"
	"github.com/kibak812/taxupdater/monitor/internal/record"
	"github.com/kibak812/taxupdater/monitor/internal/store"
)

// Display names the record fields copied into the new-data log.
// Empty entries fall back to the record package defaults.
type Display struct {
	Title    string `yaml:"title,omitempty" json:"title,omitempty"`
	Date     string `yaml:"date,omitempty" json:"date,omitempty"`
	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Summary  string `yaml:"summary,omitempty" json:"summary,omitempty"`
	URL      string `yaml:"url,omitempty" json:"url,omitempty"`
}

func (d Display) orDefault() Display {
	pick := func(v, def string) string {
		if v == "" {
			return def
		}
		return v
	}
	return Display{
		Title:    pick(d.Title, record.FieldTitle),
		Date:     pick(d.Date, record.FieldDate),
		Category: pick(d.Category, record.FieldCategory),
		Summary:  pick(d.Summary, record.FieldSummary),
		URL:      pick(d.URL, record.FieldURL),
	}
}

// Source is everything the orchestrator needs to crawl one portal.
type Source struct {
	Key      string
	Name     string
	KeyField string
	Adapter  adapter.Adapter
	// Timeout bounds the whole fetch phase, retries included. Zero means no
	// limit. Timeout, Retries and RetryDelay are defaults: a stored schedule
	// row for Key overrides them on every run.
	Timeout time.Duration
	// Retries after the first failed fetch, spaced RetryDelay, 2*RetryDelay...
	// while the Timeout deadline allows.
	Retries    int
	RetryDelay time.Duration
	// Required fields must be filled in at least one record of a snapshot.
	Required []string
	Display  Display
}

// SourceResult is the outcome of one source within an execution.
type SourceResult struct {
	SourceKey     string   `json:"source_key"`
	Status        string   `json:"status"`
	Fetched       int      `json:"fetched"`
	Existing      int      `json:"existing"`
	New           int      `json:"new"`
	Written       int      `json:"written"`
	Invalid       int      `json:"invalid,omitempty"`
	Duplicates    int      `json:"duplicates,omitempty"`
	DurationMs    int64    `json:"duration_ms"`
	SampleKeys    []string `json:"sample_keys,omitempty"`
	UnwrittenKeys []string `json:"unwritten_keys,omitempty"`
	BackupPath    string   `json:"backup_path,omitempty"`
	Error         string   `json:"error,omitempty"`

	Err error `json:"-"`
}

// Succeeded reports whether the run ended in success.
func (r *SourceResult) Succeeded() bool { return r.Status == store.ExecSuccess }

// Report is a closed execution with its per-source results.
type Report struct {
	Execution *store.Execution `json:"execution"`
	Results   []*SourceResult  `json:"results"`
}

const sampleSize = 5
