package observability

import (
	"sync"
	"time"
)

// Stage names the tracker reacts to. They match the crawl progress stages.
const (
	StageFetching = "fetching"
	StageDone     = "done"
)

// RunTracker turns crawl progress events into per-source metrics: one
// crawl_runs point per finished run, a crawl_duration_ms point when the
// start was seen, and a crawl_failures point for failed runs.
type RunTracker struct {
	metrics *MetricsManager

	mu      sync.Mutex
	started map[string]time.Time // execID/source -> fetching time
}

// NewRunTracker records into mm.
func NewRunTracker(mm *MetricsManager) *RunTracker {
	return &RunTracker{metrics: mm, started: make(map[string]time.Time)}
}

// Observe consumes one progress event.
func (t *RunTracker) Observe(execID, source, stage, status string, at time.Time) {
	key := execID + "/" + source
	switch stage {
	case StageFetching:
		t.mu.Lock()
		t.started[key] = at
		t.mu.Unlock()
	case StageDone:
		t.mu.Lock()
		start, ok := t.started[key]
		delete(t.started, key)
		t.mu.Unlock()

		labels := map[string]string{"source": source, "status": status}
		t.metrics.Record(&Metric{Name: MetricCrawlRuns, Timestamp: at, Value: 1, Labels: labels, Unit: "count"})
		if ok {
			t.metrics.Record(&Metric{
				Name:      MetricCrawlDurationMs,
				Timestamp: at,
				Value:     float64(at.Sub(start).Milliseconds()),
				Labels:    labels,
				Unit:      "ms",
			})
		}
		if status == "failed" {
			t.metrics.Record(&Metric{Name: MetricCrawlFailures, Timestamp: at, Value: 1, Labels: labels, Unit: "count"})
		}
	}
}

// Pending reports runs whose start was seen but not their end.
func (t *RunTracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
