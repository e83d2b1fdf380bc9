// Package crawl runs the fetch → validate → diff → persist pipeline for one
// source, or for many sources independently in one batch execution.
//
// Every run is recorded in the execution log. A failure before persisting
// never touches the record store; a failure while persisting reports the
// keys it could not write.
package crawl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kibak812/taxupdater/connectivity"
	"github.com/kibak812/taxupdater/monitor/internal/detect"
	"github.com/kibak812/taxupdater/monitor/internal/notify"
	"github.com/kibak812/taxupdater/monitor/internal/record"
	"github.com/kibak812/taxupdater/monitor/internal/store"
)

// Triggers.
const (
	TriggerScheduled = "scheduled"
	TriggerManual    = "manual"
)

// Execution types.
const (
	TypeSingle = "single"
	TypeBatch  = "batch"
)

// Store is the persistence the orchestrator needs. *store.Store implements it.
type Store interface {
	detect.Store
	GetSchedule(ctx context.Context, key string) (*store.Schedule, error)
	Backup(ctx context.Context, source, keyField string, recs []record.Record) (string, error)
	Append(ctx context.Context, source, keyField, executionID string, recs []record.Record) (store.AppendResult, error)
	InsertNewData(ctx context.Context, entries []*store.NewDataEntry) (int, error)
	BeginExecution(ctx context.Context, e *store.Execution) error
	FinishExecution(ctx context.Context, e *store.Execution) error
}

// Notifier receives the count of records persisted by a run.
type Notifier interface {
	NotifyNewData(ctx context.Context, source string, newCount int, executionID string) (*notify.Result, error)
}

// Guard grants per-source exclusivity. The scheduler's lock set implements it.
type Guard interface {
	TryAcquire(key string) bool
	Release(key string)
}

// Config configures an Orchestrator.
type Config struct {
	Store    Store
	Notifier Notifier // optional
	Hub      *Hub     // optional
	Breakers *connectivity.Breakers
	// Workers bounds concurrent sources in a batch. Default: 3.
	Workers int
	// Session labels executions. Default: idgen-style timestamp labels.
	Session func() string
	Now     func() time.Time
	Logger  *slog.Logger
}

func (c *Config) defaults() {
	if c.Workers <= 0 {
		c.Workers = 3
	}
	if c.Breakers == nil {
		c.Breakers = connectivity.NewBreakers(
			connectivity.WithBreakerThreshold(5),
			connectivity.WithBreakerResetTimeout(10*time.Minute),
		)
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Orchestrator owns the registered sources and runs crawls.
type Orchestrator struct {
	cfg      Config
	detector *detect.Detector

	mu      sync.RWMutex
	sources map[string]*Source
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	cfg.defaults()
	return &Orchestrator{
		cfg:      cfg,
		detector: detect.New(cfg.Store, cfg.Logger),
		sources:  make(map[string]*Source),
	}
}

// Register adds or replaces a source.
func (o *Orchestrator) Register(src *Source) {
	o.mu.Lock()
	o.sources[src.Key] = src
	o.mu.Unlock()
}

// Source returns the registered source for key.
func (o *Orchestrator) Source(key string) (*Source, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	src, ok := o.sources[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, key)
	}
	return src, nil
}

// Keys lists registered source keys, sorted.
func (o *Orchestrator) Keys() []string {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]string, 0, len(o.sources))
	for k := range o.sources {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Breakers exposes the per-source circuit breakers.
func (o *Orchestrator) Breakers() *connectivity.Breakers { return o.cfg.Breakers }

func (o *Orchestrator) publish(execID, key, stage, status, msg string) {
	if o.cfg.Hub == nil {
		return
	}
	o.cfg.Hub.Publish(Event{
		ExecutionID: execID,
		SourceKey:   key,
		Stage:       stage,
		Percent:     stagePercent[stage],
		Status:      status,
		Message:     msg,
		Time:        o.cfg.Now(),
	})
}

// fetchLimits are the per-run fetch settings of one source.
type fetchLimits struct {
	since      time.Time
	timeout    time.Duration
	retries    int
	retryDelay time.Duration
}

// limits reads src's fetch settings. A stored schedule row overrides the
// registered values, so edits committed by another process apply from the
// next run on.
func (o *Orchestrator) limits(ctx context.Context, src *Source) fetchLimits {
	l := fetchLimits{timeout: src.Timeout, retries: src.Retries, retryDelay: src.RetryDelay}
	sc, err := o.cfg.Store.GetSchedule(ctx, src.Key)
	if err != nil {
		return l
	}
	if sc.LastSuccessAt != nil {
		l.since = time.UnixMilli(*sc.LastSuccessAt)
	}
	l.timeout = time.Duration(sc.TimeoutMs) * time.Millisecond
	l.retries = sc.RetryCount
	l.retryDelay = time.Duration(sc.RetryDelayMs) * time.Millisecond
	return l
}

// RunSource runs the pipeline for src under execution execID.
func (o *Orchestrator) RunSource(ctx context.Context, src *Source, execID string) *SourceResult {
	start := o.cfg.Now()
	log := o.cfg.Logger.With("source", src.Key, "execution_id", execID)
	res := &SourceResult{SourceKey: src.Key}

	finish := func(status string, err error) *SourceResult {
		res.Status = status
		res.DurationMs = o.cfg.Now().Sub(start).Milliseconds()
		if err != nil {
			res.Err = err
			res.Error = err.Error()
		}
		o.publish(execID, src.Key, StageDone, status, res.Error)
		return res
	}

	// fetching
	o.publish(execID, src.Key, StageFetching, "", "")
	snapshot, err := o.fetch(ctx, src, log)
	if err != nil {
		log.Warn("crawl: fetch failed", "error", err)
		return finish(store.ExecFailed, &FetchError{Source: src.Key, Err: err})
	}
	res.Fetched = len(snapshot)

	// validating
	o.publish(execID, src.Key, StageValidating, "", fmt.Sprintf("%d records", len(snapshot)))
	if err := validate(src, snapshot); err != nil {
		log.Warn("crawl: snapshot rejected", "error", err)
		return finish(store.ExecFailed, err)
	}

	// diffing
	o.publish(execID, src.Key, StageDiffing, "", "")
	diff, err := o.detector.Detect(ctx, src.Key, src.KeyField, snapshot)
	if err != nil {
		log.Error("crawl: diff failed", "error", err)
		return finish(store.ExecFailed, &PersistenceError{Source: src.Key, Err: err})
	}
	res.Existing = diff.Existing
	res.New = len(diff.New)
	res.Invalid = diff.Invalid
	res.Duplicates = diff.Duplicates
	res.SampleKeys = sample(record.Keys(diff.New, src.KeyField))
	if len(diff.New) == 0 {
		log.Info("crawl: no new records", "fetched", res.Fetched)
		return finish(store.ExecSuccess, nil)
	}

	// persisting
	o.publish(execID, src.Key, StagePersisting, "", fmt.Sprintf("%d new", len(diff.New)))
	if path, err := o.cfg.Store.Backup(ctx, src.Key, src.KeyField, diff.New); err != nil {
		log.Warn("crawl: backup failed", "error", err)
	} else {
		res.BackupPath = path
	}

	ar, appendErr := o.cfg.Store.Append(ctx, src.Key, src.KeyField, execID, diff.New)
	res.Written = len(ar.Written)
	if res.Written > 0 {
		o.logNewData(ctx, src, execID, diff.New, ar.Written, log)
		if o.cfg.Notifier != nil {
			if _, err := o.cfg.Notifier.NotifyNewData(ctx, src.Key, res.Written, execID); err != nil {
				log.Warn("crawl: notify new data", "error", err)
			}
		}
	}
	if appendErr != nil {
		res.UnwrittenKeys = ar.Unwritten
		perr := &PersistenceError{Source: src.Key, Unwritten: ar.Unwritten, Err: appendErr}
		if res.Written == 0 {
			log.Error("crawl: persist failed", "error", appendErr, "unwritten", len(ar.Unwritten))
			return finish(store.ExecFailed, perr)
		}
		log.Error("crawl: partial persist", "written", res.Written, "unwritten", len(ar.Unwritten), "error", appendErr)
		return finish(store.ExecPartialSuccess, perr)
	}

	log.Info("crawl: source done", "fetched", res.Fetched, "new", res.New, "written", res.Written)
	return finish(store.ExecSuccess, nil)
}

// fetch runs the adapter under one deadline for the whole phase. Retries
// happen inside that deadline; once it passes the run fails and the next
// scheduled tick tries again.
func (o *Orchestrator) fetch(ctx context.Context, src *Source, log *slog.Logger) ([]record.Record, error) {
	l := o.limits(ctx, src)
	var snapshot []record.Record
	call := connectivity.Chain(func(ctx context.Context) error {
		recs, err := src.Adapter.Fetch(ctx, l.since)
		if err != nil {
			return err
		}
		snapshot = recs
		return nil
	},
		connectivity.WithTimeout(l.timeout, src.Key),
		connectivity.WithRetry(l.retries, l.retryDelay, log),
		connectivity.WithCircuitBreaker(o.cfg.Breakers.Get(src.Key), src.Key),
	)
	if err := call(ctx); err != nil {
		return nil, err
	}
	return snapshot, nil
}

// validate rejects empty snapshots, records without a key and snapshots in
// which a required field is never filled.
func validate(src *Source, snapshot []record.Record) error {
	if len(snapshot) == 0 {
		return &ValidationError{Source: src.Key, Reason: "empty snapshot"}
	}
	for i, r := range snapshot {
		if r.Key(src.KeyField) == "" {
			return &ValidationError{Source: src.Key,
				Reason: fmt.Sprintf("record %d has no %s", i, src.KeyField)}
		}
	}
	for _, f := range src.Required {
		found := false
		for _, r := range snapshot {
			if strings.TrimSpace(r[f]) != "" {
				found = true
				break
			}
		}
		if !found {
			return &ValidationError{Source: src.Key, Reason: "missing field " + f}
		}
	}
	return nil
}

func (o *Orchestrator) logNewData(ctx context.Context, src *Source, execID string, recs []record.Record, written []string, log *slog.Logger) {
	ok := record.NewKeySet(written...)
	d := src.Display.orDefault()
	entries := make([]*store.NewDataEntry, 0, len(written))
	for _, r := range recs {
		k := r.Key(src.KeyField)
		if !ok.Has(k) {
			continue
		}
		title := r[d.Title]
		if title == "" {
			title = k
		}
		entries = append(entries, &store.NewDataEntry{
			ExecutionID: execID,
			SourceKey:   src.Key,
			DataID:      k,
			Title:       title,
			Summary:     r[d.Summary],
			Category:    r[d.Category],
			DataDate:    r[d.Date],
			URL:         r[d.URL],
			Tags:        tags(r[d.Category]),
		})
	}
	if _, err := o.cfg.Store.InsertNewData(ctx, entries); err != nil {
		log.Warn("crawl: new data log", "error", err)
	}
}

func tags(category string) []string {
	if category == "" {
		return nil
	}
	var out []string
	for _, t := range strings.FieldsFunc(category, func(r rune) bool { return r == ',' || r == '/' }) {
		if t = strings.TrimSpace(t); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func sample(keys []string) []string {
	if len(keys) > sampleSize {
		return keys[:sampleSize]
	}
	return keys
}

// Run crawls one source in its own execution.
func (o *Orchestrator) Run(ctx context.Context, key, trigger, triggeredBy string) (*Report, error) {
	src, err := o.Source(key)
	if err != nil {
		return nil, err
	}
	exec := &store.Execution{
		ExecutionType: TypeSingle,
		TriggerSource: trigger,
		TriggeredBy:   triggeredBy,
		SourceKeys:    []string{key},
	}
	if err := o.begin(ctx, exec); err != nil {
		return nil, err
	}
	res := o.RunSource(ctx, src, exec.ID)
	return o.close(ctx, exec, []*SourceResult{res})
}

// RunBatch crawls keys independently on a bounded worker pool and records
// one execution. Sources guard refuses are reported as skipped.
// An empty keys list means every registered source.
func (o *Orchestrator) RunBatch(ctx context.Context, keys []string, trigger, triggeredBy string, guard Guard) (*Report, error) {
	if len(keys) == 0 {
		keys = o.Keys()
	}
	srcs := make([]*Source, len(keys))
	for i, k := range keys {
		src, err := o.Source(k)
		if err != nil {
			return nil, err
		}
		srcs[i] = src
	}

	exec := &store.Execution{
		ExecutionType: TypeBatch,
		TriggerSource: trigger,
		TriggeredBy:   triggeredBy,
		SourceKeys:    keys,
	}
	if err := o.begin(ctx, exec); err != nil {
		return nil, err
	}

	results := make([]*SourceResult, len(srcs))
	sem := make(chan struct{}, o.cfg.Workers)
	var wg sync.WaitGroup
	for i, src := range srcs {
		if guard != nil && !guard.TryAcquire(src.Key) {
			o.cfg.Logger.Warn("crawl: source busy, skipped", "source", src.Key, "execution_id", exec.ID)
			results[i] = &SourceResult{SourceKey: src.Key, Status: store.ExecSkipped, Error: "already running"}
			o.publish(exec.ID, src.Key, StageDone, store.ExecSkipped, "already running")
			continue
		}
		wg.Add(1)
		go func(i int, src *Source) {
			defer wg.Done()
			if guard != nil {
				defer guard.Release(src.Key)
			}
			sem <- struct{}{}
			defer func() { <-sem }()
			results[i] = o.RunSource(ctx, src, exec.ID)
		}(i, src)
	}
	wg.Wait()
	return o.close(ctx, exec, results)
}

func (o *Orchestrator) begin(ctx context.Context, exec *store.Execution) error {
	if o.cfg.Session != nil {
		exec.SessionLabel = o.cfg.Session()
	}
	exec.TotalSources = len(exec.SourceKeys)
	if err := o.cfg.Store.BeginExecution(ctx, exec); err != nil {
		return fmt.Errorf("crawl: begin execution: %w", err)
	}
	o.cfg.Logger.Info("crawl: execution started",
		"execution_id", exec.ID, "type", exec.ExecutionType,
		"trigger", exec.TriggerSource, "sources", exec.SourceKeys)
	return nil
}

// close aggregates results into exec and writes it. The execution row is
// closed even when ctx is already cancelled.
func (o *Orchestrator) close(ctx context.Context, exec *store.Execution, results []*SourceResult) (*Report, error) {
	var errs []string
	ran := 0
	for _, r := range results {
		exec.TotalFetched += r.Fetched
		exec.TotalNew += r.Written
		switch r.Status {
		case store.ExecSuccess, store.ExecPartialSuccess:
			exec.SuccessSources++
			ran++
		case store.ExecFailed:
			exec.FailedSources++
			ran++
		}
		if r.Error != "" {
			errs = append(errs, r.SourceKey+": "+r.Error)
		}
	}
	exec.Status = aggregate(results, ran)
	exec.ErrorSummary = strings.Join(errs, "; ")
	if raw, err := json.Marshal(results); err == nil {
		exec.SourceResults = raw
	}

	if err := o.cfg.Store.FinishExecution(context.WithoutCancel(ctx), exec); err != nil {
		return nil, fmt.Errorf("crawl: finish execution: %w", err)
	}
	o.cfg.Logger.Info("crawl: execution finished",
		"execution_id", exec.ID, "status", exec.Status,
		"fetched", exec.TotalFetched, "new", exec.TotalNew,
		"failed_sources", exec.FailedSources, "duration_ms", exec.DurationMs)
	return &Report{Execution: exec, Results: results}, nil
}

// aggregate: all ran sources succeeded ⇒ success; all failed ⇒ failed;
// anything else ⇒ partial_success. Nothing ran ⇒ skipped.
func aggregate(results []*SourceResult, ran int) string {
	if ran == 0 {
		return store.ExecSkipped
	}
	ok, failed := 0, 0
	for _, r := range results {
		switch r.Status {
		case store.ExecSuccess:
			ok++
		case store.ExecFailed:
			failed++
		}
	}
	switch {
	case ok == ran:
		return store.ExecSuccess
	case failed == ran:
		return store.ExecFailed
	default:
		return store.ExecPartialSuccess
	}
}

// IsTimeout reports whether err came from a fetch timeout.
func IsTimeout(err error) bool {
	var te *connectivity.ErrCallTimeout
	return errors.As(err, &te)
}
