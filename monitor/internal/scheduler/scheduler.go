// CLAUDE:SUMMARY Cron-driven crawl scheduler: one trigger per enabled source, per-source mutual exclusion, misfire grace, health bookkeeping, maintenance and hot reload.
// Package scheduler fires crawls on each source's cron schedule.
//
// A source never runs twice at once: a dispatch that finds its source busy
// is skipped, not queued. A fire time missed by less than the misfire grace
// runs once on the next tick; older misses are dropped. After every run the
// source's counters and health are updated. Every failed or partial run
// raises an error alert; the notification engine dedups and rate-limits them.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kibak812/taxupdater/monitor/internal/crawl"
	"github.com/kibak812/taxupdater/monitor/internal/notify"
	"github.com/kibak812/taxupdater/monitor/internal/store"
	"github.com/kibak812/taxupdater/watch"
)

// ErrAlreadyRunning is returned when a source's previous run has not ended.
var ErrAlreadyRunning = errors.New("scheduler: source already running")

// ErrNotRunning is returned by Stop when the loop is not started.
var ErrNotRunning = errors.New("scheduler: not running")

// Runner executes crawls. *crawl.Orchestrator implements it.
type Runner interface {
	Run(ctx context.Context, key, trigger, triggeredBy string) (*crawl.Report, error)
	RunBatch(ctx context.Context, keys []string, trigger, triggeredBy string, guard crawl.Guard) (*crawl.Report, error)
}

// Store is the persistence the scheduler needs. *store.Store implements it.
type Store interface {
	ListSchedules(ctx context.Context, enabledOnly bool) ([]*store.Schedule, error)
	GetSchedule(ctx context.Context, key string) (*store.Schedule, error)
	SetNextRun(ctx context.Context, key string, next *int64) error
	RecordRunSuccess(ctx context.Context, key string, durationMs int64) (*store.Health, error)
	RecordRunFailure(ctx context.Context, key, msg string, errorThreshold int) (*store.Health, error)
	GetHealth(ctx context.Context, key, component string) (*store.Health, error)
	SetHealthStatus(ctx context.Context, key, component, status, msg string) error
	FlagSilent(ctx context.Context, sinceMs int64) ([]string, error)
	MarkOffline(ctx context.Context) error
	Cleanup(ctx context.Context) (store.CleanupResult, error)
}

// Notifier raises alerts. *notify.Engine implements it.
type Notifier interface {
	NotifyError(ctx context.Context, source, message, executionID string) (*notify.Result, error)
	NotifySystem(ctx context.Context, message, urgency string) (*notify.Result, error)
	EvictExpired() int
}

// Config configures a Scheduler.
type Config struct {
	Store    Store
	Runner   Runner
	Notifier Notifier // optional
	// Watcher, when set, triggers Reload on schedule table changes.
	Watcher *watch.Watcher

	// Tick is the dispatch loop period. Default: 1s.
	Tick time.Duration
	// MisfireGrace bounds how late a fire time may still run. Default: 1h.
	MisfireGrace time.Duration
	// MaintenanceInterval spaces silent-death and offline checks. Default: 5m.
	MaintenanceInterval time.Duration
	// SilentAfter is how long an enabled source may go without a success
	// before it is flagged. Default: 24h.
	SilentAfter time.Duration
	// CleanupInterval spaces retention cleanup. Default: 24h.
	CleanupInterval time.Duration
	// ErrorThreshold is the consecutive failures that mean error. Default: 3.
	ErrorThreshold int

	Now    func() time.Time
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Tick <= 0 {
		c.Tick = time.Second
	}
	if c.MisfireGrace <= 0 {
		c.MisfireGrace = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 5 * time.Minute
	}
	if c.SilentAfter <= 0 {
		c.SilentAfter = 24 * time.Hour
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = 24 * time.Hour
	}
	if c.ErrorThreshold <= 0 {
		c.ErrorThreshold = 3
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

type entry struct {
	key   string
	expr  string
	tz    string
	sched cron.Schedule
	next  time.Time
}

// Scheduler drives crawls from cron schedules.
type Scheduler struct {
	cfg   Config
	locks *Locks

	// jobCtx outlives Start/Stop cycles; Close cancels it.
	jobCtx    context.Context
	jobCancel context.CancelFunc
	jobs      sync.WaitGroup

	mu          sync.Mutex
	entries     map[string]*entry
	loopCancel  context.CancelFunc
	loopDone    chan struct{}
	lastCleanup time.Time
	startedAt   time.Time
}

// New creates a stopped Scheduler.
func New(cfg Config) *Scheduler {
	cfg.defaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:       cfg,
		locks:     NewLocks(),
		jobCtx:    ctx,
		jobCancel: cancel,
		entries:   make(map[string]*entry),
	}
}

// Locks exposes the running set.
func (s *Scheduler) Locks() *Locks { return s.locks }

// Running reports whether the dispatch loop is started.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loopCancel != nil
}

// Start loads schedules and starts the dispatch, maintenance and reload
// loops. It returns once the schedules are loaded.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.loopCancel != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	if err := s.Reload(); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.loopCancel = cancel
	s.loopDone = done
	s.startedAt = s.cfg.Now()
	n := len(s.entries)
	s.mu.Unlock()

	if err := s.cfg.Store.SetHealthStatus(ctx, store.SystemKey, store.ComponentScheduler, store.StatusHealthy, ""); err != nil {
		s.cfg.Logger.Warn("scheduler: status update", "error", err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.loop(loopCtx)
	}()
	if s.cfg.Watcher != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.cfg.Watcher.OnChange(loopCtx, s.Reload)
		}()
	}
	go func() {
		wg.Wait()
		close(done)
	}()

	s.cfg.Logger.Info("scheduler: started", "sources", n)
	return nil
}

// Stop halts the loops and waits, until ctx is done, for in-flight crawls.
// Crawls still running when ctx ends are left to finish on their own.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	cancel, done := s.loopCancel, s.loopDone
	s.loopCancel, s.loopDone = nil, nil
	s.mu.Unlock()
	if cancel == nil {
		return ErrNotRunning
	}
	cancel()
	<-done

	finished := make(chan struct{})
	go func() {
		s.jobs.Wait()
		close(finished)
	}()
	select {
	case <-finished:
	case <-ctx.Done():
		s.cfg.Logger.Warn("scheduler: stop timed out with crawls in flight", "running", s.locks.Keys())
	}

	if err := s.cfg.Store.SetHealthStatus(context.WithoutCancel(ctx), store.SystemKey, store.ComponentScheduler, store.StatusOffline, "stopped"); err != nil {
		s.cfg.Logger.Warn("scheduler: status update", "error", err)
	}
	s.cfg.Logger.Info("scheduler: stopped")
	return nil
}

// Close stops the scheduler if needed and cancels in-flight crawls.
func (s *Scheduler) Close() error {
	if s.Running() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.Stop(ctx)
	}
	s.jobCancel()
	s.jobs.Wait()
	return nil
}

// StartedAt returns when the loop was last started.
func (s *Scheduler) StartedAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startedAt
}

// Wait blocks until every dispatched crawl has finished.
func (s *Scheduler) Wait() { s.jobs.Wait() }

func (s *Scheduler) loop(ctx context.Context) {
	tick := time.NewTicker(s.cfg.Tick)
	defer tick.Stop()
	maint := time.NewTicker(s.cfg.MaintenanceInterval)
	defer maint.Stop()

	s.maintain(ctx, s.cfg.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
			s.tick(s.cfg.Now())
		case <-maint.C:
			s.maintain(ctx, s.cfg.Now())
		}
	}
}

// Reload rebuilds the trigger table from the enabled schedules. Entries
// whose expression and timezone did not change keep their next fire time.
// A schedule with a stored next_run_at in the past is kept as is, so the
// misfire rule decides whether it still runs.
func (s *Scheduler) Reload() error {
	ctx := s.jobCtx
	scheds, err := s.cfg.Store.ListSchedules(ctx, true)
	if err != nil {
		return fmt.Errorf("scheduler: reload: %w", err)
	}
	now := s.cfg.Now()

	s.mu.Lock()
	old := s.entries
	fresh := make(map[string]*entry, len(scheds))
	var persist []*entry
	for _, sc := range scheds {
		sched, err := Parse(sc.CronExpr, sc.Timezone)
		if err != nil {
			s.cfg.Logger.Error("scheduler: schedule rejected", "source", sc.SourceKey, "error", err)
			continue
		}
		e := &entry{key: sc.SourceKey, expr: sc.CronExpr, tz: sc.Timezone, sched: sched}
		switch prev, ok := old[sc.SourceKey]; {
		case ok && prev.expr == e.expr && prev.tz == e.tz:
			e.next = prev.next
		case !ok && sc.NextRunAt != nil:
			e.next = time.UnixMilli(*sc.NextRunAt)
		default:
			e.next = sched.Next(now)
			persist = append(persist, e)
		}
		fresh[e.key] = e
	}
	s.entries = fresh
	s.mu.Unlock()

	for _, e := range persist {
		s.saveNext(ctx, e.key, e.next)
	}
	for k := range old {
		if _, ok := fresh[k]; !ok {
			s.cfg.Logger.Info("scheduler: source unscheduled", "source", k)
			s.saveNext(ctx, k, time.Time{})
		}
	}
	s.cfg.Logger.Debug("scheduler: reloaded", "sources", len(fresh))
	return nil
}

func (s *Scheduler) saveNext(ctx context.Context, key string, next time.Time) {
	var ms *int64
	if !next.IsZero() {
		v := next.UnixMilli()
		ms = &v
	}
	if err := s.cfg.Store.SetNextRun(ctx, key, ms); err != nil {
		s.cfg.Logger.Warn("scheduler: save next run", "source", key, "error", err)
	}
}

// tick dispatches every entry due at now.
func (s *Scheduler) tick(now time.Time) {
	type due struct {
		key  string
		late time.Duration
		next time.Time
	}
	var fire []due
	s.mu.Lock()
	for _, e := range s.entries {
		if e.next.IsZero() || e.next.After(now) {
			continue
		}
		late := now.Sub(e.next)
		e.next = e.sched.Next(now)
		fire = append(fire, due{key: e.key, late: late, next: e.next})
	}
	s.mu.Unlock()
	sort.Slice(fire, func(i, j int) bool { return fire[i].key < fire[j].key })

	for _, d := range fire {
		s.saveNext(s.jobCtx, d.key, d.next)
		if d.late > s.cfg.MisfireGrace {
			s.cfg.Logger.Warn("scheduler: misfire skipped",
				"source", d.key, "late", d.late.Round(time.Second), "next", d.next)
			continue
		}
		if err := s.dispatch(d.key, crawl.TriggerScheduled, "cron"); err != nil {
			s.cfg.Logger.Warn("scheduler: dispatch skipped", "source", d.key, "error", err)
		}
	}
}

// dispatch starts one crawl of key on its own goroutine.
func (s *Scheduler) dispatch(key, trigger, by string) error {
	if !s.locks.TryAcquire(key) {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		defer s.locks.Release(key)
		s.runOne(s.jobCtx, key, trigger, by)
	}()
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, key, trigger, by string) {
	log := s.cfg.Logger.With("source", key, "trigger", trigger)
	log.Info("scheduler: crawl dispatched")

	rep, err := s.cfg.Runner.Run(ctx, key, trigger, by)
	if err != nil {
		log.Error("scheduler: crawl could not start", "error", err)
		s.recordOutcome(ctx, &crawl.SourceResult{SourceKey: key, Status: store.ExecFailed, Error: err.Error()}, "")
		return
	}
	for _, r := range rep.Results {
		s.recordOutcome(ctx, r, rep.Execution.ID)
	}
}

// recordOutcome folds one source result into counters and health and
// raises an error alert for every failed or partial run.
// partial_success counts as a failure: some records are still unwritten.
func (s *Scheduler) recordOutcome(ctx context.Context, r *crawl.SourceResult, execID string) {
	log := s.cfg.Logger.With("source", r.SourceKey)
	ctx = context.WithoutCancel(ctx)

	switch r.Status {
	case store.ExecSkipped:
		return
	case store.ExecSuccess:
		if _, err := s.cfg.Store.RecordRunSuccess(ctx, r.SourceKey, r.DurationMs); err != nil {
			log.Warn("scheduler: record success", "error", err)
		}
		return
	}

	msg := r.Error
	if msg == "" {
		msg = r.Status
	}
	if h, err := s.cfg.Store.RecordRunFailure(ctx, r.SourceKey, msg, s.cfg.ErrorThreshold); err != nil {
		log.Warn("scheduler: record failure", "error", err)
	} else {
		log.Warn("scheduler: crawl failed", "run_status", r.Status,
			"status", h.Status, "consecutive_errors", h.ConsecutiveErrors, "health_score", h.HealthScore)
	}
	if s.cfg.Notifier == nil {
		return
	}
	if _, err := s.cfg.Notifier.NotifyError(ctx, r.SourceKey, alertMessage(r, msg), execID); err != nil {
		log.Warn("scheduler: error alert", "error", err)
	}
}

// maxAlertKeys caps the unwritten keys quoted in a partial-run alert.
const maxAlertKeys = 10

func alertMessage(r *crawl.SourceResult, msg string) string {
	if r.Status != store.ExecPartialSuccess || len(r.UnwrittenKeys) == 0 {
		return msg
	}
	keys := r.UnwrittenKeys
	more := ""
	if len(keys) > maxAlertKeys {
		more = fmt.Sprintf(" 외 %d건", len(keys)-maxAlertKeys)
		keys = keys[:maxAlertKeys]
	}
	return fmt.Sprintf("%s (미저장 %d건: %s%s)", msg, len(r.UnwrittenKeys), strings.Join(keys, ", "), more)
}

// Trigger runs key now, or after delay. An immediate trigger of a busy
// source fails with ErrAlreadyRunning; a delayed one checks when it fires.
func (s *Scheduler) Trigger(ctx context.Context, key string, delay time.Duration, by string) error {
	if _, err := s.cfg.Store.GetSchedule(ctx, key); err != nil {
		return err
	}
	if delay <= 0 {
		return s.dispatch(key, crawl.TriggerManual, by)
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.jobCtx.Done():
			return
		case <-t.C:
		}
		if err := s.dispatch(key, crawl.TriggerManual, by); err != nil {
			s.cfg.Logger.Warn("scheduler: delayed trigger skipped", "source", key, "error", err)
		}
	}()
	s.cfg.Logger.Info("scheduler: crawl scheduled", "source", key, "delay", delay)
	return nil
}

// TriggerAll runs every enabled source as one batch execution in the
// background. Busy sources are reported skipped.
func (s *Scheduler) TriggerAll(ctx context.Context, by string) error {
	scheds, err := s.cfg.Store.ListSchedules(ctx, true)
	if err != nil {
		return err
	}
	keys := make([]string, len(scheds))
	for i, sc := range scheds {
		keys[i] = sc.SourceKey
	}
	if len(keys) == 0 {
		return nil
	}
	s.jobs.Add(1)
	go func() {
		defer s.jobs.Done()
		rep, err := s.cfg.Runner.RunBatch(s.jobCtx, keys, crawl.TriggerManual, by, s.locks)
		if err != nil {
			s.cfg.Logger.Error("scheduler: batch could not start", "error", err)
			return
		}
		for _, r := range rep.Results {
			s.recordOutcome(s.jobCtx, r, rep.Execution.ID)
		}
	}()
	return nil
}

// maintain flags silent sources, marks disabled ones offline, evicts
// expired dedup entries and runs retention cleanup when due.
func (s *Scheduler) maintain(ctx context.Context, now time.Time) {
	log := s.cfg.Logger
	silent, err := s.cfg.Store.FlagSilent(ctx, now.Add(-s.cfg.SilentAfter).UnixMilli())
	if err != nil {
		log.Warn("scheduler: silent check", "error", err)
	}
	for _, k := range silent {
		log.Warn("scheduler: source silent", "source", k, "since", s.cfg.SilentAfter)
		if s.cfg.Notifier != nil {
			msg := fmt.Sprintf("%s: %s 동안 수집 성공 없음", k, s.cfg.SilentAfter)
			if _, err := s.cfg.Notifier.NotifySystem(ctx, msg, notify.UrgencyNormal); err != nil {
				log.Warn("scheduler: silent alert", "error", err)
			}
		}
	}
	if err := s.cfg.Store.MarkOffline(ctx); err != nil {
		log.Warn("scheduler: offline check", "error", err)
	}
	if s.cfg.Notifier != nil {
		if n := s.cfg.Notifier.EvictExpired(); n > 0 {
			log.Debug("scheduler: dedup entries evicted", "count", n)
		}
	}

	s.mu.Lock()
	due := now.Sub(s.lastCleanup) >= s.cfg.CleanupInterval
	if due {
		s.lastCleanup = now
	}
	s.mu.Unlock()
	if due {
		res, err := s.cfg.Store.Cleanup(ctx)
		if err != nil {
			log.Warn("scheduler: cleanup", "error", err)
		} else {
			log.Info("scheduler: cleanup done",
				"read_notifications", res.ReadNotifications,
				"expired_notifications", res.ExpiredNotifications,
				"new_data", res.NewData, "executions", res.Executions)
		}
	}
}

// SourceStatus is the scheduling view of one source.
type SourceStatus struct {
	*store.Schedule
	Scheduled bool          `json:"scheduled"`
	Running   bool          `json:"running"`
	Health    *store.Health `json:"health,omitempty"`
}

// Status lists every source with its next fire time, running flag and health.
func (s *Scheduler) Status(ctx context.Context) ([]*SourceStatus, error) {
	scheds, err := s.cfg.Store.ListSchedules(ctx, false)
	if err != nil {
		return nil, err
	}
	out := make([]*SourceStatus, 0, len(scheds))
	for _, sc := range scheds {
		st := &SourceStatus{Schedule: sc, Running: s.locks.Held(sc.SourceKey)}
		s.mu.Lock()
		if e, ok := s.entries[sc.SourceKey]; ok {
			st.Scheduled = true
			next := e.next.UnixMilli()
			sc.NextRunAt = &next
		}
		s.mu.Unlock()
		if h, err := s.cfg.Store.GetHealth(ctx, sc.SourceKey, store.ComponentCrawler); err == nil {
			st.Health = h
		}
		out = append(out, st)
	}
	return out, nil
}
