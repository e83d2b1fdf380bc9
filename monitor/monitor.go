// CLAUDE:SUMMARY Service facade wiring store, adapters, crawl orchestrator, notification engine, alert channels and scheduler; exposes the query and control API.
package monitor

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kibak812/taxupdater/channels"
	"github.com/kibak812/taxupdater/idgen"
	"github.com/kibak812/taxupdater/monitor/internal/adapter"
	"github.com/kibak812/taxupdater/monitor/internal/browser"
	"github.com/kibak812/taxupdater/monitor/internal/crawl"
	"github.com/kibak812/taxupdater/monitor/internal/notify"
	"github.com/kibak812/taxupdater/monitor/internal/scheduler"
	"github.com/kibak812/taxupdater/monitor/internal/store"
	"github.com/kibak812/taxupdater/observability"
	"github.com/kibak812/taxupdater/watch"
)

// Service is the tax-portal monitor.
type Service struct {
	cfg    *Config
	logger *slog.Logger
	now    func() time.Time
	loc    *time.Location

	store       *store.Store
	adapters    *adapter.Registry
	browser     *browser.Manager
	orch        *crawl.Orchestrator
	hub         *crawl.Hub
	engine      *notify.Engine
	dispatcher  *channels.Dispatcher
	broadcaster *channels.Broadcaster
	watcher     *watch.Watcher
	sched       *scheduler.Scheduler
	obs         *observer

	client    *http.Client
	renderer  adapter.Renderer
	mailer    channels.Mailer
	overrides map[string]adapter.Adapter
	tick      time.Duration
}

// ServiceOption configures optional Service parameters.
type ServiceOption func(*Service)

// WithClock replaces time.Now everywhere in the service.
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) { s.now = fn }
}

// WithHTTPClient sets the client used by html and rss adapters.
func WithHTTPClient(c *http.Client) ServiceOption {
	return func(s *Service) { s.client = c }
}

// WithRenderer replaces the headless browser for browser adapters.
func WithRenderer(r adapter.Renderer) ServiceOption {
	return func(s *Service) { s.renderer = r }
}

// WithMailer sets the transport of email channels.
func WithMailer(m channels.Mailer) ServiceOption {
	return func(s *Service) { s.mailer = m }
}

// WithAdapter replaces the configured adapter of one source.
func WithAdapter(key string, a adapter.Adapter) ServiceOption {
	return func(s *Service) { s.overrides[key] = a }
}

// WithTick sets the scheduler dispatch period.
func WithTick(d time.Duration) ServiceOption {
	return func(s *Service) { s.tick = d }
}

// New creates the Service on db: applies the schema, seeds one schedule per
// configured source (existing rows are left alone) and wires every
// component. The scheduler is not started.
func New(db *sql.DB, cfg *Config, logger *slog.Logger, opts ...ServiceOption) (*Service, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.defaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q", ErrInvalidInput, cfg.Timezone)
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		loc:       loc,
		overrides: make(map[string]adapter.Adapter),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = &http.Client{Timeout: cfg.Crawl.HTTPTimeout}
	}

	if err := store.ApplySchema(db); err != nil {
		return nil, err
	}
	s.store = store.NewStore(db,
		store.WithBackupDir(cfg.BackupDir),
		store.WithClock(s.now),
		store.WithLogger(logger),
	)

	if err := s.buildChannels(); err != nil {
		return nil, err
	}
	s.engine = notify.New(s.store, s.dispatcher, notify.Config{
		DedupWindow:      cfg.Notify.DedupWindow,
		ErrorRateLimit:   cfg.Notify.ErrorRateLimit,
		MaxDaily:         cfg.Notify.MaxDaily,
		HighUrgencyCount: cfg.Notify.HighUrgencyCount,
		DeliveryTimeout:  cfg.Notify.SendTimeout,
		Location:         loc,
		Now:              s.now,
		Logger:           logger,
	})

	if s.renderer == nil {
		s.browser = browser.NewManager(browser.Config{
			RemoteURL:       cfg.Browser.RemoteURL,
			RecycleInterval: cfg.Browser.RecycleInterval,
			Block:           cfg.Browser.Block,
			Logger:          logger,
		})
		s.renderer = s.browser
	}
	s.adapters = adapter.NewRegistry(adapter.Deps{Client: s.client, Renderer: s.renderer, Logger: logger})

	s.hub = crawl.NewHub()
	s.orch = crawl.New(crawl.Config{
		Store:    s.store,
		Notifier: s.engine,
		Hub:      s.hub,
		Workers:  cfg.Crawl.Workers,
		Session:  idgen.Session(loc),
		Now:      s.now,
		Logger:   logger,
	})

	ctx := context.Background()
	for _, sc := range cfg.Sources {
		if err := s.registerSource(ctx, sc); err != nil {
			return nil, err
		}
	}

	if err := s.startObserver(db); err != nil {
		return nil, err
	}

	s.watcher = watch.New(db, watch.Options{
		Interval: cfg.Scheduler.ReloadInterval,
		Detector: watch.MaxColumnDetector("crawl_schedules", "updated_at"),
		Logger:   logger,
	})
	s.sched = scheduler.New(scheduler.Config{
		Store:               retainingStore{Store: s.store, svc: s},
		Runner:              s.orch,
		Notifier:            s.engine,
		Watcher:             s.watcher,
		Tick:                s.tick,
		MisfireGrace:        cfg.Scheduler.MisfireGrace,
		MaintenanceInterval: cfg.Scheduler.MaintenanceInterval,
		SilentAfter:         cfg.Scheduler.SilentAfter,
		ErrorThreshold:      cfg.Scheduler.ErrorThreshold,
		Now:                 s.now,
		Logger:              logger,
	})

	logger.Info("monitor: ready", "sources", len(cfg.Sources), "channels", s.dispatcher.Names())
	return s, nil
}

// buildChannels creates the dispatcher with the in-process broadcaster and
// every enabled configured channel.
func (s *Service) buildChannels() error {
	reg := channels.NewRegistry()
	if s.mailer != nil {
		reg.Register("email", channels.EmailFactory(s.mailer))
	}
	s.dispatcher = channels.NewDispatcher(
		channels.WithLogger(s.logger),
		channels.WithMaxConcurrent(s.cfg.Notify.MaxConcurrent),
		channels.WithSendTimeout(s.cfg.Notify.SendTimeout),
	)
	s.broadcaster = channels.NewBroadcaster("ui")
	s.dispatcher.Add(s.broadcaster)

	for _, cc := range s.cfg.Channels {
		if cc.Enabled != nil && !*cc.Enabled {
			continue
		}
		raw, err := cc.RawConfig()
		if err != nil {
			return fmt.Errorf("monitor: channel %s: %w", cc.Name, err)
		}
		ch, err := reg.Build(cc.Name, cc.Platform, raw)
		if err != nil {
			return fmt.Errorf("monitor: channel %s: %w", cc.Name, err)
		}
		s.dispatcher.Add(ch)
	}
	return nil
}

// registerSource builds the adapter, seeds the schedule row and registers
// the crawl source with the stored retry and timeout settings.
func (s *Service) registerSource(ctx context.Context, sc SourceConfig) error {
	ad, ok := s.overrides[sc.Key]
	if !ok {
		var err error
		if ad, err = s.adapters.Build(sc.Adapter); err != nil {
			return fmt.Errorf("monitor: source %s: %w", sc.Key, err)
		}
	}

	seed := &store.Schedule{
		SourceKey:             sc.Key,
		DisplayName:           sc.Name,
		KeyField:              sc.KeyField,
		CronExpr:              sc.Cron,
		Timezone:              sc.Timezone,
		Enabled:               sc.IsEnabled(),
		Priority:              sc.Priority,
		TimeoutMs:             sc.Timeout.Milliseconds(),
		RetryCount:            sc.Retries,
		RetryDelayMs:          sc.RetryDelay.Milliseconds(),
		NotificationThreshold: sc.Threshold,
	}
	created, err := s.store.InsertScheduleIfAbsent(ctx, seed)
	if err != nil {
		return err
	}
	stored := seed
	if !created {
		if stored, err = s.store.GetSchedule(ctx, sc.Key); err != nil {
			return err
		}
	}

	src := &crawl.Source{
		Key:      sc.Key,
		Name:     sc.Name,
		KeyField: sc.KeyField,
		Adapter:  ad,
		Required: sc.Required,
		Display:  sc.Display,
	}
	applySchedule(src, stored)
	s.orch.Register(src)
	return nil
}

func applySchedule(src *crawl.Source, sc *store.Schedule) {
	src.Timeout = time.Duration(sc.TimeoutMs) * time.Millisecond
	src.Retries = sc.RetryCount
	src.RetryDelay = time.Duration(sc.RetryDelayMs) * time.Millisecond
	if sc.DisplayName != "" {
		src.Name = sc.DisplayName
	}
}

// Start starts the scheduler. Calling it on a running scheduler is a no-op.
func (s *Service) Start(ctx context.Context) error {
	return s.audited(ctx, ActionStartScheduler, "", nil, func() error {
		return s.sched.Start(ctx)
	})
}

// Stop stops the scheduler, waiting for running crawls until ctx is done.
func (s *Service) Stop(ctx context.Context) error {
	return s.audited(ctx, ActionStopScheduler, "", nil, func() error {
		return s.sched.Stop(ctx)
	})
}

// Close stops everything and releases the browser. The database stays open.
func (s *Service) Close() error {
	err := s.sched.Close()
	s.engine.Wait()
	s.obs.close()
	if s.browser != nil {
		if berr := s.browser.Close(); berr != nil && !errors.Is(berr, browser.ErrClosed) {
			err = errors.Join(err, berr)
		}
	}
	return err
}

// Sources returns the configured source keys.
func (s *Service) Sources() []string { return s.orch.Keys() }

// ListSchedules returns every source with its scheduling and health state.
func (s *Service) ListSchedules(ctx context.Context) ([]*SourceStatus, error) {
	return s.sched.Status(ctx)
}

// GetSchedule returns one source's scheduling and health state.
func (s *Service) GetSchedule(ctx context.Context, key string) (*SourceStatus, error) {
	all, err := s.sched.Status(ctx)
	if err != nil {
		return nil, err
	}
	for _, st := range all {
		if st.SourceKey == key {
			return st, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, key)
}

// UpsertSchedule edits a configured source's schedule. The new cron
// expression takes effect immediately.
func (s *Service) UpsertSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error) {
	var out *Schedule
	err := s.audited(ctx, ActionUpdateSchedule, in.SourceKey, in, func() error {
		var err error
		out, err = s.upsertSchedule(ctx, in)
		return err
	})
	return out, err
}

func (s *Service) upsertSchedule(ctx context.Context, in ScheduleInput) (*Schedule, error) {
	src, err := s.orch.Source(in.SourceKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, in.SourceKey)
	}
	sc, err := s.store.GetSchedule(ctx, in.SourceKey)
	if err != nil {
		return nil, err
	}
	before := sc.CronExpr

	if in.CronExpr != nil {
		sc.CronExpr = strings.TrimSpace(*in.CronExpr)
	}
	if in.Timezone != nil {
		sc.Timezone = *in.Timezone
	}
	if in.DisplayName != nil {
		sc.DisplayName = *in.DisplayName
	}
	if in.Enabled != nil {
		sc.Enabled = *in.Enabled
	}
	if in.Priority != nil {
		sc.Priority = *in.Priority
	}
	if in.TimeoutMs != nil {
		sc.TimeoutMs = *in.TimeoutMs
	}
	if in.RetryCount != nil {
		sc.RetryCount = *in.RetryCount
	}
	if in.RetryDelayMs != nil {
		sc.RetryDelayMs = *in.RetryDelayMs
	}
	if in.NotificationThreshold != nil {
		sc.NotificationThreshold = *in.NotificationThreshold
	}

	if err := scheduler.Validate(sc.CronExpr, sc.Timezone); err != nil {
		return nil, err
	}
	if sc.TimeoutMs < 0 || sc.RetryCount < 0 || sc.RetryDelayMs < 0 || sc.NotificationThreshold < 1 {
		return nil, fmt.Errorf("%w: negative limits or threshold below 1", ErrInvalidInput)
	}
	if err := s.store.UpsertSchedule(ctx, sc); err != nil {
		return nil, err
	}

	updated := *src
	applySchedule(&updated, sc)
	s.orch.Register(&updated)
	if err := s.sched.Reload(); err != nil {
		s.logger.Warn("monitor: reload after upsert", "error", err)
	}

	msg := fmt.Sprintf("스케줄 변경: %s", sc.CronExpr)
	if before != sc.CronExpr {
		msg = fmt.Sprintf("스케줄 변경: %s → %s", before, sc.CronExpr)
	}
	if !sc.Enabled {
		msg += " (비활성)"
	}
	if _, err := s.engine.NotifySchedule(ctx, sc.SourceKey, msg); err != nil {
		s.logger.Warn("monitor: schedule notification", "source", sc.SourceKey, "error", err)
	}
	return s.store.GetSchedule(ctx, sc.SourceKey)
}

// SetEnabled enables or disables a source.
func (s *Service) SetEnabled(ctx context.Context, key string, enabled bool) (*Schedule, error) {
	return s.UpsertSchedule(ctx, ScheduleInput{SourceKey: key, Enabled: &enabled})
}

// TriggerCrawl runs one source now, or after delay, in the background.
// triggeredBy is recorded on the execution.
func (s *Service) TriggerCrawl(ctx context.Context, key string, delay time.Duration, triggeredBy string) error {
	if _, err := s.orch.Source(key); err != nil {
		return fmt.Errorf("%w: %q", ErrUnknownSource, key)
	}
	if delay < 0 {
		return fmt.Errorf("%w: negative delay", ErrInvalidInput)
	}
	params := map[string]any{"delay_ms": delay.Milliseconds(), "triggered_by": triggeredBy}
	return s.audited(ctx, ActionTriggerCrawl, key, params, func() error {
		return s.sched.Trigger(ctx, key, delay, triggeredBy)
	})
}

// CrawlAll runs every enabled source as one batch in the background.
func (s *Service) CrawlAll(ctx context.Context, triggeredBy string) error {
	params := map[string]string{"triggered_by": triggeredBy}
	return s.audited(ctx, ActionCrawlAll, "", params, func() error {
		return s.sched.TriggerAll(ctx, triggeredBy)
	})
}

// Wait blocks until background crawls and deliveries finish.
func (s *Service) Wait() {
	s.sched.Wait()
	s.engine.Wait()
}

// ListNotifications returns notifications, newest first.
func (s *Service) ListNotifications(ctx context.Context, f NotificationFilter) ([]*Notification, error) {
	return s.engine.List(ctx, f)
}

// MarkRead marks one notification read.
func (s *Service) MarkRead(ctx context.Context, id string) error {
	return s.audited(ctx, ActionMarkRead, id, nil, func() error {
		return s.engine.MarkRead(ctx, id)
	})
}

// MarkAllRead marks every notification read and returns how many changed.
func (s *Service) MarkAllRead(ctx context.Context) (int, error) {
	var n int
	err := s.audited(ctx, ActionMarkAllRead, "", nil, func() error {
		var err error
		n, err = s.engine.MarkAllRead(ctx)
		return err
	})
	return n, err
}

// UnreadCount returns the number of unread notifications.
func (s *Service) UnreadCount(ctx context.Context) (int, error) {
	return s.engine.UnreadCount(ctx)
}

// RecentNewData returns records first seen within the last hours.
// An empty source means all sources.
func (s *Service) RecentNewData(ctx context.Context, source string, hours, limit int) ([]*NewDataEntry, error) {
	if hours <= 0 {
		hours = 24
	}
	return s.store.RecentNewData(ctx, source, hours, limit)
}

// ListExecutions returns crawl executions, newest first.
func (s *Service) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	return s.store.ListExecutions(ctx, f)
}

// GetExecution returns one execution.
func (s *Service) GetExecution(ctx context.Context, id string) (*Execution, error) {
	return s.store.GetExecution(ctx, id)
}

// RecordStats returns per-source record counts. An empty source means all.
func (s *Service) RecordStats(ctx context.Context, source string) ([]RecordStats, error) {
	keys := []string{source}
	if source == "" {
		keys = s.orch.Keys()
	} else if _, err := s.orch.Source(source); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	out := make([]RecordStats, 0, len(keys))
	for _, k := range keys {
		st, err := s.store.Stats(ctx, k)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// SearchRecords searches one source's stored records.
func (s *Service) SearchRecords(ctx context.Context, source, query string, page, limit int) (*RecordPage, error) {
	if _, err := s.orch.Source(source); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSource, source)
	}
	return s.store.SearchRecords(ctx, source, query, page, limit)
}

// SystemStatus summarises scheduler, sources, health and delivery state.
func (s *Service) SystemStatus(ctx context.Context) (*SystemStatus, error) {
	sources, err := s.sched.Status(ctx)
	if err != nil {
		return nil, err
	}
	components, err := s.store.ListHealth(ctx)
	if err != nil {
		return nil, err
	}
	unread, err := s.engine.UnreadCount(ctx)
	if err != nil {
		return nil, err
	}

	st := &SystemStatus{
		SchedulerRunning: s.sched.Running(),
		Sources:          sources,
		Components:       components,
		RunningSources:   s.sched.Locks().Keys(),
		UnreadCount:      unread,
		Breakers:         s.orch.Breakers().States(),
		Channels:         s.dispatcher.Names(),
		Watcher:          s.watcher.Stats(),
	}
	if hb, err := observability.LatestHeartbeat(ctx, s.obs.db, processName); err == nil {
		st.Heartbeat = hb
	} else if !errors.Is(err, observability.ErrNoHeartbeat) {
		return nil, err
	}
	if t := s.sched.StartedAt(); st.SchedulerRunning && !t.IsZero() {
		ms := t.UnixMilli()
		st.StartedAt = &ms
	}
	for _, src := range sources {
		st.Summary.Total++
		if src.Enabled {
			st.Summary.Enabled++
		}
		status := store.StatusHealthy
		if src.Health != nil {
			status = src.Health.Status
		}
		switch status {
		case store.StatusWarning:
			st.Summary.Warning++
		case store.StatusError:
			st.Summary.Error++
		case store.StatusOffline:
			st.Summary.Offline++
		default:
			st.Summary.Healthy++
		}
	}
	return st, nil
}

// SubscribeProgress streams crawl progress events. Slow subscribers lose
// events rather than blocking crawls.
func (s *Service) SubscribeProgress(buf int) (<-chan ProgressEvent, func()) {
	return s.hub.Subscribe(buf)
}

// SubscribeAlerts streams every delivered notification.
func (s *Service) SubscribeAlerts(buf int) (<-chan channels.Message, func()) {
	return s.broadcaster.Subscribe(buf)
}

// Cleanup runs retention cleanup now, including audit and metric rows.
func (s *Service) Cleanup(ctx context.Context) (CleanupResult, error) {
	var res CleanupResult
	err := s.audited(ctx, ActionCleanup, "", nil, func() error {
		var err error
		res, err = retainingStore{Store: s.store, svc: s}.Cleanup(ctx)
		return err
	})
	return res, err
}
