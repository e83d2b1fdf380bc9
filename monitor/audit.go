package monitor

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/kibak812/taxupdater/monitor/internal/store"
	"github.com/kibak812/taxupdater/observability"
)

// Aliases for the observability types the API returns.
type (
	AuditEntry   = observability.AuditEntry
	AuditFilter  = observability.AuditFilter
	Metric       = observability.Metric
	MetricFilter = observability.MetricFilter
	Heartbeat    = observability.Heartbeat
)

// Audited actions.
const (
	ActionUpdateSchedule = "update_schedule"
	ActionTriggerCrawl   = "trigger_crawl"
	ActionCrawlAll       = "crawl_all"
	ActionMarkRead       = "mark_read"
	ActionMarkAllRead    = "mark_all_read"
	ActionStartScheduler = "start_scheduler"
	ActionStopScheduler  = "stop_scheduler"
	ActionCleanup        = "cleanup"
)

const processName = "taxupdater"

// observer owns the audit trail, crawl metrics and heartbeat. It lives in
// the same database as the monitor tables.
type observer struct {
	db        *sql.DB
	audit     *observability.AuditLogger
	metrics   *observability.MetricsManager
	tracker   *observability.RunTracker
	heartbeat *observability.HeartbeatWriter
	retention time.Duration

	unsubscribe func()
	done        chan struct{}
}

func (s *Service) startObserver(db *sql.DB) error {
	if err := observability.Init(db); err != nil {
		return err
	}
	cfg := s.cfg.Audit
	o := &observer{
		db:        db,
		audit:     observability.NewAuditLogger(db, 256, observability.WithAuditClock(s.now), observability.WithAuditLogger(s.logger)),
		metrics:   observability.NewMetricsManager(db, 100, cfg.MetricsFlush, s.logger),
		heartbeat: observability.NewHeartbeatWriter(db, processName, cfg.HeartbeatInterval, s.logger),
		retention: time.Duration(cfg.RetentionDays) * 24 * time.Hour,
		done:      make(chan struct{}),
	}
	o.tracker = observability.NewRunTracker(o.metrics)

	events, cancel := s.hub.Subscribe(256)
	o.unsubscribe = cancel
	go func() {
		defer close(o.done)
		for ev := range events {
			o.tracker.Observe(ev.ExecutionID, ev.SourceKey, ev.Stage, ev.Status, ev.Time)
		}
	}()
	o.heartbeat.Start(context.Background())
	s.obs = o
	return nil
}

func (o *observer) close() {
	o.heartbeat.Stop()
	o.unsubscribe()
	<-o.done
	o.metrics.Close()
	o.audit.Close()
}

// cleanup prunes observability rows past retention.
func (o *observer) cleanup(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.Add(-o.retention)
	a, err1 := o.audit.Cleanup(ctx, cutoff)
	m, err2 := o.metrics.Cleanup(ctx, cutoff)
	h, err3 := observability.CleanupHeartbeats(ctx, o.db, now.Add(-7*24*time.Hour))
	return a + m + h, errors.Join(err1, err2, err3)
}

// audited runs fn and records the outcome under the context actor.
func (s *Service) audited(ctx context.Context, action, target string, params any, fn func() error) error {
	start := s.now()
	err := fn()
	s.obs.audit.Record(ctx, action, target, params, err, s.now().Sub(start))
	return err
}

// retainingStore extends store retention cleanup with the observability
// tables, so the scheduler's maintenance pass covers both.
type retainingStore struct {
	*store.Store
	svc *Service
}

func (r retainingStore) Cleanup(ctx context.Context) (store.CleanupResult, error) {
	res, err := r.Store.Cleanup(ctx)
	if err != nil {
		return res, err
	}
	n, oerr := r.svc.obs.cleanup(ctx, r.svc.now())
	if oerr != nil {
		r.svc.logger.Warn("monitor: observability cleanup", "error", oerr)
	} else if n > 0 {
		r.svc.logger.Info("monitor: observability cleanup", "deleted", n)
	}
	return res, nil
}

// AuditTrail lists operator actions, newest first.
func (s *Service) AuditTrail(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	s.obs.audit.Sync()
	return s.obs.audit.Query(ctx, f)
}

// CrawlMetrics lists recorded crawl metrics, newest first. Buffered points
// are flushed first so the answer includes the latest runs.
func (s *Service) CrawlMetrics(ctx context.Context, f MetricFilter) ([]*Metric, error) {
	s.obs.metrics.Flush()
	return s.obs.metrics.Query(ctx, f)
}
