// Package notify turns crawl outcomes into alerts. Every candidate alert
// passes, in order, a threshold gate, a per-(source, type) dedup window, an
// hourly error rate limit and a daily cap; survivors are stored as pending
// and delivered through the channel dispatcher off the caller's path.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/kibak812/taxupdater/channels"
	"github.com/kibak812/taxupdater/monitor/internal/store"
)

// Urgency levels.
const (
	UrgencyLow    = "low"
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// Suppression reasons reported in Result.
const (
	SuppressedThreshold = "threshold"
	SuppressedDedup     = "dedup"
	SuppressedRateLimit = "rate_limit"
	SuppressedDailyCap  = "daily_cap"
)

const maxErrorLen = 100

// Store is the persistence the engine needs. *store.Store implements it.
type Store interface {
	GetSchedule(ctx context.Context, key string) (*store.Schedule, error)
	InsertNotification(ctx context.Context, n *store.Notification) error
	UpdateDelivery(ctx context.Context, id string, attempted, succeeded []string) (string, error)
	CountNotificationsSince(ctx context.Context, source, typ string, sinceMs int64) (int, error)
	CountNonSystemSince(ctx context.Context, sinceMs int64) (int, error)
	MarkNewDataNotified(ctx context.Context, source, executionID string) error
	ListNotifications(ctx context.Context, f store.NotificationFilter) ([]*store.Notification, error)
	MarkRead(ctx context.Context, id string) error
	MarkAllRead(ctx context.Context) (int, error)
	UnreadCount(ctx context.Context) (int, error)
}

// Deliverer sends one message to every channel. *channels.Dispatcher
// implements it.
type Deliverer interface {
	Deliver(ctx context.Context, msg channels.Message) channels.Result
}

// Config holds the engine policy.
type Config struct {
	// DedupWindow is the min_interval between two alerts of one (source, type).
	DedupWindow time.Duration
	// ErrorRateLimit is the number of error alerts per source allowed in
	// ErrorRateWindow.
	ErrorRateLimit  int
	ErrorRateWindow time.Duration
	// MaxDaily caps non-system alerts per local calendar day.
	MaxDaily int
	// HighUrgencyCount is the new-record count at which urgency turns high.
	HighUrgencyCount int

	NewDataExpiry time.Duration
	ErrorExpiry   time.Duration
	SystemExpiry  time.Duration

	DeliveryTimeout time.Duration
	Location        *time.Location
	Now             func() time.Time
	Logger          *slog.Logger
}

func (c *Config) defaults() {
	if c.DedupWindow <= 0 {
		c.DedupWindow = 300 * time.Second
	}
	if c.ErrorRateLimit <= 0 {
		c.ErrorRateLimit = 3
	}
	if c.ErrorRateWindow <= 0 {
		c.ErrorRateWindow = time.Hour
	}
	if c.MaxDaily <= 0 {
		c.MaxDaily = 50
	}
	if c.HighUrgencyCount <= 0 {
		c.HighUrgencyCount = 10
	}
	if c.NewDataExpiry <= 0 {
		c.NewDataExpiry = 24 * time.Hour
	}
	if c.ErrorExpiry <= 0 {
		c.ErrorExpiry = 12 * time.Hour
	}
	if c.SystemExpiry <= 0 {
		c.SystemExpiry = 6 * time.Hour
	}
	if c.DeliveryTimeout <= 0 {
		c.DeliveryTimeout = 2 * time.Minute
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Result is the decision for one candidate alert. Exactly one of
// Notification and Suppressed is set.
type Result struct {
	Notification *store.Notification
	Suppressed   string
}

// Engine evaluates and delivers alerts.
type Engine struct {
	cfg       Config
	store     Store
	deliverer Deliverer
	recent    *TTLMap
	logger    *slog.Logger

	wg sync.WaitGroup
}

// New creates an Engine. deliverer may be nil, in which case alerts are
// stored and immediately marked failed.
func New(st Store, deliverer Deliverer, cfg Config) *Engine {
	cfg.defaults()
	return &Engine{
		cfg:       cfg,
		store:     st,
		deliverer: deliverer,
		recent:    NewTTLMap(cfg.DedupWindow, 4096, cfg.Now),
		logger:    cfg.Logger,
	}
}

// Recent exposes the dedup memory.
func (e *Engine) Recent() *TTLMap { return e.recent }

// Wait blocks until every in-flight delivery has finished.
func (e *Engine) Wait() { e.wg.Wait() }

func (e *Engine) sourceInfo(ctx context.Context, source string) (name string, threshold int) {
	sc, err := e.store.GetSchedule(ctx, source)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Warn("notify: schedule lookup", "source", source, "error", err)
		}
		return source, 1
	}
	name = sc.DisplayName
	if name == "" {
		name = source
	}
	threshold = sc.NotificationThreshold
	if threshold < 1 {
		threshold = 1
	}
	return name, threshold
}

func dedupKey(source, typ string) string { return source + "|" + typ }

func (e *Engine) startOfDay() int64 {
	now := e.cfg.Now().In(e.cfg.Location)
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, e.cfg.Location).UnixMilli()
}

func (e *Engine) overDailyCap(ctx context.Context) (bool, error) {
	n, err := e.store.CountNonSystemSince(ctx, e.startOfDay())
	if err != nil {
		return false, err
	}
	return n >= e.cfg.MaxDaily, nil
}

// NotifyNewData alerts that an execution found newCount new records for
// source.
func (e *Engine) NotifyNewData(ctx context.Context, source string, newCount int, executionID string) (*Result, error) {
	name, threshold := e.sourceInfo(ctx, source)
	if newCount < threshold || newCount <= 0 {
		e.logger.Info("notify: below threshold", "source", source, "new", newCount, "threshold", threshold)
		return &Result{Suppressed: SuppressedThreshold}, nil
	}

	key := dedupKey(source, store.TypeNewData)
	if !e.recent.Reserve(key) {
		e.logger.Info("notify: duplicate suppressed", "source", source, "type", store.TypeNewData)
		return &Result{Suppressed: SuppressedDedup}, nil
	}
	capped, err := e.overDailyCap(ctx)
	if err != nil {
		e.recent.Release(key)
		return nil, fmt.Errorf("notify: daily cap: %w", err)
	}
	if capped {
		e.recent.Release(key)
		e.logger.Warn("notify: daily cap reached", "source", source, "max", e.cfg.MaxDaily)
		return &Result{Suppressed: SuppressedDailyCap}, nil
	}

	urgency := UrgencyNormal
	if newCount >= e.cfg.HighUrgencyCount {
		urgency = UrgencyHigh
	}
	n := &store.Notification{
		SourceKey:   source,
		Type:        store.TypeNewData,
		Title:       "새로운 데이터 발견: " + name,
		Message:     fmt.Sprintf("%s에서 %d개의 새로운 데이터가 발견되었습니다.", name, newCount),
		Urgency:     urgency,
		NewCount:    newCount,
		ExecutionID: executionID,
	}
	if err := e.create(ctx, n, e.cfg.NewDataExpiry); err != nil {
		e.recent.Release(key)
		return nil, err
	}
	return &Result{Notification: n}, nil
}

// NotifyError alerts that a crawl of source failed. Errors are always high
// urgency and limited to ErrorRateLimit per source per ErrorRateWindow.
func (e *Engine) NotifyError(ctx context.Context, source, message, executionID string) (*Result, error) {
	name, _ := e.sourceInfo(ctx, source)

	key := dedupKey(source, store.TypeError)
	if !e.recent.Reserve(key) {
		e.logger.Info("notify: duplicate suppressed", "source", source, "type", store.TypeError)
		return &Result{Suppressed: SuppressedDedup}, nil
	}
	since := e.cfg.Now().Add(-e.cfg.ErrorRateWindow).UnixMilli()
	count, err := e.store.CountNotificationsSince(ctx, source, store.TypeError, since)
	if err != nil {
		e.recent.Release(key)
		return nil, fmt.Errorf("notify: error rate: %w", err)
	}
	if count >= e.cfg.ErrorRateLimit {
		e.recent.Release(key)
		e.logger.Info("notify: error alerts rate limited", "source", source, "count", count)
		return &Result{Suppressed: SuppressedRateLimit}, nil
	}
	capped, err := e.overDailyCap(ctx)
	if err != nil {
		e.recent.Release(key)
		return nil, fmt.Errorf("notify: daily cap: %w", err)
	}
	if capped {
		e.recent.Release(key)
		return &Result{Suppressed: SuppressedDailyCap}, nil
	}

	n := &store.Notification{
		SourceKey:   source,
		Type:        store.TypeError,
		Title:       "크롤링 오류: " + name,
		Message:     fmt.Sprintf("%s 크롤링 중 오류가 발생했습니다: %s", name, Truncate(message, maxErrorLen)),
		Urgency:     UrgencyHigh,
		ExecutionID: executionID,
	}
	if err := e.create(ctx, n, e.cfg.ErrorExpiry); err != nil {
		e.recent.Release(key)
		return nil, err
	}
	return &Result{Notification: n}, nil
}

// NotifySystem raises a system-wide alert. Identical messages inside the
// dedup window collapse; the daily cap does not apply.
func (e *Engine) NotifySystem(ctx context.Context, message, urgency string) (*Result, error) {
	if urgency == "" {
		urgency = UrgencyNormal
	}
	key := dedupKey(store.SystemKey, store.TypeSystem+"|"+message)
	if !e.recent.Reserve(key) {
		return &Result{Suppressed: SuppressedDedup}, nil
	}
	n := &store.Notification{
		SourceKey: store.SystemKey,
		Type:      store.TypeSystem,
		Title:     "시스템 알림",
		Message:   message,
		Urgency:   urgency,
	}
	if err := e.create(ctx, n, e.cfg.SystemExpiry); err != nil {
		e.recent.Release(key)
		return nil, err
	}
	return &Result{Notification: n}, nil
}

// NotifySchedule records a schedule change of source (created, enabled,
// disabled, cron changed).
func (e *Engine) NotifySchedule(ctx context.Context, source, message string) (*Result, error) {
	name, _ := e.sourceInfo(ctx, source)
	key := dedupKey(source, store.TypeSchedule+"|"+message)
	if !e.recent.Reserve(key) {
		return &Result{Suppressed: SuppressedDedup}, nil
	}
	capped, err := e.overDailyCap(ctx)
	if err != nil || capped {
		e.recent.Release(key)
		if err != nil {
			return nil, fmt.Errorf("notify: daily cap: %w", err)
		}
		return &Result{Suppressed: SuppressedDailyCap}, nil
	}
	n := &store.Notification{
		SourceKey: source,
		Type:      store.TypeSchedule,
		Title:     "스케줄 변경: " + name,
		Message:   message,
		Urgency:   UrgencyLow,
	}
	if err := e.create(ctx, n, e.cfg.SystemExpiry); err != nil {
		e.recent.Release(key)
		return nil, err
	}
	return &Result{Notification: n}, nil
}

// create stores n as pending and starts its delivery.
func (e *Engine) create(ctx context.Context, n *store.Notification, expiry time.Duration) error {
	now := e.cfg.Now()
	n.CreatedAt = now.UnixMilli()
	exp := now.Add(expiry).UnixMilli()
	n.ExpiresAt = &exp
	n.Status = store.NotifPending
	if err := e.store.InsertNotification(ctx, n); err != nil {
		return fmt.Errorf("notify: store: %w", err)
	}
	e.logger.Info("notify: created", "id", n.ID, "source", n.SourceKey, "type", n.Type, "urgency", n.Urgency)

	msg := channels.Message{
		ID:          n.ID,
		Type:        n.Type,
		SourceKey:   n.SourceKey,
		Title:       n.Title,
		Text:        n.Message,
		Urgency:     n.Urgency,
		NewCount:    n.NewCount,
		ExecutionID: n.ExecutionID,
		Timestamp:   now,
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.deliver(context.WithoutCancel(ctx), n, msg)
	}()
	return nil
}

func (e *Engine) deliver(ctx context.Context, n *store.Notification, msg channels.Message) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DeliveryTimeout)
	defer cancel()

	var res channels.Result
	if e.deliverer != nil {
		res = e.deliverer.Deliver(ctx, msg)
	}
	status, err := e.store.UpdateDelivery(ctx, n.ID, res.Attempted, res.Succeeded)
	if err != nil {
		e.logger.Error("notify: delivery status", "id", n.ID, "error", err)
		return
	}
	e.logger.Info("notify: delivered", "id", n.ID, "status", status,
		"attempted", res.Attempted, "succeeded", res.Succeeded)

	if status == store.NotifSent && n.Type == store.TypeNewData && n.ExecutionID != "" {
		if err := e.store.MarkNewDataNotified(ctx, n.SourceKey, n.ExecutionID); err != nil {
			e.logger.Warn("notify: mark new data", "source", n.SourceKey, "error", err)
		}
	}
}

// List returns stored notifications.
func (e *Engine) List(ctx context.Context, f store.NotificationFilter) ([]*store.Notification, error) {
	return e.store.ListNotifications(ctx, f)
}

// MarkRead acknowledges one notification.
func (e *Engine) MarkRead(ctx context.Context, id string) error { return e.store.MarkRead(ctx, id) }

// MarkAllRead acknowledges every unread notification.
func (e *Engine) MarkAllRead(ctx context.Context) (int, error) { return e.store.MarkAllRead(ctx) }

// UnreadCount returns the number of unread notifications.
func (e *Engine) UnreadCount(ctx context.Context) (int, error) { return e.store.UnreadCount(ctx) }

// EvictExpired drops dedup entries older than the window.
func (e *Engine) EvictExpired() int { return e.recent.Evict() }

// Truncate shortens s to max runes, marking the cut with "...".
func Truncate(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
