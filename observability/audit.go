package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kibak812/taxupdater/idgen"
	"github.com/kibak812/taxupdater/kit"
)

// Audit statuses.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// AuditEntry records one operator action: a schedule edit, a manual crawl,
// a scheduler start or stop.
type AuditEntry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"timestamp"`
	Actor      string    `json:"actor"`
	Transport  string    `json:"transport,omitempty"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	Parameters string    `json:"parameters,omitempty"` // JSON
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
}

// AuditFilter narrows Query results. Zero fields match everything.
type AuditFilter struct {
	Action string
	Actor  string
	Target string
	Since  time.Time
	Limit  int // default 100
	Offset int
}

// AuditLogger persists audit entries on a background goroutine so that
// control endpoints never wait on the write.
type AuditLogger struct {
	db     *sql.DB
	newID  idgen.Generator
	now    func() time.Time
	logger *slog.Logger

	ch    chan *AuditEntry
	syncs chan chan struct{}
	once  sync.Once
	stop  chan struct{}
	done  chan struct{}
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithAuditIDGenerator sets the entry ID generator.
func WithAuditIDGenerator(gen idgen.Generator) AuditOption {
	return func(a *AuditLogger) { a.newID = gen }
}

// WithAuditClock replaces time.Now.
func WithAuditClock(fn func() time.Time) AuditOption {
	return func(a *AuditLogger) { a.now = fn }
}

// WithAuditLogger sets the slog logger used for write failures.
func WithAuditLogger(l *slog.Logger) AuditOption {
	return func(a *AuditLogger) { a.logger = l }
}

// NewAuditLogger starts an async audit writer with a queue of bufferSize.
func NewAuditLogger(db *sql.DB, bufferSize int, opts ...AuditOption) *AuditLogger {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	a := &AuditLogger{
		db:     db,
		newID:  idgen.Prefixed("aud_", idgen.UUIDv7()),
		now:    time.Now,
		logger: slog.Default(),
		ch:     make(chan *AuditEntry, bufferSize),
		syncs:  make(chan chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(a)
	}
	go a.loop()
	return a
}

// Record builds an entry from the request context and queues it. The actor
// and transport come from kit context values; params is marshalled to JSON.
func (a *AuditLogger) Record(ctx context.Context, action, target string, params any, err error, d time.Duration) {
	e := &AuditEntry{
		Actor:      kit.GetActor(ctx),
		Transport:  kit.GetTransport(ctx),
		Action:     action,
		Target:     target,
		Status:     StatusSuccess,
		DurationMs: d.Milliseconds(),
	}
	if e.Actor == "" {
		e.Actor = "system"
		e.Transport = ""
	}
	if params != nil {
		if b, merr := json.Marshal(params); merr == nil {
			e.Parameters = string(b)
		}
	}
	if err != nil {
		e.Status = StatusError
		e.Error = err.Error()
	}
	a.LogAsync(e)
}

// Log writes an entry synchronously.
func (a *AuditLogger) Log(ctx context.Context, e *AuditEntry) error {
	a.fill(e)
	return a.insert(ctx, e)
}

// LogAsync queues an entry. A full queue falls back to a synchronous write.
func (a *AuditLogger) LogAsync(e *AuditEntry) {
	a.fill(e)
	select {
	case a.ch <- e:
	default:
		a.logger.Warn("audit: queue full, writing inline", "action", e.Action)
		if err := a.insert(context.Background(), e); err != nil {
			a.logger.Error("audit: inline write", "error", err)
		}
	}
}

func (a *AuditLogger) fill(e *AuditEntry) {
	if e.ID == "" {
		e.ID = a.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = a.now()
	}
	if e.Status == "" {
		e.Status = StatusSuccess
	}
	if e.Parameters == "" {
		e.Parameters = "{}"
	}
}

func (a *AuditLogger) insert(ctx context.Context, e *AuditEntry) error {
	_, err := a.db.ExecContext(ctx, `
		INSERT INTO audit_log (entry_id, timestamp, actor, transport, action, target,
			parameters, status, error_message, duration_ms)
		VALUES (?,?,?,?,?,?,?,?,?,?)`,
		e.ID, e.Timestamp.UnixMilli(), e.Actor, e.Transport, e.Action, e.Target,
		e.Parameters, e.Status, e.Error, e.DurationMs)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Query returns entries newest first.
func (a *AuditLogger) Query(ctx context.Context, f AuditFilter) ([]*AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.Action != "" {
		where = append(where, "action = ?")
		args = append(args, f.Action)
	}
	if f.Actor != "" {
		where = append(where, "actor = ?")
		args = append(args, f.Actor)
	}
	if f.Target != "" {
		where = append(where, "target = ?")
		args = append(args, f.Target)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.UnixMilli())
	}
	q := `SELECT entry_id, timestamp, actor, transport, action, target, parameters,
		status, error_message, duration_ms FROM audit_log`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, entry_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := a.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditEntry
	for rows.Next() {
		var (
			e  AuditEntry
			ts int64
		)
		if err := rows.Scan(&e.ID, &ts, &e.Actor, &e.Transport, &e.Action, &e.Target,
			&e.Parameters, &e.Status, &e.Error, &e.DurationMs); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Timestamp = time.UnixMilli(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Cleanup deletes entries older than cutoff.
func (a *AuditLogger) Cleanup(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := a.db.ExecContext(ctx, "DELETE FROM audit_log WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup audit log: %w", err)
	}
	return res.RowsAffected()
}

func (a *AuditLogger) drain() {
	for {
		select {
		case e := <-a.ch:
			a.write(e)
		default:
			return
		}
	}
}

// Sync returns once every entry queued before the call has been written.
func (a *AuditLogger) Sync() {
	reply := make(chan struct{})
	select {
	case a.syncs <- reply:
		<-reply
	case <-a.done:
	}
}

// Close writes whatever is still queued and stops the writer.
func (a *AuditLogger) Close() error {
	a.once.Do(func() { close(a.stop) })
	<-a.done
	return nil
}

func (a *AuditLogger) loop() {
	defer close(a.done)
	for {
		select {
		case e := <-a.ch:
			a.write(e)
		case reply := <-a.syncs:
			a.drain()
			close(reply)
		case <-a.stop:
			a.drain()
			return
		}
	}
}

func (a *AuditLogger) write(e *AuditEntry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.insert(ctx, e); err != nil {
		a.logger.Error("audit: write", "error", err, "action", e.Action)
	}
}
