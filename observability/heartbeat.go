package observability

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// ErrNoHeartbeat is returned by LatestHeartbeat when the process never wrote one.
var ErrNoHeartbeat = errors.New("observability: no heartbeat")

// Heartbeat is one liveness probe.
type Heartbeat struct {
	Process       string    `json:"process"`
	Hostname      string    `json:"hostname"`
	PID           int       `json:"pid"`
	Timestamp     time.Time `json:"timestamp"`
	Goroutines    int       `json:"goroutines"`
	MemoryAllocMB float64   `json:"memory_alloc_mb"`
	GCCount       uint32    `json:"gc_count"`
}

// HeartbeatWriter records a probe immediately and then every interval.
type HeartbeatWriter struct {
	db       *sql.DB
	process  string
	hostname string
	pid      int
	interval time.Duration
	logger   *slog.Logger

	started atomic.Bool
	once    sync.Once
	stop    chan struct{}
	done    chan struct{}
}

// NewHeartbeatWriter creates a writer for process. A zero interval means 15s.
func NewHeartbeatWriter(db *sql.DB, process string, interval time.Duration, logger *slog.Logger) *HeartbeatWriter {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HeartbeatWriter{
		db:       db,
		process:  process,
		hostname: host,
		pid:      os.Getpid(),
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the writer goroutine.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	if !hw.started.CompareAndSwap(false, true) {
		return
	}
	go hw.loop(ctx)
}

// Write records one probe.
func (hw *HeartbeatWriter) Write(ctx context.Context) error {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	_, err := hw.db.ExecContext(ctx, `
		INSERT INTO process_heartbeats (process_name, hostname, pid, timestamp,
			goroutines, memory_alloc_mb, gc_count)
		VALUES (?,?,?,?,?,?,?)`,
		hw.process, hw.hostname, hw.pid, time.Now().UnixMilli(),
		runtime.NumGoroutine(), float64(mem.Alloc)/1024/1024, mem.NumGC)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop ends the loop and waits for it. Safe to call twice, or without Start.
func (hw *HeartbeatWriter) Stop() {
	if !hw.started.Load() {
		return
	}
	hw.once.Do(func() { close(hw.stop) })
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	if err := hw.Write(ctx); err != nil {
		hw.logger.Warn("heartbeat: write", "error", err)
	}
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.Write(ctx); err != nil {
				hw.logger.Warn("heartbeat: write", "error", err)
			}
		}
	}
}

// LatestHeartbeat returns the newest probe written by process.
func LatestHeartbeat(ctx context.Context, db *sql.DB, process string) (*Heartbeat, error) {
	var (
		hb Heartbeat
		ts int64
	)
	err := db.QueryRowContext(ctx, `
		SELECT process_name, hostname, pid, timestamp, goroutines, memory_alloc_mb, gc_count
		FROM process_heartbeats WHERE process_name = ?
		ORDER BY timestamp DESC, heartbeat_id DESC LIMIT 1`, process).
		Scan(&hb.Process, &hb.Hostname, &hb.PID, &ts, &hb.Goroutines, &hb.MemoryAllocMB, &hb.GCCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoHeartbeat
	}
	if err != nil {
		return nil, fmt.Errorf("latest heartbeat: %w", err)
	}
	hb.Timestamp = time.UnixMilli(ts)
	return &hb, nil
}

// CleanupHeartbeats deletes probes older than cutoff.
func CleanupHeartbeats(ctx context.Context, db *sql.DB, cutoff time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, "DELETE FROM process_heartbeats WHERE timestamp < ?", cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("cleanup heartbeats: %w", err)
	}
	return res.RowsAffected()
}
