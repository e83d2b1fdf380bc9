package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kibak812/taxupdater/dbopen"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("store: not found")

const scheduleCols = `source_key, display_name, key_field, cron_expr, timezone, enabled,
	priority, timeout_ms, retry_count, retry_delay_ms, notification_threshold,
	success_count, failure_count, consecutive_errors, avg_duration_ms,
	last_run_at, next_run_at, last_success_at, last_error_at, last_error,
	created_at, updated_at`

// UpsertSchedule creates a source or updates its static configuration.
// Rolling counters and run timestamps are left untouched on update.
func (s *Store) UpsertSchedule(ctx context.Context, sc *Schedule) error {
	if !ValidSourceKey(sc.SourceKey) {
		return fmt.Errorf("%w: %q", ErrInvalidSourceKey, sc.SourceKey)
	}
	now := s.nowMs()
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO crawl_schedules (source_key, display_name, key_field, cron_expr, timezone,
			enabled, priority, timeout_ms, retry_count, retry_delay_ms, notification_threshold,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_key) DO UPDATE SET
			display_name = excluded.display_name,
			key_field = excluded.key_field,
			cron_expr = excluded.cron_expr,
			timezone = excluded.timezone,
			enabled = excluded.enabled,
			priority = excluded.priority,
			timeout_ms = excluded.timeout_ms,
			retry_count = excluded.retry_count,
			retry_delay_ms = excluded.retry_delay_ms,
			notification_threshold = excluded.notification_threshold,
			updated_at = excluded.updated_at`,
		sc.SourceKey, sc.DisplayName, sc.KeyField, sc.CronExpr, sc.Timezone,
		boolInt(sc.Enabled), sc.Priority, sc.TimeoutMs, sc.RetryCount, sc.RetryDelayMs,
		sc.NotificationThreshold, now, now)
	if err != nil {
		return fmt.Errorf("store: upsert schedule %s: %w", sc.SourceKey, err)
	}
	return nil
}

// InsertScheduleIfAbsent creates sc only when no row exists for its key.
// Used at bootstrap so operator edits survive restarts.
func (s *Store) InsertScheduleIfAbsent(ctx context.Context, sc *Schedule) (bool, error) {
	if !ValidSourceKey(sc.SourceKey) {
		return false, fmt.Errorf("%w: %q", ErrInvalidSourceKey, sc.SourceKey)
	}
	now := s.nowMs()
	res, err := dbopen.Exec(ctx, s.DB, `
		INSERT OR IGNORE INTO crawl_schedules (source_key, display_name, key_field, cron_expr,
			timezone, enabled, priority, timeout_ms, retry_count, retry_delay_ms,
			notification_threshold, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.SourceKey, sc.DisplayName, sc.KeyField, sc.CronExpr, sc.Timezone,
		boolInt(sc.Enabled), sc.Priority, sc.TimeoutMs, sc.RetryCount, sc.RetryDelayMs,
		sc.NotificationThreshold, now, now)
	if err != nil {
		return false, fmt.Errorf("store: insert schedule %s: %w", sc.SourceKey, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func scanSchedule(sc interface{ Scan(...any) error }) (*Schedule, error) {
	var (
		out                                 Schedule
		enabled                             int
		lastRun, nextRun, lastOK, lastError sql.NullInt64
	)
	err := sc.Scan(&out.SourceKey, &out.DisplayName, &out.KeyField, &out.CronExpr, &out.Timezone,
		&enabled, &out.Priority, &out.TimeoutMs, &out.RetryCount, &out.RetryDelayMs,
		&out.NotificationThreshold, &out.SuccessCount, &out.FailureCount,
		&out.ConsecutiveErrors, &out.AvgDurationMs,
		&lastRun, &nextRun, &lastOK, &lastError, &out.LastError,
		&out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	out.Enabled = enabled == 1
	out.LastRunAt = nullMs(lastRun)
	out.NextRunAt = nullMs(nextRun)
	out.LastSuccessAt = nullMs(lastOK)
	out.LastErrorAt = nullMs(lastError)
	return &out, nil
}

// GetSchedule returns one source.
func (s *Store) GetSchedule(ctx context.Context, key string) (*Schedule, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT `+scheduleCols+` FROM crawl_schedules WHERE source_key = ?`, key)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: schedule %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("store: get schedule %s: %w", key, err)
	}
	return sc, nil
}

// ListSchedules returns sources by descending priority.
func (s *Store) ListSchedules(ctx context.Context, enabledOnly bool) ([]*Schedule, error) {
	q := `SELECT ` + scheduleCols + ` FROM crawl_schedules`
	if enabledOnly {
		q += ` WHERE enabled = 1`
	}
	q += ` ORDER BY priority DESC, source_key`
	rows, err := s.DB.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list schedules: %w", err)
	}
	defer rows.Close()

	var out []*Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// SetEnabled enables or disables a source. Sources are never deleted.
func (s *Store) SetEnabled(ctx context.Context, key string, enabled bool) error {
	res, err := dbopen.Exec(ctx, s.DB,
		`UPDATE crawl_schedules SET enabled = ?, updated_at = ? WHERE source_key = ?`,
		boolInt(enabled), s.nowMs(), key)
	if err != nil {
		return fmt.Errorf("store: set enabled %s: %w", key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: schedule %s", ErrNotFound, key)
	}
	return nil
}

// SetNextRun stores the next planned fire time. It does not bump
// updated_at, which the scheduler watches for configuration changes.
func (s *Store) SetNextRun(ctx context.Context, key string, next *int64) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE crawl_schedules SET next_run_at = ? WHERE source_key = ?`, msOrNil(next), key)
	return err
}

// RecordRunSuccess applies a successful run: success_count+1, average
// duration folded as (avg+dur)/2, consecutive errors cleared, health score
// +2 capped at 100, status healthy.
func (s *Store) RecordRunSuccess(ctx context.Context, key string, durationMs int64) (*Health, error) {
	now := s.nowMs()
	var h *Health
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE crawl_schedules SET
				success_count = success_count + 1,
				avg_duration_ms = CASE WHEN avg_duration_ms = 0 THEN ? ELSE (avg_duration_ms + ?) / 2 END,
				consecutive_errors = 0,
				last_run_at = ?,
				last_success_at = ?
			WHERE source_key = ?`, durationMs, durationMs, now, now, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, key)
		}
		cur, err := loadHealthTx(ctx, tx, key, ComponentCrawler)
		if err != nil {
			return err
		}
		cur.ConsecutiveErrors = 0
		cur.HealthScore = min(cur.HealthScore+2, 100)
		cur.Status = StatusHealthy
		cur.LastSuccessAt = &now
		cur.UpdatedAt = now
		h = cur
		return saveHealthTx(ctx, tx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("store: record success %s: %w", key, err)
	}
	return h, nil
}

// RecordRunFailure applies a failed run: failure_count+1, consecutive
// errors+1, health score -10 floored at 0. Status becomes warning from the
// second consecutive failure and error once errorThreshold is reached.
func (s *Store) RecordRunFailure(ctx context.Context, key, msg string, errorThreshold int) (*Health, error) {
	if errorThreshold < 2 {
		errorThreshold = 3
	}
	now := s.nowMs()
	var h *Health
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE crawl_schedules SET
				failure_count = failure_count + 1,
				consecutive_errors = consecutive_errors + 1,
				last_run_at = ?,
				last_error_at = ?,
				last_error = ?
			WHERE source_key = ?`, now, now, msg, key)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: schedule %s", ErrNotFound, key)
		}
		cur, err := loadHealthTx(ctx, tx, key, ComponentCrawler)
		if err != nil {
			return err
		}
		cur.ConsecutiveErrors++
		cur.HealthScore = max(cur.HealthScore-10, 0)
		switch {
		case cur.ConsecutiveErrors >= errorThreshold:
			cur.Status = StatusError
		case cur.ConsecutiveErrors >= 2:
			cur.Status = StatusWarning
		}
		cur.LastErrorAt = &now
		cur.LastError = msg
		cur.UpdatedAt = now
		h = cur
		return saveHealthTx(ctx, tx, cur)
	})
	if err != nil {
		return nil, fmt.Errorf("store: record failure %s: %w", key, err)
	}
	return h, nil
}
