package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/kibak812/taxupdater/dbopen"
)

const healthCols = `source_key, component, status, health_score, consecutive_errors,
	last_success_at, last_error_at, last_error, updated_at`

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func scanHealth(sc interface{ Scan(...any) error }) (*Health, error) {
	var (
		h             Health
		lastOK, lastE sql.NullInt64
	)
	if err := sc.Scan(&h.SourceKey, &h.Component, &h.Status, &h.HealthScore,
		&h.ConsecutiveErrors, &lastOK, &lastE, &h.LastError, &h.UpdatedAt); err != nil {
		return nil, err
	}
	h.LastSuccessAt = nullMs(lastOK)
	h.LastErrorAt = nullMs(lastE)
	return &h, nil
}

// loadHealthTx returns the current row or a fresh healthy one.
func loadHealthTx(ctx context.Context, q queryer, key, component string) (*Health, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+healthCols+` FROM system_status WHERE source_key = ? AND component = ?`, key, component)
	h, err := scanHealth(row)
	if errors.Is(err, sql.ErrNoRows) {
		return &Health{SourceKey: key, Component: component, Status: StatusHealthy, HealthScore: 100}, nil
	}
	return h, err
}

func saveHealthTx(ctx context.Context, e execer, h *Health) error {
	_, err := e.ExecContext(ctx, `
		INSERT INTO system_status (source_key, component, status, health_score, consecutive_errors,
			last_success_at, last_error_at, last_error, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(source_key, component) DO UPDATE SET
			status = excluded.status,
			health_score = excluded.health_score,
			consecutive_errors = excluded.consecutive_errors,
			last_success_at = excluded.last_success_at,
			last_error_at = excluded.last_error_at,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		h.SourceKey, h.Component, h.Status, h.HealthScore, h.ConsecutiveErrors,
		msOrNil(h.LastSuccessAt), msOrNil(h.LastErrorAt), h.LastError, h.UpdatedAt)
	return err
}

// GetHealth returns the health of one component. Components never recorded
// are reported healthy with a full score.
func (s *Store) GetHealth(ctx context.Context, key, component string) (*Health, error) {
	h, err := loadHealthTx(ctx, s.DB, key, component)
	if err != nil {
		return nil, fmt.Errorf("store: get health %s/%s: %w", key, component, err)
	}
	return h, nil
}

// ListHealth returns every recorded component health.
func (s *Store) ListHealth(ctx context.Context) ([]*Health, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT `+healthCols+` FROM system_status ORDER BY source_key, component`)
	if err != nil {
		return nil, fmt.Errorf("store: list health: %w", err)
	}
	defer rows.Close()
	var out []*Health
	for rows.Next() {
		h, err := scanHealth(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SetHealthStatus overrides the status of a component, keeping its score and
// counters. A non-empty msg replaces the last error.
func (s *Store) SetHealthStatus(ctx context.Context, key, component, status, msg string) error {
	return dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		h, err := loadHealthTx(ctx, tx, key, component)
		if err != nil {
			return err
		}
		h.Status = status
		if msg != "" {
			h.LastError = msg
		}
		h.UpdatedAt = s.nowMs()
		return saveHealthTx(ctx, tx, h)
	})
}

// FlagSilent marks as warning every enabled, currently healthy source whose
// last success is older than sinceMs. A source that never succeeded counts
// from its creation time. Returns the keys it flagged.
func (s *Store) FlagSilent(ctx context.Context, sinceMs int64) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT c.source_key FROM crawl_schedules c
		LEFT JOIN system_status h ON h.source_key = c.source_key AND h.component = ?
		WHERE c.enabled = 1
		  AND COALESCE(c.last_success_at, c.created_at) < ?
		  AND COALESCE(h.status, ?) = ?`,
		ComponentCrawler, sinceMs, StatusHealthy, StatusHealthy)
	if err != nil {
		return nil, fmt.Errorf("store: silent sources: %w", err)
	}
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			rows.Close()
			return nil, err
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	msg := SilentMessage(sinceMs)
	for _, k := range keys {
		if err := s.SetHealthStatus(ctx, k, ComponentCrawler, StatusWarning, msg); err != nil {
			return keys, err
		}
	}
	return keys, nil
}

// SilentMessage is the health message FlagSilent records for a cutoff.
func SilentMessage(sinceMs int64) string {
	return "no successful crawl since " + time.UnixMilli(sinceMs).UTC().Format(time.RFC3339)
}

// MarkOffline sets every disabled source offline.
func (s *Store) MarkOffline(ctx context.Context) error {
	scheds, err := s.ListSchedules(ctx, false)
	if err != nil {
		return err
	}
	for _, sc := range scheds {
		if sc.Enabled {
			continue
		}
		h, err := s.GetHealth(ctx, sc.SourceKey, ComponentCrawler)
		if err != nil {
			return err
		}
		if h.Status == StatusOffline {
			continue
		}
		if err := s.SetHealthStatus(ctx, sc.SourceKey, ComponentCrawler, StatusOffline, ""); err != nil {
			return err
		}
	}
	return nil
}
