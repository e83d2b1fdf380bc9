package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/idgen"
)

// InsertNewData logs records first seen by an execution. Entries whose
// (source, data id) is already logged are ignored. Returns the number of
// rows inserted.
func (s *Store) InsertNewData(ctx context.Context, entries []*NewDataEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	now := s.nowMs()
	inserted := 0
	err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
		inserted = 0
		stmt, err := tx.PrepareContext(ctx, `
			INSERT OR IGNORE INTO new_data_log (id, execution_id, source_key, data_id, title,
				summary, category, data_date, url, discovered_at, notification_sent, tags)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?)`)
		if err != nil {
			return err
		}
		defer stmt.Close()
		for _, e := range entries {
			if e.ID == "" {
				e.ID = idgen.NewData()
			}
			if e.DiscoveredAt == 0 {
				e.DiscoveredAt = now
			}
			if e.Tags == nil {
				e.Tags = []string{}
			}
			tags, _ := json.Marshal(e.Tags)
			res, err := stmt.ExecContext(ctx, e.ID, e.ExecutionID, e.SourceKey, e.DataID, e.Title,
				e.Summary, e.Category, e.DataDate, e.URL, e.DiscoveredAt, string(tags))
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n > 0 {
				inserted++
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("store: insert new data: %w", err)
	}
	return inserted, nil
}

// RecentNewData returns entries discovered in the trailing window, newest
// first, optionally for one source.
func (s *Store) RecentNewData(ctx context.Context, source string, hours, limit int) ([]*NewDataEntry, error) {
	if hours <= 0 {
		hours = 24
	}
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := `SELECT id, execution_id, source_key, data_id, title, summary, category, data_date, url,
			discovered_at, notification_sent, tags
		FROM new_data_log WHERE discovered_at >= ?`
	args := []any{s.nowMs() - int64(hours)*3_600_000}
	if source != "" {
		q += ` AND source_key = ?`
		args = append(args, source)
	}
	q += ` ORDER BY discovered_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: recent new data: %w", err)
	}
	defer rows.Close()
	var out []*NewDataEntry
	for rows.Next() {
		var (
			e    NewDataEntry
			sent int
			tags string
		)
		if err := rows.Scan(&e.ID, &e.ExecutionID, &e.SourceKey, &e.DataID, &e.Title, &e.Summary,
			&e.Category, &e.DataDate, &e.URL, &e.DiscoveredAt, &sent, &tags); err != nil {
			return nil, err
		}
		e.NotificationSent = sent == 1
		if err := json.Unmarshal([]byte(tags), &e.Tags); err != nil || e.Tags == nil {
			e.Tags = []string{}
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// MarkNewDataNotified flags the entries of an execution for source as
// notified.
func (s *Store) MarkNewDataNotified(ctx context.Context, source, executionID string) error {
	_, err := dbopen.Exec(ctx, s.DB,
		`UPDATE new_data_log SET notification_sent = 1 WHERE source_key = ? AND execution_id = ?`,
		source, executionID)
	return err
}
