package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/idgen"
)

const notifCols = `id, source_key, type, title, message, urgency, new_count, execution_id,
	channels_attempted, channels_succeeded, status, created_at, sent_at, expires_at, read_at`

func jsonList(v []string) string {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return string(b)
}

// InsertNotification stores n as pending. ID and CreatedAt are filled in
// when empty.
func (s *Store) InsertNotification(ctx context.Context, n *Notification) error {
	if n.ID == "" {
		n.ID = idgen.Notification()
	}
	if n.CreatedAt == 0 {
		n.CreatedAt = s.nowMs()
	}
	if n.Status == "" {
		n.Status = NotifPending
	}
	if n.Urgency == "" {
		n.Urgency = "normal"
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO notification_history (id, source_key, type, title, message, urgency,
			new_count, execution_id, channels_attempted, channels_succeeded, status,
			created_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.SourceKey, n.Type, n.Title, n.Message, n.Urgency, n.NewCount, n.ExecutionID,
		jsonList(n.ChannelsAttempted), jsonList(n.ChannelsSucceeded), n.Status,
		n.CreatedAt, msOrNil(n.ExpiresAt))
	if err != nil {
		return fmt.Errorf("store: insert notification: %w", err)
	}
	return nil
}

// UpdateDelivery records the outcome of delivering a notification.
// status is sent when at least one channel succeeded, failed otherwise.
func (s *Store) UpdateDelivery(ctx context.Context, id string, attempted, succeeded []string) (string, error) {
	status := NotifFailed
	var sentAt any
	if len(succeeded) > 0 {
		status = NotifSent
		sentAt = s.nowMs()
	}
	_, err := dbopen.Exec(ctx, s.DB, `
		UPDATE notification_history
		SET channels_attempted = ?, channels_succeeded = ?, status = ?, sent_at = ?
		WHERE id = ? AND status = ?`,
		jsonList(attempted), jsonList(succeeded), status, sentAt, id, NotifPending)
	if err != nil {
		return "", fmt.Errorf("store: update delivery %s: %w", id, err)
	}
	return status, nil
}

func scanNotification(sc interface{ Scan(...any) error }) (*Notification, error) {
	var (
		n                     Notification
		attempted, succeeded  string
		sentAt, expires, read sql.NullInt64
	)
	if err := sc.Scan(&n.ID, &n.SourceKey, &n.Type, &n.Title, &n.Message, &n.Urgency,
		&n.NewCount, &n.ExecutionID, &attempted, &succeeded, &n.Status, &n.CreatedAt,
		&sentAt, &expires, &read); err != nil {
		return nil, err
	}
	json.Unmarshal([]byte(attempted), &n.ChannelsAttempted)
	json.Unmarshal([]byte(succeeded), &n.ChannelsSucceeded)
	if n.ChannelsAttempted == nil {
		n.ChannelsAttempted = []string{}
	}
	if n.ChannelsSucceeded == nil {
		n.ChannelsSucceeded = []string{}
	}
	n.SentAt = nullMs(sentAt)
	n.ExpiresAt = nullMs(expires)
	n.ReadAt = nullMs(read)
	return &n, nil
}

// GetNotification returns one notification.
func (s *Store) GetNotification(ctx context.Context, id string) (*Notification, error) {
	n, err := scanNotification(s.DB.QueryRowContext(ctx,
		`SELECT `+notifCols+` FROM notification_history WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	return n, err
}

// ListNotifications returns notifications newest first.
func (s *Store) ListNotifications(ctx context.Context, f NotificationFilter) ([]*Notification, error) {
	q := `SELECT ` + notifCols + ` FROM notification_history WHERE 1=1`
	var args []any
	if f.SourceKey != "" {
		q += ` AND source_key = ?`
		args = append(args, f.SourceKey)
	}
	if f.Type != "" {
		q += ` AND type = ?`
		args = append(args, f.Type)
	}
	if f.UnreadOnly {
		q += ` AND read_at IS NULL`
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	q += ` ORDER BY created_at DESC, id DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list notifications: %w", err)
	}
	defer rows.Close()
	var out []*Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// MarkRead sets read_at and status read. Marking twice is a no-op.
func (s *Store) MarkRead(ctx context.Context, id string) error {
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE notification_history SET read_at = COALESCE(read_at, ?), status = ?
		WHERE id = ?`, s.nowMs(), NotifRead, id)
	if err != nil {
		return fmt.Errorf("store: mark read %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: notification %s", ErrNotFound, id)
	}
	return nil
}

// MarkAllRead marks every unread notification read and returns how many.
func (s *Store) MarkAllRead(ctx context.Context) (int, error) {
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE notification_history SET read_at = ?, status = ? WHERE read_at IS NULL`,
		s.nowMs(), NotifRead)
	if err != nil {
		return 0, fmt.Errorf("store: mark all read: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// UnreadCount returns the number of unread notifications.
func (s *Store) UnreadCount(ctx context.Context) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_history WHERE read_at IS NULL`).Scan(&n)
	return n, err
}

// CountNotificationsSince counts notifications created at or after sinceMs.
// Empty source or typ match all.
func (s *Store) CountNotificationsSince(ctx context.Context, source, typ string, sinceMs int64) (int, error) {
	q := `SELECT COUNT(*) FROM notification_history WHERE created_at >= ?`
	args := []any{sinceMs}
	if source != "" {
		q += ` AND source_key = ?`
		args = append(args, source)
	}
	if typ != "" {
		q += ` AND type = ?`
		args = append(args, typ)
	}
	var n int
	if err := s.DB.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count notifications: %w", err)
	}
	return n, nil
}

// CountNonSystemSince counts notifications other than system alerts created
// at or after sinceMs. Used by the daily cap.
func (s *Store) CountNonSystemSince(ctx context.Context, sinceMs int64) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notification_history WHERE created_at >= ? AND type != ?`,
		sinceMs, TypeSystem).Scan(&n)
	return n, err
}
