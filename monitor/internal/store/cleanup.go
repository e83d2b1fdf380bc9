package store

import (
	"context"
	"fmt"

	"github.com/kibak812/taxupdater/dbopen"
)

// Retention windows, in days.
const (
	ReadNotificationRetentionDays = 30
	NewDataRetentionDays          = 90
	ExecutionRetentionDays        = 30
)

// CleanupResult counts rows removed by Cleanup.
type CleanupResult struct {
	ReadNotifications    int64 `json:"read_notifications"`
	ExpiredNotifications int64 `json:"expired_notifications"`
	NewData              int64 `json:"new_data"`
	Executions           int64 `json:"executions"`
}

// Cleanup purges read notifications older than 30 days, notifications past
// their expiry, new-data entries older than 90 days and closed executions
// older than 30 days. Record tables are never purged.
func (s *Store) Cleanup(ctx context.Context) (CleanupResult, error) {
	var out CleanupResult
	now := s.nowMs()
	day := int64(86_400_000)

	steps := []struct {
		dst  *int64
		q    string
		args []any
	}{
		{&out.ReadNotifications,
			`DELETE FROM notification_history WHERE read_at IS NOT NULL AND created_at < ?`,
			[]any{now - ReadNotificationRetentionDays*day}},
		{&out.ExpiredNotifications,
			`DELETE FROM notification_history WHERE expires_at IS NOT NULL AND expires_at < ?`,
			[]any{now}},
		{&out.NewData,
			`DELETE FROM new_data_log WHERE discovered_at < ?`,
			[]any{now - NewDataRetentionDays*day}},
		{&out.Executions,
			`DELETE FROM crawl_execution_log WHERE status != ? AND started_at < ?`,
			[]any{ExecRunning, now - ExecutionRetentionDays*day}},
	}
	for _, st := range steps {
		res, err := dbopen.Exec(ctx, s.DB, st.q, st.args...)
		if err != nil {
			return out, fmt.Errorf("store: cleanup: %w", err)
		}
		*st.dst, _ = res.RowsAffected()
	}
	return out, nil
}
