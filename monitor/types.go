package monitor

import (
	"github.com/kibak812/taxupdater/monitor/internal/crawl"
	"github.com/kibak812/taxupdater/monitor/internal/scheduler"
	"github.com/kibak812/taxupdater/monitor/internal/store"
	"github.com/kibak812/taxupdater/watch"
)

// Re-exported types so callers outside the module tree can name them.
type (
	Schedule           = store.Schedule
	Health             = store.Health
	Execution          = store.Execution
	ExecutionFilter    = store.ExecutionFilter
	NewDataEntry       = store.NewDataEntry
	Notification       = store.Notification
	NotificationFilter = store.NotificationFilter
	RecordStats        = store.RecordStats
	RecordPage         = store.RecordPage
	CleanupResult      = store.CleanupResult
	SourceStatus       = scheduler.SourceStatus
	ProgressEvent      = crawl.Event
	Report             = crawl.Report
)

// ScheduleInput creates or edits a source's schedule. Nil fields keep the
// stored value.
type ScheduleInput struct {
	SourceKey             string  `json:"source_key"`
	CronExpr              *string `json:"cron_expr,omitempty"`
	Timezone              *string `json:"timezone,omitempty"`
	DisplayName           *string `json:"display_name,omitempty"`
	Enabled               *bool   `json:"enabled,omitempty"`
	Priority              *int    `json:"priority,omitempty"`
	TimeoutMs             *int64  `json:"timeout_ms,omitempty"`
	RetryCount            *int    `json:"retry_count,omitempty"`
	RetryDelayMs          *int64  `json:"retry_delay_ms,omitempty"`
	NotificationThreshold *int    `json:"notification_threshold,omitempty"`
}

// SystemStatus is the operational overview of the whole monitor.
type SystemStatus struct {
	SchedulerRunning bool              `json:"scheduler_running"`
	StartedAt        *int64            `json:"started_at,omitempty"`
	Sources          []*SourceStatus   `json:"sources"`
	Components       []*Health         `json:"components"`
	RunningSources   []string          `json:"running_sources"`
	UnreadCount      int               `json:"unread_notifications"`
	Breakers         map[string]string `json:"breakers"`
	Channels         []string          `json:"channels"`
	Watcher          watch.Stats       `json:"watcher"`
	Heartbeat        *Heartbeat        `json:"heartbeat,omitempty"`
	Summary          StatusSummary     `json:"summary"`
}

// StatusSummary counts sources per health status.
type StatusSummary struct {
	Total   int `json:"total"`
	Enabled int `json:"enabled"`
	Healthy int `json:"healthy"`
	Warning int `json:"warning"`
	Error   int `json:"error"`
	Offline int `json:"offline"`
}
