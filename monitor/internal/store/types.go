package store

import "encoding/json"

// SourceHealth statuses.
const (
	StatusHealthy = "healthy"
	StatusWarning = "warning"
	StatusError   = "error"
	StatusOffline = "offline"
)

// Execution statuses. Per-source outcomes use the same values plus "skipped".
const (
	ExecRunning        = "running"
	ExecSuccess        = "success"
	ExecPartialSuccess = "partial_success"
	ExecFailed         = "failed"
	ExecSkipped        = "skipped"
)

// Notification statuses.
const (
	NotifPending = "pending"
	NotifSent    = "sent"
	NotifFailed  = "failed"
	NotifRead    = "read"
)

// Notification types.
const (
	TypeNewData  = "new_data"
	TypeError    = "error"
	TypeSchedule = "schedule"
	TypeSystem   = "system"
)

// ComponentCrawler is the system_status component of a source's crawler.
// ComponentScheduler with source key SystemKey tracks the scheduler itself.
const (
	ComponentCrawler   = "crawler"
	ComponentScheduler = "scheduler"
	SystemKey          = "system"
)

// Schedule is a monitored source: static configuration plus the rolling
// counters the scheduler maintains. Timestamps are Unix milliseconds.
type Schedule struct {
	SourceKey             string `json:"source_key"`
	DisplayName           string `json:"display_name"`
	KeyField              string `json:"key_field"`
	CronExpr              string `json:"cron_expr"`
	Timezone              string `json:"timezone"`
	Enabled               bool   `json:"enabled"`
	Priority              int    `json:"priority"`
	TimeoutMs             int64  `json:"timeout_ms"`
	RetryCount            int    `json:"retry_count"`
	RetryDelayMs          int64  `json:"retry_delay_ms"`
	NotificationThreshold int    `json:"notification_threshold"`
	SuccessCount          int    `json:"success_count"`
	FailureCount          int    `json:"failure_count"`
	ConsecutiveErrors     int    `json:"consecutive_errors"`
	AvgDurationMs         int64  `json:"avg_duration_ms"`
	LastRunAt             *int64 `json:"last_run_at,omitempty"`
	NextRunAt             *int64 `json:"next_run_at,omitempty"`
	LastSuccessAt         *int64 `json:"last_success_at,omitempty"`
	LastErrorAt           *int64 `json:"last_error_at,omitempty"`
	LastError             string `json:"last_error,omitempty"`
	CreatedAt             int64  `json:"created_at"`
	UpdatedAt             int64  `json:"updated_at"`
}

// Health is the derived operational status of one source component.
type Health struct {
	SourceKey         string `json:"source_key"`
	Component         string `json:"component"`
	Status            string `json:"status"`
	HealthScore       int    `json:"health_score"`
	ConsecutiveErrors int    `json:"consecutive_errors"`
	LastSuccessAt     *int64 `json:"last_success_at,omitempty"`
	LastErrorAt       *int64 `json:"last_error_at,omitempty"`
	LastError         string `json:"last_error,omitempty"`
	UpdatedAt         int64  `json:"updated_at"`
}

// Execution is one crawl_execution_log row.
type Execution struct {
	ID             string          `json:"id"`
	SessionLabel   string          `json:"session_label"`
	ExecutionType  string          `json:"execution_type"` // single, batch
	TriggerSource  string          `json:"trigger_source"` // scheduled, manual
	TriggeredBy    string          `json:"triggered_by,omitempty"`
	Status         string          `json:"status"`
	StartedAt      int64           `json:"started_at"`
	FinishedAt     *int64          `json:"finished_at,omitempty"`
	DurationMs     int64           `json:"duration_ms"`
	TotalSources   int             `json:"total_sources"`
	SuccessSources int             `json:"success_sources"`
	FailedSources  int             `json:"failed_sources"`
	TotalFetched   int             `json:"total_fetched"`
	TotalNew       int             `json:"total_new"`
	SourceKeys     []string        `json:"source_keys"`
	SourceResults  json.RawMessage `json:"source_results,omitempty"`
	ErrorSummary   string          `json:"error_summary,omitempty"`
}

// ExecutionFilter narrows ListExecutions.
type ExecutionFilter struct {
	SourceKey string
	Hours     int
	Limit     int
}

// NewDataEntry is one record first seen by an execution.
type NewDataEntry struct {
	ID               string   `json:"id"`
	ExecutionID      string   `json:"execution_id"`
	SourceKey        string   `json:"source_key"`
	DataID           string   `json:"data_id"`
	Title            string   `json:"title"`
	Summary          string   `json:"summary,omitempty"`
	Category         string   `json:"category,omitempty"`
	DataDate         string   `json:"data_date,omitempty"`
	URL              string   `json:"url,omitempty"`
	DiscoveredAt     int64    `json:"discovered_at"`
	NotificationSent bool     `json:"notification_sent"`
	Tags             []string `json:"tags"`
}

// Notification is one notification_history row.
type Notification struct {
	ID                string   `json:"id"`
	SourceKey         string   `json:"source_key"`
	Type              string   `json:"type"`
	Title             string   `json:"title"`
	Message           string   `json:"message"`
	Urgency           string   `json:"urgency"`
	NewCount          int      `json:"new_count"`
	ExecutionID       string   `json:"execution_id,omitempty"`
	ChannelsAttempted []string `json:"channels_attempted"`
	ChannelsSucceeded []string `json:"channels_succeeded"`
	Status            string   `json:"status"`
	CreatedAt         int64    `json:"created_at"`
	SentAt            *int64   `json:"sent_at,omitempty"`
	ExpiresAt         *int64   `json:"expires_at,omitempty"`
	ReadAt            *int64   `json:"read_at,omitempty"`
}

// NotificationFilter narrows ListNotifications.
type NotificationFilter struct {
	SourceKey  string
	Type       string
	UnreadOnly bool
	Limit      int
}

// AppendResult reports which keys an Append wrote and which it could not.
// Keys that were already present count as written.
type AppendResult struct {
	Written   []string `json:"written"`
	Unwritten []string `json:"unwritten,omitempty"`
}

// RecordStats summarises one source's record table.
type RecordStats struct {
	SourceKey   string `json:"source_key"`
	Count       int    `json:"count"`
	LastUpdated *int64 `json:"last_updated,omitempty"`
	SizeBytes   int64  `json:"size_bytes"`
}

// RecordPage is one page of a record-table search.
type RecordPage struct {
	SourceKey string              `json:"source_key"`
	Total     int                 `json:"total"`
	Page      int                 `json:"page"`
	Limit     int                 `json:"limit"`
	Records   []map[string]string `json:"records"`
}
