// CLAUDE:SUMMARY Monitor schema: schedules, execution log, new-data log, notifications, health, metadata.
package store

import "database/sql"

// Schema creates the fixed tables. Per-source record tables are created on
// demand by EnsureTable.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_schedules (
    source_key             TEXT PRIMARY KEY,
    display_name           TEXT NOT NULL DEFAULT '',
    key_field              TEXT NOT NULL,
    cron_expr              TEXT NOT NULL,
    timezone               TEXT NOT NULL DEFAULT 'Asia/Seoul',
    enabled                INTEGER NOT NULL DEFAULT 1,
    priority               INTEGER NOT NULL DEFAULT 0,
    timeout_ms             INTEGER NOT NULL DEFAULT 600000,
    retry_count            INTEGER NOT NULL DEFAULT 3,
    retry_delay_ms         INTEGER NOT NULL DEFAULT 5000,
    notification_threshold INTEGER NOT NULL DEFAULT 1,
    success_count          INTEGER NOT NULL DEFAULT 0,
    failure_count          INTEGER NOT NULL DEFAULT 0,
    consecutive_errors     INTEGER NOT NULL DEFAULT 0,
    avg_duration_ms        INTEGER NOT NULL DEFAULT 0,
    last_run_at            INTEGER,
    next_run_at            INTEGER,
    last_success_at        INTEGER,
    last_error_at          INTEGER,
    last_error             TEXT NOT NULL DEFAULT '',
    created_at             INTEGER NOT NULL,
    updated_at             INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_enabled ON crawl_schedules(enabled, priority DESC);

CREATE TABLE IF NOT EXISTS crawl_execution_log (
    id                TEXT PRIMARY KEY,
    session_label     TEXT NOT NULL DEFAULT '',
    execution_type    TEXT NOT NULL,
    trigger_source    TEXT NOT NULL,
    triggered_by      TEXT NOT NULL DEFAULT '',
    status            TEXT NOT NULL DEFAULT 'running',
    started_at        INTEGER NOT NULL,
    finished_at       INTEGER,
    duration_ms       INTEGER NOT NULL DEFAULT 0,
    total_sources     INTEGER NOT NULL DEFAULT 0,
    success_sources   INTEGER NOT NULL DEFAULT 0,
    failed_sources    INTEGER NOT NULL DEFAULT 0,
    total_fetched     INTEGER NOT NULL DEFAULT 0,
    total_new         INTEGER NOT NULL DEFAULT 0,
    source_keys       TEXT NOT NULL DEFAULT '',
    source_results    TEXT NOT NULL DEFAULT '[]',
    error_summary     TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_exec_started ON crawl_execution_log(started_at DESC);

CREATE TABLE IF NOT EXISTS new_data_log (
    id                TEXT PRIMARY KEY,
    execution_id      TEXT NOT NULL DEFAULT '',
    source_key        TEXT NOT NULL,
    data_id           TEXT NOT NULL,
    title             TEXT NOT NULL DEFAULT '',
    summary           TEXT NOT NULL DEFAULT '',
    category          TEXT NOT NULL DEFAULT '',
    data_date         TEXT NOT NULL DEFAULT '',
    url               TEXT NOT NULL DEFAULT '',
    discovered_at     INTEGER NOT NULL,
    notification_sent INTEGER NOT NULL DEFAULT 0,
    tags              TEXT NOT NULL DEFAULT '[]',
    UNIQUE(source_key, data_id)
);
CREATE INDEX IF NOT EXISTS idx_new_data_discovered ON new_data_log(discovered_at DESC);
CREATE INDEX IF NOT EXISTS idx_new_data_execution ON new_data_log(execution_id);

CREATE TABLE IF NOT EXISTS notification_history (
    id                 TEXT PRIMARY KEY,
    source_key         TEXT NOT NULL DEFAULT '',
    type               TEXT NOT NULL,
    title              TEXT NOT NULL,
    message            TEXT NOT NULL DEFAULT '',
    urgency            TEXT NOT NULL DEFAULT 'normal',
    new_count          INTEGER NOT NULL DEFAULT 0,
    execution_id       TEXT NOT NULL DEFAULT '',
    channels_attempted TEXT NOT NULL DEFAULT '[]',
    channels_succeeded TEXT NOT NULL DEFAULT '[]',
    status             TEXT NOT NULL DEFAULT 'pending',
    created_at         INTEGER NOT NULL,
    sent_at            INTEGER,
    expires_at         INTEGER,
    read_at            INTEGER
);
CREATE INDEX IF NOT EXISTS idx_notif_created ON notification_history(created_at DESC);
CREATE INDEX IF NOT EXISTS idx_notif_source_type ON notification_history(source_key, type, created_at DESC);

CREATE TABLE IF NOT EXISTS system_status (
    source_key          TEXT NOT NULL,
    component           TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'healthy',
    health_score        INTEGER NOT NULL DEFAULT 100,
    consecutive_errors  INTEGER NOT NULL DEFAULT 0,
    last_success_at     INTEGER,
    last_error_at       INTEGER,
    last_error          TEXT NOT NULL DEFAULT '',
    updated_at          INTEGER NOT NULL,
    PRIMARY KEY (source_key, component)
);

CREATE TABLE IF NOT EXISTS crawl_metadata (
    key        TEXT PRIMARY KEY,
    value      TEXT NOT NULL,
    updated_at INTEGER NOT NULL
);
`

// Migration001TriggeredBy adds the actor column to databases created before it existed.
const Migration001TriggeredBy = `ALTER TABLE crawl_execution_log ADD COLUMN triggered_by TEXT NOT NULL DEFAULT ''`

// ApplySchema creates or upgrades the fixed tables. Idempotent.
func ApplySchema(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return err
	}
	applyColumnMigration(db, "crawl_execution_log", "triggered_by", Migration001TriggeredBy)
	return nil
}

// applyColumnMigration runs ddl when table lacks column.
func applyColumnMigration(db *sql.DB, table, column, ddl string) {
	var count int
	err := db.QueryRow(`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column).Scan(&count)
	if err != nil || count > 0 {
		return
	}
	db.Exec(ddl)
}
