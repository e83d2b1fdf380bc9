// CLAUDE:SUMMARY Audit trail, crawl metrics and process heartbeats stored next to the monitor tables.
package observability

import (
	"database/sql"
	"fmt"
)

// Schema holds the DDL for the observability tables. Timestamps are unix
// milliseconds, like the rest of the monitor database.
const Schema = `
CREATE TABLE IF NOT EXISTS audit_log (
    entry_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    actor TEXT NOT NULL,
    transport TEXT NOT NULL DEFAULT '',
    action TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    parameters TEXT NOT NULL DEFAULT '{}',
    status TEXT NOT NULL CHECK(status IN ('success', 'error')),
    error_message TEXT NOT NULL DEFAULT '',
    duration_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_audit_timestamp ON audit_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_audit_action ON audit_log(action, timestamp DESC);

CREATE TABLE IF NOT EXISTS crawl_metrics (
    metric_id INTEGER PRIMARY KEY AUTOINCREMENT,
    metric_name TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    value REAL NOT NULL,
    labels TEXT,
    unit TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_crawl_metrics_name_time ON crawl_metrics(metric_name, timestamp DESC);

CREATE TABLE IF NOT EXISTS process_heartbeats (
    heartbeat_id INTEGER PRIMARY KEY AUTOINCREMENT,
    process_name TEXT NOT NULL,
    hostname TEXT NOT NULL,
    pid INTEGER NOT NULL,
    timestamp INTEGER NOT NULL,
    goroutines INTEGER NOT NULL,
    memory_alloc_mb REAL NOT NULL,
    gc_count INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_heartbeats_process_time ON process_heartbeats(process_name, timestamp DESC);
`

// Init applies Schema. It is idempotent.
func Init(db *sql.DB) error {
	if _, err := db.Exec(Schema); err != nil {
		return fmt.Errorf("observability: apply schema: %w", err)
	}
	return nil
}
