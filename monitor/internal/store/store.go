// Package store is the SQLite persistence layer of the monitor: per-source
// record tables plus the schedule, execution log, new-data log,
// notification, health and metadata tables.
//
// All record writes go through Append and all novelty checks through
// DiffNew, so the per-source key uniqueness is enforced in one place.
package store

import (
	"database/sql"
	"log/slog"
	"sync"
	"time"
)

// Store wraps the monitor database.
type Store struct {
	DB        *sql.DB
	backupDir string
	chunkSize int
	now       func() time.Time
	logger    *slog.Logger

	// schemaMu serialises record-table DDL.
	schemaMu sync.Mutex

	// sideTable toggles the TEMP-table diff path. Tests switch it off to
	// exercise the in-memory fallback.
	sideTable bool
	// failAfter, when > 0, makes Append fail once that many rows were
	// written in the current call. Test hook for partial persistence.
	failAfter int
}

// Option configures a Store.
type Option func(*Store)

// WithBackupDir sets where Backup writes its files. Default: "backups".
func WithBackupDir(dir string) Option { return func(s *Store) { s.backupDir = dir } }

// WithChunkSize sets the rows per Append transaction. Default: 200.
func WithChunkSize(n int) Option { return func(s *Store) { s.chunkSize = n } }

// WithClock injects the clock used for timestamps.
func WithClock(fn func() time.Time) Option { return func(s *Store) { s.now = fn } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option { return func(s *Store) { s.logger = l } }

// NewStore wraps an opened database. ApplySchema must have run.
func NewStore(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		DB:        db,
		backupDir: "backups",
		chunkSize: 200,
		now:       time.Now,
		logger:    slog.Default(),
		sideTable: true,
	}
	for _, o := range opts {
		o(s)
	}
	if s.chunkSize <= 0 {
		s.chunkSize = 200
	}
	return s
}

func (s *Store) nowMs() int64 { return s.now().UnixMilli() }

func nullMs(v sql.NullInt64) *int64 {
	if !v.Valid || v.Int64 == 0 {
		return nil
	}
	ms := v.Int64
	return &ms
}

func msOrNil(ms *int64) any {
	if ms == nil {
		return nil
	}
	return *ms
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
