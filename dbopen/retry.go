package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// busyBackoff is the wait before each retry of a BUSY statement. Crawl
// persistence and the scheduler's maintenance pass share one database file,
// so short lock collisions are expected.
var busyBackoff = []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}

// IsBusy reports whether err is an SQLite BUSY or locked-table error.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	for _, s := range []string{"SQLITE_BUSY", "database is locked", "database table is locked"} {
		if strings.Contains(err.Error(), s) {
			return true
		}
	}
	return false
}

// onBusy calls fn until it succeeds, fails with a non-BUSY error, or the
// backoff schedule is exhausted.
func onBusy[T any](ctx context.Context, op string, fn func() (T, error)) (T, error) {
	for attempt := 0; ; attempt++ {
		v, err := fn()
		if err == nil || !IsBusy(err) || attempt == len(busyBackoff) {
			return v, err
		}
		select {
		case <-ctx.Done():
			var zero T
			return zero, fmt.Errorf("dbopen: %s: %w", op, ctx.Err())
		case <-time.After(busyBackoff[attempt]):
		}
	}
}

// RunTx runs fn in a transaction and retries the whole transaction on
// SQLITE_BUSY. fn may run more than once, so it must not perform network I/O.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	_, err := onBusy(ctx, "tx", func() (struct{}, error) {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return struct{}{}, fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return struct{}{}, err
		}
		if err := tx.Commit(); err != nil {
			return struct{}{}, fmt.Errorf("dbopen: commit: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Exec runs one statement with the RunTx retry policy.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	return onBusy(ctx, "exec", func() (sql.Result, error) {
		return db.ExecContext(ctx, query, args...)
	})
}
