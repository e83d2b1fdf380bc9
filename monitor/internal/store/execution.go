package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/idgen"
)

const execCols = `id, session_label, execution_type, trigger_source, triggered_by, status,
	started_at, finished_at, duration_ms, total_sources, success_sources, failed_sources,
	total_fetched, total_new, source_keys, source_results, error_summary`

// BeginExecution opens a running execution row. ID and StartedAt are filled
// in when empty.
func (s *Store) BeginExecution(ctx context.Context, e *Execution) error {
	if e.ID == "" {
		e.ID = idgen.Execution()
	}
	if e.StartedAt == 0 {
		e.StartedAt = s.nowMs()
	}
	e.Status = ExecRunning
	e.TotalSources = len(e.SourceKeys)
	_, err := dbopen.Exec(ctx, s.DB, `
		INSERT INTO crawl_execution_log (id, session_label, execution_type, trigger_source,
			triggered_by, status, started_at, total_sources, source_keys)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionLabel, e.ExecutionType, e.TriggerSource, e.TriggeredBy,
		e.Status, e.StartedAt, e.TotalSources, strings.Join(e.SourceKeys, ","))
	if err != nil {
		return fmt.Errorf("store: begin execution: %w", err)
	}
	return nil
}

// FinishExecution closes an execution with its outcome and totals. A closed
// execution is not modified again.
func (s *Store) FinishExecution(ctx context.Context, e *Execution) error {
	now := s.nowMs()
	e.FinishedAt = &now
	e.DurationMs = now - e.StartedAt
	results := e.SourceResults
	if len(results) == 0 {
		results = json.RawMessage("[]")
	}
	res, err := dbopen.Exec(ctx, s.DB, `
		UPDATE crawl_execution_log SET
			status = ?, finished_at = ?, duration_ms = ?, total_sources = ?,
			success_sources = ?, failed_sources = ?, total_fetched = ?, total_new = ?,
			source_results = ?, error_summary = ?
		WHERE id = ? AND status = ?`,
		e.Status, now, e.DurationMs, e.TotalSources, e.SuccessSources, e.FailedSources,
		e.TotalFetched, e.TotalNew, string(results), e.ErrorSummary, e.ID, ExecRunning)
	if err != nil {
		return fmt.Errorf("store: finish execution %s: %w", e.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: running execution %s", ErrNotFound, e.ID)
	}
	return nil
}

func scanExecution(sc interface{ Scan(...any) error }) (*Execution, error) {
	var (
		e        Execution
		finished sql.NullInt64
		keys     string
		results  string
	)
	if err := sc.Scan(&e.ID, &e.SessionLabel, &e.ExecutionType, &e.TriggerSource, &e.TriggeredBy,
		&e.Status, &e.StartedAt, &finished, &e.DurationMs, &e.TotalSources, &e.SuccessSources,
		&e.FailedSources, &e.TotalFetched, &e.TotalNew, &keys, &results, &e.ErrorSummary); err != nil {
		return nil, err
	}
	e.FinishedAt = nullMs(finished)
	e.SourceKeys = []string{}
	if keys != "" {
		e.SourceKeys = strings.Split(keys, ",")
	}
	e.SourceResults = json.RawMessage(results)
	return &e, nil
}

// GetExecution returns one execution.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e, err := scanExecution(s.DB.QueryRowContext(ctx,
		`SELECT `+execCols+` FROM crawl_execution_log WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: execution %s", ErrNotFound, id)
	}
	return e, err
}

// ListExecutions returns executions newest first, optionally limited to a
// trailing window of hours and to those that covered one source.
func (s *Store) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	q := `SELECT ` + execCols + ` FROM crawl_execution_log WHERE 1=1`
	var args []any
	if f.Hours > 0 {
		q += ` AND started_at >= ?`
		args = append(args, s.nowMs()-int64(f.Hours)*3_600_000)
	}
	if f.SourceKey != "" {
		q += ` AND (',' || source_keys || ',') LIKE ?`
		args = append(args, "%,"+f.SourceKey+",%")
	}
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q += ` ORDER BY started_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list executions: %w", err)
	}
	defer rows.Close()
	var out []*Execution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
