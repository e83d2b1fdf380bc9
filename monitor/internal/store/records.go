package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"

	"github.com/kibak812/taxupdater/dbopen"
	"github.com/kibak812/taxupdater/monitor/internal/detect"
	"github.com/kibak812/taxupdater/monitor/internal/record"
)

// ErrInvalidSourceKey is returned for source keys that cannot name a table.
var ErrInvalidSourceKey = errors.New("store: invalid source key")

var sourceKeyRe = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)

// Internal columns of every record table. Adapter fields starting with "_"
// are never stored.
const (
	colID          = "_id"
	colInsertedAt  = "_inserted_at"
	colExecutionID = "_execution_id"
)

// ValidSourceKey reports whether key can be used as a source key.
func ValidSourceKey(key string) bool { return sourceKeyRe.MatchString(key) }

// RecordTable returns the record table name for source.
func RecordTable(source string) (string, error) {
	if !ValidSourceKey(source) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceKey, source)
	}
	return "records_" + source, nil
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

func storable(col string) bool {
	return col != "" && !strings.HasPrefix(col, "_")
}

func (s *Store) tableExists(ctx context.Context, table string) (bool, error) {
	var n int
	err := s.DB.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, table).Scan(&n)
	return n > 0, err
}

func (s *Store) tableColumns(ctx context.Context, table string) (map[string]bool, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	cols := make(map[string]bool)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

// EnsureTable creates the record table of source if needed and adds any of
// columns it lacks. Existing rows keep their values; new columns are NULL
// for them. The key field gets a unique index.
func (s *Store) EnsureTable(ctx context.Context, source, keyField string, columns []string) error {
	table, err := RecordTable(source)
	if err != nil {
		return err
	}
	if !storable(keyField) {
		return fmt.Errorf("store: invalid key field %q", keyField)
	}

	s.schemaMu.Lock()
	defer s.schemaMu.Unlock()

	create := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    %s INTEGER PRIMARY KEY AUTOINCREMENT,
    %s INTEGER NOT NULL,
    %s TEXT NOT NULL DEFAULT '',
    %s TEXT
)`, quoteIdent(table), colID, colInsertedAt, colExecutionID, quoteIdent(keyField))
	if _, err := s.DB.ExecContext(ctx, create); err != nil {
		return fmt.Errorf("store: create %s: %w", table, err)
	}

	existing, err := s.tableColumns(ctx, table)
	if err != nil {
		return fmt.Errorf("store: columns of %s: %w", table, err)
	}
	want := append([]string{keyField}, columns...)
	for _, c := range want {
		if !storable(c) || existing[c] {
			continue
		}
		ddl := fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s TEXT`, quoteIdent(table), quoteIdent(c))
		if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("store: add column %s.%s: %w", table, c, err)
		}
		existing[c] = true
		s.logger.Info("store: column added", "table", table, "column", c)
	}

	h := fnv.New32a()
	h.Write([]byte(keyField))
	idx := fmt.Sprintf("ux_%s_%08x", table, h.Sum32())
	ddl := fmt.Sprintf(`CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s(%s)`,
		quoteIdent(idx), quoteIdent(table), quoteIdent(keyField))
	if _, err := s.DB.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("store: key index on %s: %w", table, err)
	}
	return nil
}

// LoadAll returns every record of source in insertion order. A source that
// was never written has no records.
func (s *Store) LoadAll(ctx context.Context, source string) ([]record.Record, error) {
	table, err := RecordTable(source)
	if err != nil {
		return nil, err
	}
	ok, err := s.tableExists(ctx, table)
	if err != nil || !ok {
		return nil, err
	}

	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s ORDER BY %s`, quoteIdent(table), colID))
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", source, err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func scanRecords(rows *sql.Rows) ([]record.Record, error) {
	cols, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var out []record.Record
	vals := make([]sql.NullString, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		r := make(record.Record, len(cols))
		for i, c := range cols {
			if storable(c) && vals[i].Valid {
				r[c] = vals[i].String
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// LoadKeys returns the set of keys stored for source.
func (s *Store) LoadKeys(ctx context.Context, source, keyField string) (record.KeySet, error) {
	table, err := RecordTable(source)
	if err != nil {
		return nil, err
	}
	keys := make(record.KeySet)
	ok, err := s.tableExists(ctx, table)
	if err != nil || !ok {
		return keys, err
	}
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}
	if !cols[keyField] {
		return keys, nil
	}

	rows, err := s.DB.QueryContext(ctx, fmt.Sprintf(`SELECT %s FROM %s WHERE %s IS NOT NULL`,
		quoteIdent(keyField), quoteIdent(table), quoteIdent(keyField)))
	if err != nil {
		return nil, fmt.Errorf("store: load keys %s: %w", source, err)
	}
	defer rows.Close()
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys.Add(k)
	}
	return keys, rows.Err()
}

// DiffNew returns the records of snapshot whose key is not stored yet, in
// snapshot order, after dropping empty keys and repeated keys. The snapshot
// keys are loaded into a TEMP table and anti-joined against the record
// table; if that path fails, an in-memory key set gives the same answer.
func (s *Store) DiffNew(ctx context.Context, source string, snapshot []record.Record, keyField string) ([]record.Record, error) {
	table, err := RecordTable(source)
	if err != nil {
		return nil, err
	}
	valid, _, _ := detect.Normalize(snapshot, keyField)
	if len(valid) == 0 {
		return nil, nil
	}

	ok, err := s.tableExists(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("store: diff %s: %w", source, err)
	}
	if !ok {
		return valid, nil
	}
	if cols, err := s.tableColumns(ctx, table); err == nil && !cols[keyField] {
		return valid, nil
	}

	if s.sideTable {
		fresh, err := s.diffSideTable(ctx, table, valid, keyField)
		if err == nil {
			return fresh, nil
		}
		s.logger.Warn("store: side-table diff failed, using in-memory fallback",
			"source", source, "error", err)
	}
	return s.diffInMemory(ctx, source, valid, keyField)
}

func (s *Store) diffInMemory(ctx context.Context, source string, valid []record.Record, keyField string) ([]record.Record, error) {
	known, err := s.LoadKeys(ctx, source, keyField)
	if err != nil {
		return nil, fmt.Errorf("store: diff fallback %s: %w", source, err)
	}
	return detect.Diff(known, valid, keyField).New, nil
}

func (s *Store) diffSideTable(ctx context.Context, table string, valid []record.Record, keyField string) ([]record.Record, error) {
	conn, err := s.DB.Conn(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	suffix := make([]byte, 6)
	rand.Read(suffix)
	snap := "snap_" + hex.EncodeToString(suffix)

	if _, err := conn.ExecContext(ctx,
		fmt.Sprintf(`CREATE TEMP TABLE %s (ord INTEGER PRIMARY KEY, k TEXT NOT NULL)`, snap)); err != nil {
		return nil, err
	}
	defer conn.ExecContext(context.WithoutCancel(ctx), fmt.Sprintf(`DROP TABLE IF EXISTS temp.%s`, snap))

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(`INSERT INTO temp.%s (ord, k) VALUES (?, ?)`, snap))
	if err != nil {
		tx.Rollback()
		return nil, err
	}
	for i, r := range valid {
		if _, err := stmt.ExecContext(ctx, i, r.Key(keyField)); err != nil {
			stmt.Close()
			tx.Rollback()
			return nil, err
		}
	}
	stmt.Close()
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	q := fmt.Sprintf(`SELECT s.ord FROM temp.%s s
LEFT JOIN %s r ON r.%s = s.k
WHERE r.%s IS NULL
ORDER BY s.ord`, snap, quoteIdent(table), quoteIdent(keyField), colID)
	rows, err := conn.QueryContext(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fresh []record.Record
	for rows.Next() {
		var ord int
		if err := rows.Scan(&ord); err != nil {
			return nil, err
		}
		fresh = append(fresh, valid[ord])
	}
	return fresh, rows.Err()
}

// Append writes recs to the record table of source with INSERT OR IGNORE, in
// transactions of chunkSize rows. Keys already present are skipped silently
// and count as written. If a chunk fails, the keys of that chunk and of every
// later chunk are returned as Unwritten together with the error; earlier
// chunks stay committed.
func (s *Store) Append(ctx context.Context, source, keyField, executionID string, recs []record.Record) (AppendResult, error) {
	var res AppendResult
	if len(recs) == 0 {
		return res, nil
	}
	table, err := RecordTable(source)
	if err != nil {
		return res, err
	}

	var cols []string
	for _, c := range record.UnionColumns(recs, keyField) {
		if storable(c) {
			cols = append(cols, c)
		}
	}
	if err := s.EnsureTable(ctx, source, keyField, cols); err != nil {
		res.Unwritten = record.Keys(recs, keyField)
		return res, err
	}

	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	insert := fmt.Sprintf(`INSERT OR IGNORE INTO %s (%s, %s, %s) VALUES (?, ?%s)`,
		quoteIdent(table), colInsertedAt, colExecutionID, strings.Join(quoted, ", "),
		strings.Repeat(", ?", len(cols)))

	attempted := 0
	for start := 0; start < len(recs); start += s.chunkSize {
		end := min(start+s.chunkSize, len(recs))
		chunk := recs[start:end]
		now := s.nowMs()

		err := dbopen.RunTx(ctx, s.DB, func(tx *sql.Tx) error {
			stmt, err := tx.PrepareContext(ctx, insert)
			if err != nil {
				return err
			}
			defer stmt.Close()
			for i, r := range chunk {
				if s.failAfter > 0 && attempted+i >= s.failAfter {
					return fmt.Errorf("store: injected write failure at row %d", attempted+i)
				}
				args := make([]any, 0, len(cols)+2)
				args = append(args, now, executionID)
				for _, c := range cols {
					v, ok := r[c]
					if !ok {
						args = append(args, nil)
						continue
					}
					if c == keyField {
						v = r.Key(keyField)
					}
					args = append(args, v)
				}
				if _, err := stmt.ExecContext(ctx, args...); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			res.Unwritten = record.Keys(recs[start:], keyField)
			return res, fmt.Errorf("store: append %s: %w", source, err)
		}
		attempted += len(chunk)
		res.Written = append(res.Written, record.Keys(chunk, keyField)...)
	}
	return res, nil
}

// Count returns the number of records stored for source.
func (s *Store) Count(ctx context.Context, source string) (int, error) {
	st, err := s.Stats(ctx, source)
	return st.Count, err
}

// Stats returns the record count, last insert time and approximate payload
// size of source.
func (s *Store) Stats(ctx context.Context, source string) (RecordStats, error) {
	st := RecordStats{SourceKey: source}
	table, err := RecordTable(source)
	if err != nil {
		return st, err
	}
	ok, err := s.tableExists(ctx, table)
	if err != nil || !ok {
		return st, err
	}
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return st, err
	}
	sizeExpr := "0"
	for c := range cols {
		sizeExpr += fmt.Sprintf(" + COALESCE(LENGTH(%s), 0)", quoteIdent(c))
	}

	var last sql.NullInt64
	q := fmt.Sprintf(`SELECT COUNT(*), MAX(%s), COALESCE(SUM(%s), 0) FROM %s`,
		colInsertedAt, sizeExpr, quoteIdent(table))
	if err := s.DB.QueryRowContext(ctx, q).Scan(&st.Count, &last, &st.SizeBytes); err != nil {
		return st, fmt.Errorf("store: stats %s: %w", source, err)
	}
	if last.Valid {
		st.LastUpdated = &last.Int64
	}
	return st, nil
}

// SearchRecords pages through source's records, newest first, keeping rows
// where any stored field contains query (case-insensitive for ASCII).
func (s *Store) SearchRecords(ctx context.Context, source, query string, page, limit int) (*RecordPage, error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	out := &RecordPage{SourceKey: source, Page: page, Limit: limit, Records: []map[string]string{}}

	table, err := RecordTable(source)
	if err != nil {
		return nil, err
	}
	ok, err := s.tableExists(ctx, table)
	if err != nil || !ok {
		return out, err
	}
	cols, err := s.tableColumns(ctx, table)
	if err != nil {
		return nil, err
	}

	where := ""
	var args []any
	if query != "" {
		var ors []string
		for c := range cols {
			if storable(c) {
				ors = append(ors, fmt.Sprintf("%s LIKE ?", quoteIdent(c)))
				args = append(args, "%"+query+"%")
			}
		}
		if len(ors) > 0 {
			where = " WHERE " + strings.Join(ors, " OR ")
		}
	}

	if err := s.DB.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s%s`, quoteIdent(table), where), args...).Scan(&out.Total); err != nil {
		return nil, fmt.Errorf("store: search count %s: %w", source, err)
	}

	rows, err := s.DB.QueryContext(ctx,
		fmt.Sprintf(`SELECT * FROM %s%s ORDER BY %s DESC LIMIT ? OFFSET ?`, quoteIdent(table), where, colID),
		append(args, limit, (page-1)*limit)...)
	if err != nil {
		return nil, fmt.Errorf("store: search %s: %w", source, err)
	}
	defer rows.Close()
	recs, err := scanRecords(rows)
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		out.Records = append(out.Records, map[string]string(r))
	}
	return out, nil
}
