package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/kibak812/taxupdater/monitor/internal/record"
)

const backupSheet = "Sheet1"

// Backup writes recs (the records a crawl just found new) to
// <backupDir>/<source>/<source>_new_<timestamp>.xlsx and returns the path.
// The header row lists the key field first, then the other columns sorted.
// The file is written to a temp name and renamed, so readers never see a
// partial workbook.
func (s *Store) Backup(ctx context.Context, source, keyField string, recs []record.Record) (string, error) {
	if len(recs) == 0 {
		return "", nil
	}
	if !ValidSourceKey(source) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSourceKey, source)
	}
	dir := filepath.Join(s.backupDir, source)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("store: backup dir: %w", err)
	}

	cols := record.UnionColumns(recs, keyField)
	f := excelize.NewFile()
	defer f.Close()

	header := make([]any, len(cols))
	for i, c := range cols {
		header[i] = c
	}
	if err := f.SetSheetRow(backupSheet, "A1", &header); err != nil {
		return "", fmt.Errorf("store: backup header: %w", err)
	}
	for i, r := range recs {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = r[c]
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return "", err
		}
		if err := f.SetSheetRow(backupSheet, cell, &row); err != nil {
			return "", fmt.Errorf("store: backup row %d: %w", i, err)
		}
	}

	name := fmt.Sprintf("%s_new_%s.xlsx", source, s.now().Format("20060102_150405"))
	final := filepath.Join(dir, name)
	tmp := filepath.Join(dir, "."+name+".tmp.xlsx")
	if err := f.SaveAs(tmp); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store: backup save: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("store: backup rename: %w", err)
	}

	if err := s.SetMeta(ctx, "last_backup_path:"+source, final); err != nil {
		s.logger.Warn("store: backup metadata", "source", source, "error", err)
	}
	s.logger.Info("store: backup written", "source", source, "path", final, "records", len(recs),
		"at", s.now().Format(time.RFC3339))
	return final, nil
}
