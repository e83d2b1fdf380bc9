// Package detect decides which records of a fetched snapshot are new.
//
// A record is new when its key, read from the source's key field, is absent
// from durable history. The detector never looks at any other field.
package detect

import (
	"context"
	"log/slog"

	"github.com/kibak812/taxupdater/monitor/internal/record"
)

// Result is the classification of one snapshot.
type Result struct {
	New        []record.Record
	Existing   int // valid, distinct records already known
	Invalid    int // records with an empty key
	Duplicates int // repeats of a key earlier in the same snapshot
}

// Normalize drops records with an empty key and collapses repeated keys to
// their first occurrence, keeping snapshot order.
func Normalize(snapshot []record.Record, keyField string) (valid []record.Record, invalid, duplicates int) {
	seen := make(record.KeySet, len(snapshot))
	valid = make([]record.Record, 0, len(snapshot))
	for _, r := range snapshot {
		k := r.Key(keyField)
		if k == "" {
			invalid++
			continue
		}
		if seen.Has(k) {
			duplicates++
			continue
		}
		seen.Add(k)
		valid = append(valid, r)
	}
	return valid, invalid, duplicates
}

// Diff returns the records of snapshot whose key is not in known.
func Diff(known record.KeySet, snapshot []record.Record, keyField string) Result {
	valid, invalid, dups := Normalize(snapshot, keyField)
	res := Result{Invalid: invalid, Duplicates: dups}
	for _, r := range valid {
		if known.Has(r.Key(keyField)) {
			res.Existing++
			continue
		}
		res.New = append(res.New, r)
	}
	return res
}

// Store is the part of the record store the detector needs.
type Store interface {
	DiffNew(ctx context.Context, source string, snapshot []record.Record, keyField string) ([]record.Record, error)
}

// Detector runs Normalize and then asks the store for the set difference.
type Detector struct {
	store  Store
	logger *slog.Logger
}

// New creates a Detector.
func New(st Store, logger *slog.Logger) *Detector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{store: st, logger: logger}
}

// Detect classifies snapshot for source.
func (d *Detector) Detect(ctx context.Context, source, keyField string, snapshot []record.Record) (Result, error) {
	valid, invalid, dups := Normalize(snapshot, keyField)
	if invalid > 0 {
		d.logger.Warn("detect: records without key rejected",
			"source", source, "key_field", keyField, "count", invalid)
	}
	if dups > 0 {
		d.logger.Debug("detect: duplicate keys collapsed", "source", source, "count", dups)
	}

	fresh, err := d.store.DiffNew(ctx, source, valid, keyField)
	if err != nil {
		return Result{}, err
	}
	return Result{
		New:        fresh,
		Existing:   len(valid) - len(fresh),
		Invalid:    invalid,
		Duplicates: dups,
	}, nil
}
