// Package record defines the one record shape that crosses the boundary
// between source adapters, the change detector and the record store.
package record

import (
	"sort"
	"strings"
)

// Display fields every adapter tries to fill. The key field is per source.
const (
	FieldTitle    = "title"
	FieldDate     = "date"
	FieldCategory = "category"
	FieldSummary  = "summary"
	FieldURL      = "url"
)

// Record is one fetched item: field name → value. Everything except the key
// field is opaque to the core.
type Record map[string]string

// Key returns the trimmed value of keyField.
func (r Record) Key(keyField string) string {
	return strings.TrimSpace(r[keyField])
}

// Columns returns the field names of r with keyField first, the rest sorted.
func (r Record) Columns(keyField string) []string {
	cols := make([]string, 0, len(r))
	for k := range r {
		if k != keyField {
			cols = append(cols, k)
		}
	}
	sort.Strings(cols)
	if _, ok := r[keyField]; ok {
		cols = append([]string{keyField}, cols...)
	}
	return cols
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// KeySet is a set of record keys.
type KeySet map[string]struct{}

// NewKeySet builds a set from keys.
func NewKeySet(keys ...string) KeySet {
	s := make(KeySet, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s KeySet) Has(k string) bool {
	_, ok := s[k]
	return ok
}

// Add inserts k.
func (s KeySet) Add(k string) { s[k] = struct{}{} }

// Keys returns the keys of recs in order.
func Keys(recs []Record, keyField string) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Key(keyField)
	}
	return out
}

// UnionColumns returns every field name used by recs, keyField first.
func UnionColumns(recs []Record, keyField string) []string {
	seen := map[string]bool{keyField: true}
	var rest []string
	for _, r := range recs {
		for k := range r {
			if !seen[k] {
				seen[k] = true
				rest = append(rest, k)
			}
		}
	}
	sort.Strings(rest)
	return append([]string{keyField}, rest...)
}
