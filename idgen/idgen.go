// Package idgen produces the identifiers stored in the monitor database.
//
// Executions, notifications and new-data entries all carry a UUIDv7 so rows
// sort by creation time; a short prefix tells the kind apart in logs.
package idgen

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Generator produces unique string identifiers.
type Generator func() string

// UUIDv7 returns a Generator of RFC 9562 version 7 UUID strings.
func UUIDv7() Generator {
	return func() string {
		return uuid.Must(uuid.NewV7()).String()
	}
}

// Prefixed prepends prefix to every ID produced by gen.
func Prefixed(prefix string, gen Generator) Generator {
	return func() string {
		return prefix + gen()
	}
}

// Session returns a Generator for human-readable crawl session labels of the
// form "20060102_150405_<first 8 chars of a UUIDv7>" in the given location.
func Session(loc *time.Location) Generator {
	if loc == nil {
		loc = time.UTC
	}
	return func() string {
		id := uuid.Must(uuid.NewV7()).String()
		return time.Now().In(loc).Format("20060102_150405") + "_" + id[:8]
	}
}

// Default is the generator used by New.
var Default Generator = UUIDv7()

var (
	// Execution IDs identify crawl_execution_log rows.
	Execution = Prefixed("exec_", UUIDv7())
	// Notification IDs identify notification_history rows.
	Notification = Prefixed("ntf_", UUIDv7())
	// NewData IDs identify new_data_log rows.
	NewData = Prefixed("nd_", UUIDv7())
)

// New produces an ID using the Default generator.
func New() string {
	return Default()
}

// Parse validates a UUID string (without prefix) and returns its canonical form.
func Parse(s string) (string, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("idgen: invalid UUID: %w", err)
	}
	return u.String(), nil
}
