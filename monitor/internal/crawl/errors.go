package crawl

import (
	"errors"
	"fmt"
)

// ErrUnknownSource is returned for a source key with no registered Source.
var ErrUnknownSource = errors.New("crawl: unknown source")

// FetchError wraps an adapter failure, timeout or open circuit.
type FetchError struct {
	Source string
	Err    error
}

func (e *FetchError) Error() string { return fmt.Sprintf("crawl: fetch %s: %v", e.Source, e.Err) }
func (e *FetchError) Unwrap() error { return e.Err }

// ValidationError rejects a snapshot before it reaches the store.
type ValidationError struct {
	Source string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("crawl: invalid snapshot from %s: %s", e.Source, e.Reason)
}

// PersistenceError reports new records that could not be written.
// Unwritten lists their keys for an operator retry.
type PersistenceError struct {
	Source    string
	Unwritten []string
	Err       error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("crawl: persist %s: %d records unwritten: %v", e.Source, len(e.Unwritten), e.Err)
}
func (e *PersistenceError) Unwrap() error { return e.Err }
