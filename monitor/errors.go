package monitor

import (
	"errors"

	"github.com/kibak812/taxupdater/monitor/internal/scheduler"
	"github.com/kibak812/taxupdater/monitor/internal/store"
)

// ErrInvalidInput is returned when an API argument fails validation.
var ErrInvalidInput = errors.New("monitor: invalid input")

// ErrUnknownSource is returned for a source key that has no configuration.
var ErrUnknownSource = errors.New("monitor: unknown source")

// Errors of the underlying components, for errors.Is by API callers.
var (
	ErrNotFound        = store.ErrNotFound
	ErrInvalidSchedule = scheduler.ErrInvalidSchedule
	ErrAlreadyRunning  = scheduler.ErrAlreadyRunning
	ErrNotRunning      = scheduler.ErrNotRunning
)
