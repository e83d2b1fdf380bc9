package connectivity

import (
	"errors"
	"fmt"
)

// ErrCallTimeout is returned when a call exceeds its WithTimeout budget.
type ErrCallTimeout struct {
	Service string
}

func (e *ErrCallTimeout) Error() string {
	if e.Service == "" {
		return "connectivity: call timeout"
	}
	return fmt.Sprintf("connectivity: call timeout: %s", e.Service)
}

// ErrCircuitOpen is returned when the breaker rejects a call without running it.
type ErrCircuitOpen struct {
	Service string
}

func (e *ErrCircuitOpen) Error() string {
	return fmt.Sprintf("connectivity: circuit open: %s", e.Service)
}

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying. WithRetry returns it at once.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}
