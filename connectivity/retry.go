package connectivity

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// WithTimeout bounds each call to d. An expired deadline is reported as
// *ErrCallTimeout wrapping nothing; cancellation of the parent context is
// passed through unchanged. A zero d disables the timeout.
func WithTimeout(d time.Duration, service string) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			if d <= 0 {
				return next(ctx)
			}
			cctx, cancel := context.WithTimeout(ctx, d)
			defer cancel()
			err := next(cctx)
			if err != nil && ctx.Err() == nil && errors.Is(cctx.Err(), context.DeadlineExceeded) {
				return &ErrCallTimeout{Service: service}
			}
			return err
		}
	}
}

// WithRetry retries failed calls with exponential backoff: base, 2*base,
// 4*base... maxRetries is the number of retries after the first attempt.
// Permanent errors, open circuits and a done context stop the loop.
func WithRetry(maxRetries int, base time.Duration, logger *slog.Logger) Middleware {
	return func(next Call) Call {
		return func(ctx context.Context) error {
			var lastErr error
			for attempt := 0; attempt <= maxRetries; attempt++ {
				err := next(ctx)
				if err == nil {
					return nil
				}
				lastErr = err

				if ctx.Err() != nil || IsPermanent(err) {
					return lastErr
				}
				var open *ErrCircuitOpen
				if errors.As(err, &open) {
					return lastErr
				}

				if attempt < maxRetries {
					wait := base * (1 << uint(attempt))
					if logger != nil {
						logger.WarnContext(ctx, "connectivity: retrying call",
							"attempt", attempt+1,
							"max_retries", maxRetries,
							"backoff_ms", wait.Milliseconds(),
							"error", err)
					}
					t := time.NewTimer(wait)
					select {
					case <-ctx.Done():
						t.Stop()
						return lastErr
					case <-t.C:
					}
				}
			}
			return lastErr
		}
	}
}
