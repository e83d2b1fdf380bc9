// Package connectivity wraps outbound calls (portal fetches, mail delivery)
// with timeouts, exponential-backoff retries and circuit breakers.
//
// A call is any func(ctx) error; results are captured by the closure:
//
//	var recs []record.Record
//	call := connectivity.Chain(func(ctx context.Context) error {
//		var err error
//		recs, err = a.Fetch(ctx, since)
//		return err
//	}, connectivity.WithTimeout(30*time.Second, "moef"), connectivity.WithCircuitBreaker(cb, "moef"))
//	err := call(ctx)
package connectivity

import "context"

// Call is a unit of outbound work.
type Call func(ctx context.Context) error

// Middleware decorates a Call.
type Middleware func(next Call) Call

// Chain applies middlewares to c. The first middleware is the outermost.
func Chain(c Call, mws ...Middleware) Call {
	for i := len(mws) - 1; i >= 0; i-- {
		c = mws[i](c)
	}
	return c
}
