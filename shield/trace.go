package shield

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/kibak812/taxupdater/idgen"
	"github.com/kibak812/taxupdater/kit"
)

var newTraceID = idgen.Prefixed("req_", idgen.UUIDv7())

// TraceID tags each request with an ID, echoed in X-Trace-ID and stored as
// the kit trace ID, and attaches a per-request logger under LoggerKey. A
// well-formed incoming X-Trace-ID is kept. Completion is logged at debug
// level with status and duration.
func TraceID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Trace-ID")
		if traceID == "" || len(traceID) > 64 {
			traceID = newTraceID()
		}
		w.Header().Set("X-Trace-ID", traceID)

		logger := slog.Default().With("trace_id", traceID, "method", r.Method, "path", r.URL.Path)
		ctx := kit.WithTraceID(r.Context(), traceID)
		ctx = context.WithValue(ctx, LoggerKey, logger)

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(ctx))
		logger.Debug("request", "status", ww.Status(), "bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(), "remote_addr", r.RemoteAddr)
	})
}
