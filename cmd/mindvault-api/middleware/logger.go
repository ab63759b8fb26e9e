package middleware

import (
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/mindvault-ai/mindvault/internal/observability"
)

// RequestLogger logs one structured line per request: method, path,
// status, size, and latency.
func RequestLogger(log *observability.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				evt := log.Info().
					Str("method", r.Method).
					Str("path", r.URL.Path).
					Int("status", ww.Status()).
					Int("bytes", ww.BytesWritten()).
					Dur("took", time.Since(start))
				if id := chimiddleware.GetReqID(r.Context()); id != "" {
					evt = evt.Str("request_id", id)
				}
				evt.Msg("Request handled")
			}()

			next.ServeHTTP(ww, r)
		})
	}
}
