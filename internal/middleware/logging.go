// Package middleware holds HTTP middleware shared by every route.
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	chimiddleware "github.com/go-chi/chi/v5/middleware"
)

// statusRecorder captures the status code and byte count written through it.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written int64
}

func (rw *statusRecorder) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *statusRecorder) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.written += int64(n)
	return n, err
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (rw *statusRecorder) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

// Logger logs one line per request once the handler returns. Server errors
// log at Error and client errors at Warn, so a run that timed out stands out
// from routine traffic.
//
// Place it after chi's RequestID middleware to get the request_id attribute.
func Logger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(rec, r)

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", rec.status),
				slog.Duration("duration", time.Since(start)),
				slog.Int64("bytes", rec.written),
			}
			if id := chimiddleware.GetReqID(r.Context()); id != "" {
				attrs = append(attrs, slog.String("request_id", id))
			}

			level := slog.LevelInfo
			switch {
			case rec.status >= 500:
				level = slog.LevelError
			case rec.status >= 400:
				level = slog.LevelWarn
			}
			logger.LogAttrs(r.Context(), level, "request completed", attrs...)
		})
	}
}
