package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/kbukum/streamkit/logger"
)

// RequestLogger returns middleware that logs every request with method,
// path, status code, response size and duration. Probe and metrics paths
// are skipped.
func RequestLogger(log *logger.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isProbe(r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			rec := &recorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			elapsed := time.Since(start)

			fields := logger.Fields(
				"method", r.Method,
				"path", r.URL.Path,
				logger.FieldStatus, rec.status,
				"bytes", rec.bytes,
				logger.FieldDuration, elapsed.Milliseconds(),
			)
			if id := r.Header.Get(RequestIDHeader); id != "" {
				fields[logger.FieldRequestID] = id
			}
			if elapsed > 500*time.Millisecond {
				fields["slow"] = true
			}

			reqLog := log.WithContext(r.Context())
			switch {
			case rec.status >= 500:
				reqLog.Error("Request completed", fields)
			case rec.status >= 400:
				reqLog.Warn("Request completed", fields)
			default:
				reqLog.Debug("Request completed", fields)
			}
		})
	}
}

func isProbe(path string) bool {
	switch strings.TrimPrefix(path, "/api") {
	case "/health", "/alive", "/ready", "/info", "/metrics":
		return true
	}
	return false
}

// recorder captures the status code and body size of a response.
type recorder struct {
	http.ResponseWriter
	status      int
	bytes       int
	wroteHeader bool
}

func (r *recorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.status = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *recorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

// Flush keeps streaming and h2c responses working through the wrapper.
func (r *recorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap exposes the original writer to http.ResponseController.
func (r *recorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
