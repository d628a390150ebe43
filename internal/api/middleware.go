package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/google/uuid"
)

const requestIDHeader = "X-Request-ID"

type requestIDKey struct{}
type loggerKey struct{}

// RequestIDFromContext returns the correlation id assigned to the request.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// loggerFrom returns the request-scoped logger, or the default one.
func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*slog.Logger); ok {
		return l
	}
	return slog.Default()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// withRequestContext echoes or assigns X-Request-ID, attaches a request-scoped
// logger and logs every request once it completes.
func withRequestContext(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, requestID)

		logger := slog.Default().With("request_id", requestID)
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		ctx = contextWithLogger(ctx, logger)

		metrics.IncrementActiveConnections()
		defer metrics.DecrementActiveConnections()

		logger.InfoContext(ctx, "request received", "method", r.Method, "path", r.URL.Path, "remote_addr", r.RemoteAddr)
		if logger.Enabled(ctx, slog.LevelDebug) {
			logger.DebugContext(ctx, "request headers", "headers", redactHeaders(r.Header))
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r.WithContext(ctx))

		logger.InfoContext(ctx, "response sent",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

func redactHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if k == "Authorization" || k == "Cookie" {
			out[k] = "[redacted]"
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}

func contextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}
