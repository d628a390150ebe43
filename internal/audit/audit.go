// Package audit keeps a trail of completion attempts.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Record describes one completion attempt. CallerKey is always masked.
type Record struct {
	RequestID      string
	CallerKey      string
	RequestedModel string
	UpstreamModel  string
	Stream         bool
	FreshSession   bool
	PromptWords    int
	ReplyWords     int
	Status         string
	ErrorCode      string
	LatencyMs      int64
	CreatedAt      time.Time
}

type Recorder interface {
	Record(ctx context.Context, rec Record) error
}

// LogRecorder writes records to the structured log.
type LogRecorder struct {
	logger *slog.Logger
}

func NewLogRecorder(logger *slog.Logger) *LogRecorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogRecorder{logger: logger}
}

func (r *LogRecorder) Record(ctx context.Context, rec Record) error {
	r.logger.InfoContext(ctx, "completion audit",
		"request_id", rec.RequestID,
		"caller", rec.CallerKey,
		"model", rec.RequestedModel,
		"upstream_model", rec.UpstreamModel,
		"stream", rec.Stream,
		"fresh_session", rec.FreshSession,
		"prompt_words", rec.PromptWords,
		"reply_words", rec.ReplyWords,
		"status", rec.Status,
		"error_code", rec.ErrorCode,
		"latency_ms", rec.LatencyMs,
	)
	return nil
}

// InMemoryRecorder keeps records in memory. Used in tests.
type InMemoryRecorder struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemoryRecorder() *InMemoryRecorder {
	return &InMemoryRecorder{}
}

func (r *InMemoryRecorder) Record(ctx context.Context, rec Record) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, rec)
	return nil
}

func (r *InMemoryRecorder) Records() []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Record(nil), r.records...)
}
