package upstream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/circuitbreaker"
	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/telemetry"
	"golang.org/x/sync/singleflight"
)

// Factory builds and initialises a new upstream client.
type Factory func(ctx context.Context) (Client, error)

// Holder owns the process-wide upstream client. The client is built lazily on
// first use; concurrent first callers share a single initialisation attempt.
type Holder struct {
	factory     Factory
	initTimeout time.Duration
	breaker     *circuitbreaker.Breaker

	mu     sync.RWMutex
	client Client
	group  singleflight.Group
}

type HolderOption func(*Holder)

// WithBreaker suspends initialisation attempts after repeated failures. While
// the breaker is open Get returns the last failure without calling the factory.
func WithBreaker(b *circuitbreaker.Breaker) HolderOption {
	return func(h *Holder) {
		h.breaker = b
	}
}

func NewHolder(factory Factory, initTimeout time.Duration, opts ...HolderOption) *Holder {
	if initTimeout <= 0 {
		initTimeout = 30 * time.Second
	}
	h := &Holder{
		factory:     factory,
		initTimeout: initTimeout,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Get returns the initialised client, building it if needed.
func (h *Holder) Get(ctx context.Context) (Client, error) {
	if c := h.Current(); c != nil {
		return c, nil
	}

	v, err, _ := h.group.Do("client", func() (any, error) {
		if c := h.Current(); c != nil {
			return c, nil
		}

		if err := h.breaker.Allow(); err != nil {
			last := h.breaker.LastError()
			metrics.RecordClientInit("suspended")
			return nil, &Error{Kind: KindOf(last), Err: fmt.Errorf("%w: %w", err, last)}
		}

		// The attempt is shared, so it must outlive the caller that triggered it.
		initCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.initTimeout)
		defer cancel()

		initCtx, span := telemetry.StartSpan(initCtx, "upstream.init")
		defer span.End()

		slog.Info("initializing upstream client")
		start := time.Now()

		c, err := h.factory(initCtx)
		if err != nil {
			telemetry.AddErrorAttribute(span, err)
			h.breaker.RecordFailure(err)
			metrics.RecordClientInit("failure")
			slog.Error("upstream client initialization failed", "error", err, "kind", KindOf(err).String())
			return nil, err
		}

		h.mu.Lock()
		h.client = c
		h.mu.Unlock()

		h.breaker.RecordSuccess()
		metrics.RecordClientInit("success")
		slog.Info("upstream client initialized", "latency_ms", time.Since(start).Milliseconds())
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Client), nil
}

// Current returns the cached client without initialising one.
func (h *Holder) Current() Client {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.client
}

// Invalidate drops c if it is still the cached client so the next Get
// reinitialises. A stale c is ignored.
func (h *Holder) Invalidate(c Client) {
	h.mu.Lock()
	if h.client == nil || h.client != c {
		h.mu.Unlock()
		return
	}
	h.client = nil
	h.mu.Unlock()

	metrics.RecordClientInvalidation()
	slog.Warn("upstream client invalidated, next request will reinitialize")

	if err := c.Close(); err != nil {
		slog.Warn("failed to close upstream client", "error", err)
	}
}

// Close releases the cached client, if any.
func (h *Holder) Close() error {
	h.mu.Lock()
	c := h.client
	h.client = nil
	h.mu.Unlock()

	if c == nil {
		return nil
	}
	return c.Close()
}
