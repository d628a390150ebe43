// Package ratelimit limits requests per caller over a one-minute window.
// Supports both in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// RateLimiter defines the interface for rate limiting backends.
// Returns whether the request is allowed, remaining quota, and reset time.
type RateLimiter interface {
	Allow(ctx context.Context, callerID string, limit int) (allowed bool, remaining int, resetAt time.Time, err error)
}

// InMemoryRateLimiter uses fixed one-minute windows per caller.
// Suitable for single-instance deployments.
type InMemoryRateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

func NewInMemoryRateLimiter() *InMemoryRateLimiter {
	return &InMemoryRateLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

func (r *InMemoryRateLimiter) Allow(ctx context.Context, callerID string, limit int) (bool, int, time.Time, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()

	w, ok := r.windows[callerID]
	if !ok || now.After(w.resetAt) {
		w = &window{resetAt: now.Add(time.Minute)}
		r.windows[callerID] = w
	}

	if w.count >= limit {
		return false, 0, w.resetAt, nil
	}

	w.count++
	return true, limit - w.count, w.resetAt, nil
}

// Prune drops expired windows and returns how many were removed.
func (r *InMemoryRateLimiter) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for id, w := range r.windows {
		if now.After(w.resetAt) {
			delete(r.windows, id)
			removed++
		}
	}
	return removed
}

// Run prunes expired windows every interval until ctx is done.
func (r *InMemoryRateLimiter) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Prune()
		}
	}
}
