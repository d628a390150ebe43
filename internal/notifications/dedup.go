package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupKeyPrefix = "geminigateway:alert:"

// Deduplicator decides whether a notification of a given kind may be sent
// now. Upstream failures affect every caller at once, so a bad cookie would
// otherwise raise one alert per request.
type Deduplicator interface {
	ShouldSend(ctx context.Context, key string) bool
	Clear(ctx context.Context, key string)
}

// InMemoryDeduplicator suppresses repeats within window for a single instance.
type InMemoryDeduplicator struct {
	mu     sync.Mutex
	window time.Duration
	sent   map[string]time.Time
	now    func() time.Time
}

func NewInMemoryDeduplicator(window time.Duration) *InMemoryDeduplicator {
	return &InMemoryDeduplicator{
		window: window,
		sent:   make(map[string]time.Time),
		now:    time.Now,
	}
}

func (d *InMemoryDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	if last, ok := d.sent[key]; ok && now.Sub(last) < d.window {
		return false
	}
	d.sent[key] = now
	return true
}

func (d *InMemoryDeduplicator) Clear(ctx context.Context, key string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.sent, key)
}

// RedisDeduplicator shares suppression state across gateway instances.
type RedisDeduplicator struct {
	client *redis.Client
	window time.Duration
}

func NewRedisDeduplicator(client *redis.Client, window time.Duration) *RedisDeduplicator {
	return &RedisDeduplicator{
		client: client,
		window: window,
	}
}

// ShouldSend uses SETNX so only one instance wins each window. Redis errors
// allow the alert through.
func (d *RedisDeduplicator) ShouldSend(ctx context.Context, key string) bool {
	acquired, err := d.client.SetNX(ctx, dedupKeyPrefix+key, time.Now().Unix(), d.window).Result()
	if err != nil {
		slog.WarnContext(ctx, "alert deduplication unavailable", "key", key, "error", err)
		return true
	}
	return acquired
}

func (d *RedisDeduplicator) Clear(ctx context.Context, key string) {
	d.client.Del(ctx, dedupKeyPrefix+key)
}

// DedupNotifier drops notifications whose type was already sent within the
// deduplicator's window.
type DedupNotifier struct {
	next  Notifier
	dedup Deduplicator
}

func Deduplicate(next Notifier, dedup Deduplicator) *DedupNotifier {
	return &DedupNotifier{next: next, dedup: dedup}
}

func (n *DedupNotifier) Send(ctx context.Context, notification Notification) error {
	if !n.dedup.ShouldSend(ctx, string(notification.Type)) {
		slog.DebugContext(ctx, "notification suppressed", "type", notification.Type)
		return nil
	}
	if err := n.next.Send(ctx, notification); err != nil {
		// Let the next occurrence retry delivery.
		n.dedup.Clear(ctx, string(notification.Type))
		return err
	}
	return nil
}
