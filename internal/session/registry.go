// Package session binds caller identities to upstream conversations.
//
// The registry is split into shards, each guarded by its own mutex, so that
// resolving a session for one caller never waits on an unrelated caller
// outside its shard. Within a shard the read-modify-write of "is there a valid
// session" is atomic, which guarantees at most one session creation in flight
// per caller key.
package session

import (
	"context"
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/metrics"
	"github.com/felipepmaragno/gemini-gateway/internal/upstream"
)

const shardCount = 32

// Session is one upstream conversation owned by one caller.
type Session struct {
	OwnerKey     string
	Conversation upstream.Conversation
	Model        upstream.Model
	Client       upstream.Client
	CreatedAt    time.Time

	systemPromptSent atomic.Bool
	turns            atomic.Int64
	lastUsed         atomic.Int64
}

// SystemPromptSent reports whether the session's first turn has been
// composed. From then on the system instruction is never sent again.
func (s *Session) SystemPromptSent() bool {
	return s.systemPromptSent.Load()
}

// ClaimSystemPrompt closes the system instruction window. It returns true for
// exactly one caller per session, which alone may prefix the instruction.
func (s *Session) ClaimSystemPrompt() bool {
	return s.systemPromptSent.CompareAndSwap(false, true)
}

// Turns returns the number of successful exchanges on this session.
func (s *Session) Turns() int64 {
	return s.turns.Load()
}

// RecordTurn notes a successful exchange.
func (s *Session) RecordTurn() {
	s.turns.Add(1)
}

func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

func (s *Session) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

// Options configures a Registry. Zero values disable the corresponding limit.
type Options struct {
	IdleTTL       time.Duration
	MaxSessions   int
	SweepInterval time.Duration
}

type shard struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

type Registry struct {
	shards   [shardCount]*shard
	seed     maphash.Seed
	opts     Options
	perShard int
	count    atomic.Int64
	now      func() time.Time
}

func NewRegistry(opts Options) *Registry {
	r := &Registry{
		seed: maphash.MakeSeed(),
		opts: opts,
		now:  time.Now,
	}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[string]*Session)}
	}
	if opts.MaxSessions > 0 {
		r.perShard = (opts.MaxSessions + shardCount - 1) / shardCount
	}
	return r
}

func (r *Registry) shardFor(key string) *shard {
	return r.shards[maphash.String(r.seed, key)%shardCount]
}

// Resolve returns the caller's session, creating or replacing it when needed.
// fresh is true whenever the returned session was created by this call.
func (r *Registry) Resolve(ctx context.Context, ownerKey string, model upstream.Model, client upstream.Client) (sess *Session, fresh bool) {
	now := r.now()
	sh := r.shardFor(ownerKey)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, ok := sh.sessions[ownerKey]
	if ok {
		switch {
		case existing.Client != client:
			slog.WarnContext(ctx, "recreating session", "caller", Mask(ownerKey), "reason", "upstream client changed")
			sess = r.start(ownerKey, model, client, existing.Conversation.Metadata(), now)
			metrics.RecordSessionCreated("client_changed")
		case existing.Model.Name != model.Name:
			slog.WarnContext(ctx, "recreating session",
				"caller", Mask(ownerKey),
				"reason", "upstream model changed",
				"from", existing.Model.Name,
				"to", model.Name,
			)
			sess = r.start(ownerKey, model, client, existing.Conversation.Metadata(), now)
			metrics.RecordSessionCreated("model_changed")
		default:
			existing.touch(now)
			return existing, false
		}
		sh.sessions[ownerKey] = sess
		return sess, true
	}

	if r.perShard > 0 && len(sh.sessions) >= r.perShard {
		r.evictOldestLocked(sh)
	}

	slog.InfoContext(ctx, "creating session", "caller", Mask(ownerKey), "upstream_model", model.Name)
	sess = r.start(ownerKey, model, client, nil, now)
	sh.sessions[ownerKey] = sess
	metrics.RecordSessionCreated("new")
	metrics.SetActiveSessions(int(r.count.Add(1)))
	return sess, true
}

func (r *Registry) start(ownerKey string, model upstream.Model, client upstream.Client, metadata []string, now time.Time) *Session {
	sess := &Session{
		OwnerKey:     ownerKey,
		Conversation: client.StartConversation(model, metadata),
		Model:        model,
		Client:       client,
		CreatedAt:    now,
	}
	sess.touch(now)
	return sess
}

func (r *Registry) evictOldestLocked(sh *shard) {
	var oldestKey string
	var oldest int64
	for key, s := range sh.sessions {
		if used := s.lastUsed.Load(); oldestKey == "" || used < oldest {
			oldestKey, oldest = key, used
		}
	}
	if oldestKey == "" {
		return
	}
	delete(sh.sessions, oldestKey)
	metrics.RecordSessionEvicted("capacity", 1)
	metrics.SetActiveSessions(int(r.count.Add(-1)))
	slog.Info("session evicted", "caller", Mask(oldestKey), "reason", "capacity")
}

// Get returns the caller's current session without creating one.
func (r *Registry) Get(ownerKey string) (*Session, bool) {
	sh := r.shardFor(ownerKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	s, ok := sh.sessions[ownerKey]
	return s, ok
}

// Drop removes the caller's session. It reports whether one existed.
func (r *Registry) Drop(ownerKey string) bool {
	sh := r.shardFor(ownerKey)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, ok := sh.sessions[ownerKey]; !ok {
		return false
	}
	delete(sh.sessions, ownerKey)
	metrics.SetActiveSessions(int(r.count.Add(-1)))
	return true
}

func (r *Registry) Len() int {
	return int(r.count.Load())
}

// Sweep removes sessions idle for longer than the configured TTL and returns
// how many were removed.
func (r *Registry) Sweep() int {
	if r.opts.IdleTTL <= 0 {
		return 0
	}

	cutoff := r.now().Add(-r.opts.IdleTTL).UnixNano()
	removed := 0
	for _, sh := range r.shards {
		sh.mu.Lock()
		for key, s := range sh.sessions {
			if s.lastUsed.Load() < cutoff {
				delete(sh.sessions, key)
				removed++
			}
		}
		sh.mu.Unlock()
	}

	if removed > 0 {
		metrics.SetActiveSessions(int(r.count.Add(int64(-removed))))
		metrics.RecordSessionEvicted("idle", removed)
		slog.Info("expired idle sessions", "count", removed)
	}
	return removed
}

// Run sweeps idle sessions until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	if r.opts.IdleTTL <= 0 {
		return
	}

	interval := r.opts.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep()
		}
	}
}

// Mask hides all but the last four characters of a credential.
func Mask(key string) string {
	if len(key) <= 4 {
		return "..."
	}
	return "..." + key[len(key)-4:]
}
