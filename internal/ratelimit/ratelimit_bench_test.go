package ratelimit

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/felipepmaragno/gemini-gateway/internal/auth"
)

// Callers are keyed by API key fingerprint, as the HTTP layer does.
func benchCallers(n int) []string {
	callers := make([]string, n)
	for i := range callers {
		callers[i] = auth.Fingerprint(fmt.Sprintf("sk-bench-%04d", i))
	}
	return callers
}

func BenchmarkInMemoryRateLimiter_SingleCaller(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	caller := benchCallers(1)[0]

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		rl.Allow(ctx, caller, 60)
	}
}

func BenchmarkInMemoryRateLimiter_ManyCallersParallel(b *testing.B) {
	rl := NewInMemoryRateLimiter()
	ctx := context.Background()
	callers := benchCallers(256)

	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		i := 0
		for pb.Next() {
			rl.Allow(ctx, callers[i%len(callers)], 60)
			i++
		}
	})
}

func BenchmarkInMemoryRateLimiter_Prune(b *testing.B) {
	ctx := context.Background()
	callers := benchCallers(10000)
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < b.N; i++ {
		b.StopTimer()
		rl := NewInMemoryRateLimiter()
		rl.now = func() time.Time { return now }
		for _, c := range callers {
			rl.Allow(ctx, c, 60)
		}
		rl.now = func() time.Time { return now.Add(2 * time.Minute) }
		b.StartTimer()

		if removed := rl.Prune(); removed != len(callers) {
			b.Fatalf("Prune() removed %d, want %d", removed, len(callers))
		}
	}
}
