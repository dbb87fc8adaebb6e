package cache

import (
	"context"
	"testing"
	"time"
)

func newTestRateLimiter(t *testing.T, limit int, window time.Duration) *RateLimiter {
	t.Helper()
	nc := newTestNonceCache(t)
	t.Cleanup(func() { nc.Close() })
	return NewRateLimiter(nc.Client(), limit, window)
}

func TestRateLimiterAllowsUpToLimitThenRejects(t *testing.T) {
	rl := newTestRateLimiter(t, 3, time.Minute)
	ctx := context.Background()
	key := "test-key-1"

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key)
		if err != nil {
			t.Fatalf("Allow failed: %v", err)
		}
		if !ok {
			t.Fatalf("expected attempt %d to be allowed", i+1)
		}
	}

	ok, err := rl.Allow(ctx, key)
	if err != nil {
		t.Fatalf("Allow failed: %v", err)
	}
	if ok {
		t.Fatal("expected the 4th attempt within the window to be rejected")
	}
}

func TestRateLimiterTracksKeysIndependently(t *testing.T) {
	rl := newTestRateLimiter(t, 1, time.Minute)
	ctx := context.Background()

	ok, err := rl.Allow(ctx, "ip:1.2.3.4")
	if err != nil || !ok {
		t.Fatalf("expected the first key's attempt to be allowed: ok=%v err=%v", ok, err)
	}
	ok, err = rl.Allow(ctx, "ip:5.6.7.8")
	if err != nil || !ok {
		t.Fatalf("expected a different key's attempt to be allowed independently: ok=%v err=%v", ok, err)
	}
}
