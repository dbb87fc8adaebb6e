package cache

import (
	"context"
	"testing"
	"time"
)

func newTestNonceCache(t *testing.T) *NonceCache {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping Redis-backed test in short mode")
	}
	c, err := NewNonceCache("localhost:6379", time.Minute)
	if err != nil {
		t.Skip("skipping test - no Redis available:", err)
	}
	return c
}

func TestNonceCacheClaimNonceRejectsReplay(t *testing.T) {
	c := newTestNonceCache(t)
	defer c.Close()
	ctx := context.Background()

	ok, err := c.ClaimNonce(ctx, "activation-1", "bm9uY2U=")
	if err != nil {
		t.Fatalf("ClaimNonce failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the first claim of a fresh nonce to succeed")
	}

	ok, err = c.ClaimNonce(ctx, "activation-1", "bm9uY2U=")
	if err != nil {
		t.Fatalf("ClaimNonce (replay) failed: %v", err)
	}
	if ok {
		t.Fatal("expected a replayed nonce to be rejected")
	}
}

func TestNonceCacheClaimEnvelopeRejectsReplay(t *testing.T) {
	c := newTestNonceCache(t)
	defer c.Close()
	ctx := context.Background()
	ephemeral := []byte{0x02, 0x01, 0x02, 0x03}

	ok, err := c.ClaimEnvelope(ctx, "activation-2", ephemeral)
	if err != nil {
		t.Fatalf("ClaimEnvelope failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the first claim of a fresh envelope key to succeed")
	}

	ok, err = c.ClaimEnvelope(ctx, "activation-2", ephemeral)
	if err != nil {
		t.Fatalf("ClaimEnvelope (replay) failed: %v", err)
	}
	if ok {
		t.Fatal("expected a replayed envelope key to be rejected")
	}
}

func TestCounterLockExcludesConcurrentHolders(t *testing.T) {
	c := newTestNonceCache(t)
	defer c.Close()
	lock := NewCounterLock(c.Client(), 5*time.Second)
	ctx := context.Background()

	release, ok, err := lock.Acquire(ctx, "activation-lock-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if !ok {
		t.Fatal("expected the first Acquire to succeed")
	}

	_, ok, err = lock.Acquire(ctx, "activation-lock-1")
	if err != nil {
		t.Fatalf("second Acquire failed: %v", err)
	}
	if ok {
		t.Fatal("expected a second concurrent Acquire on the same activation to fail")
	}

	release()

	_, ok, err = lock.Acquire(ctx, "activation-lock-1")
	if err != nil {
		t.Fatalf("Acquire-after-release failed: %v", err)
	}
	if !ok {
		t.Fatal("expected Acquire to succeed again after release")
	}
}
