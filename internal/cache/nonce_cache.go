// Package cache provides the Redis-backed replay and locking primitives
// the PowerAuth core itself stays silent about: nonce/ECIES-envelope
// single-use tracking and an optimistic per-activation signing lock.
package cache

import (
	"context"
	"os"
	"time"

	"github.com/redis/go-redis/v9"
)

// NonceCache tracks request nonces and ECIES single-use envelope keys
// that have already been consumed, rejecting replays within a sliding
// window. internal/powerauth's EciesDecryptor only prevents reuse
// within a single process; this cache extends that across replicas.
type NonceCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewNonceCache connects to addr, reading REDIS_PASSWORD the same way
// the teacher's pub/sub client does.
func NewNonceCache(addr string, ttl time.Duration) (*NonceCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     os.Getenv("REDIS_PASSWORD"),
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 5,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	return &NonceCache{client: client, ttl: ttl}, nil
}

func (c *NonceCache) Close() error { return c.client.Close() }

// Client exposes the underlying connection so a caller can build a
// CounterLock sharing the same pool instead of opening a second one.
func (c *NonceCache) Client() *redis.Client { return c.client }

// ClaimNonce atomically records nonce as used for activationID and
// reports whether the claim succeeded (false means it was already
// seen, i.e. a replay).
func (c *NonceCache) ClaimNonce(ctx context.Context, activationID, nonceB64 string) (bool, error) {
	key := "pa:nonce:" + activationID + ":" + nonceB64
	ok, err := c.client.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

// ClaimEnvelope is ClaimNonce's counterpart for ECIES ephemeral public
// keys, used to detect replayed encrypted request envelopes.
func (c *NonceCache) ClaimEnvelope(ctx context.Context, activationID string, ephemeralPublicKey []byte) (bool, error) {
	key := "pa:envelope:" + activationID + ":" + string(ephemeralPublicKey)
	return c.client.SetNX(ctx, key, 1, c.ttl).Result()
}
