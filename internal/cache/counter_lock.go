package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CounterLock serializes signature verification per activation id so
// two concurrent requests from the same device never race on
// Session.trySynchronizeCounter's read-modify-write of the stored
// signature counter.
type CounterLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewCounterLock(client *redis.Client, ttl time.Duration) *CounterLock {
	return &CounterLock{client: client, ttl: ttl}
}

// Acquire takes the lock for activationID, returning a release func.
// Returns (nil, false, nil) if another request currently holds it.
func (l *CounterLock) Acquire(ctx context.Context, activationID string) (release func(), ok bool, err error) {
	key := "pa:ctrlock:" + activationID
	token := fmt.Sprintf("%d", time.Now().UnixNano())
	acquired, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, false, err
	}
	if !acquired {
		return nil, false, nil
	}
	release = func() {
		// best-effort: only clear if we still hold it
		val, err := l.client.Get(ctx, key).Result()
		if err == nil && val == token {
			l.client.Del(ctx, key)
		}
	}
	return release, true, nil
}
