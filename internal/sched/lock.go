package sched

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker is the advisory lock serializing all mutation of one game: scheduled
// steps and answer submissions go through the same lock, across processes.
type Locker interface {
	// Acquire blocks until the lock is held or ctx is done. The returned
	// function releases the lock.
	Acquire(ctx context.Context, key string) (func(), error)
}

// RedisLocker implements Locker with SET NX PX and a token-checked release,
// so a worker that stalls past the TTL cannot release a successor's lock.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl}
}

var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(), error) {
	token := uuid.NewString()
	for {
		ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
		if err != nil {
			return nil, err
		}
		if ok {
			return func() {
				_, _ = releaseScript.Run(context.Background(), l.client, []string{key}, token).Result()
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// NopLocker satisfies Locker without coordination, for single-threaded tests.
type NopLocker struct{}

func (NopLocker) Acquire(context.Context, string) (func(), error) { return func() {}, nil }
