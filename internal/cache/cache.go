// Package cache is a Redis read-through layer for hot lookups: player
// profiles, leaderboards, question themes and game settings. Misses are
// collapsed with singleflight so one loader fills the key for all waiters.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// Kind selects the TTL bucket for a cached value.
type Kind string

const (
	KindProfile     Kind = "profile"
	KindLeaderboard Kind = "leaderboard"
	KindTheme       Kind = "theme"
	KindSettings    Kind = "settings"
)

// TTLs configures the expiry per kind.
type TTLs struct {
	Profile     time.Duration
	Leaderboard time.Duration
	Theme       time.Duration
	Settings    time.Duration
}

// DefaultTTLs keeps volatile data short-lived and near-static data longer.
var DefaultTTLs = TTLs{
	Profile:     5 * time.Minute,
	Leaderboard: 30 * time.Second,
	Theme:       time.Hour,
	Settings:    time.Hour,
}

func (t TTLs) For(kind Kind) time.Duration {
	switch kind {
	case KindProfile:
		return t.Profile
	case KindLeaderboard:
		return t.Leaderboard
	case KindTheme:
		return t.Theme
	case KindSettings:
		return t.Settings
	default:
		return time.Minute
	}
}

// Loader produces the value on a cache miss.
type Loader func(ctx context.Context) (any, error)

type Cache struct {
	client redis.UniversalClient
	ttls   TTLs
	log    *slog.Logger
	group  singleflight.Group
}

func New(client redis.UniversalClient, ttls TTLs, log *slog.Logger) *Cache {
	return &Cache{client: client, ttls: ttls, log: log}
}

func key(kind Kind, id string) string {
	return fmt.Sprintf("cache:%s:%s", kind, id)
}

// GetJSON reads a cached value into dest, calling load on a miss and storing
// the result. Redis being down degrades to calling load directly.
func (c *Cache) GetJSON(ctx context.Context, kind Kind, id string, dest any, load Loader) error {
	k := key(kind, id)

	raw, err := c.client.Get(ctx, k).Bytes()
	if err == nil {
		return json.Unmarshal(raw, dest)
	}
	if err != redis.Nil {
		c.log.Warn("cache read failed, loading directly", "key", k, "err", err)
	}

	val, err, _ := c.group.Do(k, func() (any, error) {
		fresh, err := load(ctx)
		if err != nil {
			return nil, err
		}
		encoded, err := json.Marshal(fresh)
		if err != nil {
			return nil, err
		}
		if err := c.client.Set(ctx, k, encoded, c.jitter(c.ttls.For(kind))).Err(); err != nil {
			c.log.Warn("cache write failed", "key", k, "err", err)
		}
		return encoded, nil
	})
	if err != nil {
		return err
	}
	return json.Unmarshal(val.([]byte), dest)
}

// Invalidate drops cached entries after a write.
func (c *Cache) Invalidate(ctx context.Context, kind Kind, ids ...string) error {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = key(kind, id)
	}
	return c.client.Del(ctx, keys...).Err()
}

// jitter spreads expirations by up to 10% so hot keys refilled together do
// not all expire together.
func (c *Cache) jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(int64(ttl)/10+1))
}
