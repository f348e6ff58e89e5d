// Package cache keeps canonical tag and group ids in Redis in front of the record store, so
// popular tags skip the upsert round trip. Redis failures fall through to the store.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"harvester/packages/domain"
	"harvester/packages/resolver"
)

const (
	tagPrefix   = "harvester:tag:"
	groupPrefix = "harvester:group:"
)

// Connect opens a client from a redis:// URL and verifies it.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// CachedStore decorates a resolver.Store. Only canonical ids are cached; links and variants
// always reach the store.
type CachedStore struct {
	resolver.Store
	rdb *redis.Client
	ttl time.Duration
}

func New(store resolver.Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{Store: store, rdb: rdb, ttl: ttl}
}

func (c *CachedStore) GetOrCreateTag(ctx context.Context, normalized string) (int64, bool, error) {
	key := tagPrefix + normalized
	if id, ok := c.lookup(ctx, key); ok {
		return id, false, nil
	}
	id, created, err := c.Store.GetOrCreateTag(ctx, normalized)
	if err != nil {
		return 0, false, err
	}
	c.remember(ctx, key, id)
	return id, created, nil
}

func (c *CachedStore) GetOrCreateGroup(ctx context.Context, group domain.Group) (int64, bool, error) {
	key := groupPrefix + group.RemoteID
	if id, ok := c.lookup(ctx, key); ok {
		return id, false, nil
	}
	id, created, err := c.Store.GetOrCreateGroup(ctx, group)
	if err != nil {
		return 0, false, err
	}
	c.remember(ctx, key, id)
	return id, created, nil
}

func (c *CachedStore) lookup(ctx context.Context, key string) (int64, bool) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false
	}
	if err != nil {
		slog.Warn("Canonical id cache read failed", "key", key, "error", err)
		return 0, false
	}
	id, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		slog.Warn("Discarding corrupt cache entry", "key", key, "value", val)
		return 0, false
	}
	return id, true
}

func (c *CachedStore) remember(ctx context.Context, key string, id int64) {
	if err := c.rdb.Set(ctx, key, id, c.ttl).Err(); err != nil {
		slog.Warn("Canonical id cache write failed", "key", key, "error", err)
	}
}
