package cache

import (
	"context"
	"errors"
	"time"

	rediscommon "github.com/lyzr/buildqueue/common/redis"
)

// RedisCache backs the Cache interface with Redis so the dedup window is
// shared across all API replicas.
type RedisCache struct {
	client *rediscommon.Client
	prefix string
}

// NewRedisCache creates a Redis-backed cache. All keys are namespaced with
// prefix to keep them apart from streams and counters in the same database.
func NewRedisCache(client *rediscommon.Client, prefix string) *RedisCache {
	return &RedisCache{
		client: client,
		prefix: prefix,
	}
}

// Get retrieves a value from cache
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key)
	if errors.Is(err, rediscommon.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return []byte(val), true, nil
}

// Set stores a value in cache with TTL
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.SetWithExpiry(ctx, c.prefix+key, string(value), ttl)
}

// Delete removes a value from cache
func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Delete(ctx, c.prefix+key)
}

// Close closes the cache (the shared client is owned by the container)
func (c *RedisCache) Close() error {
	return nil
}
