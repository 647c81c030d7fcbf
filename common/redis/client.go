package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Client wraps redis.Client with common operations and instrumentation
type Client struct {
	redis  *redis.Client
	logger Logger
}

// NewClient creates a new Redis client wrapper
func NewClient(redisClient *redis.Client, logger Logger) *Client {
	return &Client{
		redis:  redisClient,
		logger: logger,
	}
}

// GetUnderlying returns the underlying redis.Client for advanced operations
func (c *Client) GetUnderlying() *redis.Client {
	return c.redis
}

// SetWithExpiry sets a key with expiration
func (c *Client) SetWithExpiry(ctx context.Context, key, value string, expiry time.Duration) error {
	err := c.redis.Set(ctx, key, value, expiry).Err()
	if err != nil {
		c.logger.Error("redis SET failed", "key", key, "error", err)
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}
	c.logger.Debug("redis SET", "key", key, "expiry", expiry)
	return nil
}

// ErrKeyNotFound is returned by Get for missing keys.
var ErrKeyNotFound = fmt.Errorf("key not found")

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		c.logger.Debug("redis GET key not found", "key", key)
		return "", ErrKeyNotFound
	}
	if err != nil {
		c.logger.Error("redis GET failed", "key", key, "error", err)
		return "", fmt.Errorf("failed to get key %s: %w", key, err)
	}
	c.logger.Debug("redis GET", "key", key)
	return val, nil
}

// GetMultiple retrieves multiple keys using pipeline (single network round-trip)
// Returns a map of key -> value. Keys that don't exist are omitted from result.
func (c *Client) GetMultiple(ctx context.Context, keys []string) (map[string]string, error) {
	if len(keys) == 0 {
		return make(map[string]string), nil
	}

	pipe := c.redis.Pipeline()
	cmds := make([]*redis.StringCmd, len(keys))

	// Queue all GET commands
	for i, key := range keys {
		cmds[i] = pipe.Get(ctx, key)
	}

	// Execute pipeline
	_, err := pipe.Exec(ctx)
	if err != nil && err != redis.Nil {
		c.logger.Error("redis pipeline GET failed", "key_count", len(keys), "error", err)
		return nil, fmt.Errorf("failed to get multiple keys: %w", err)
	}

	// Collect results
	result := make(map[string]string)
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err == redis.Nil {
			// Key doesn't exist, skip it
			continue
		}
		if err != nil {
			c.logger.Warn("redis GET failed for key in pipeline", "key", keys[i], "error", err)
			continue
		}
		result[keys[i]] = val
	}

	c.logger.Debug("redis pipeline GET", "requested", len(keys), "found", len(result))
	return result, nil
}

// SetNX sets a key only if it doesn't exist (for idempotency checks)
func (c *Client) SetNX(ctx context.Context, key, value string, expiry time.Duration) (bool, error) {
	wasSet, err := c.redis.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		c.logger.Error("redis SETNX failed", "key", key, "error", err)
		return false, fmt.Errorf("failed to setnx key %s: %w", key, err)
	}
	c.logger.Debug("redis SETNX", "key", key, "was_set", wasSet)
	return wasSet, nil
}

// Delete removes a key
func (c *Client) Delete(ctx context.Context, keys ...string) error {
	err := c.redis.Del(ctx, keys...).Err()
	if err != nil {
		c.logger.Error("redis DEL failed", "keys", keys, "error", err)
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	c.logger.Debug("redis DEL", "keys", keys)
	return nil
}

// AddToStream adds a message to a Redis stream
func (c *Client) AddToStream(ctx context.Context, stream string, values map[string]interface{}) (string, error) {
	id, err := c.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}).Result()
	if err != nil {
		c.logger.Error("redis XADD failed", "stream", stream, "error", err)
		return "", fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}
	c.logger.Debug("redis XADD", "stream", stream, "id", id)
	return id, nil
}

// Publish sends a message on a pub/sub channel
func (c *Client) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := c.redis.Publish(ctx, channel, payload).Err(); err != nil {
		c.logger.Error("redis PUBLISH failed", "channel", channel, "error", err)
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}
	c.logger.Debug("redis PUBLISH", "channel", channel)
	return nil
}

// IncrementHash increments a hash field and returns the new value
func (c *Client) IncrementHash(ctx context.Context, key, field string, increment int64) (int64, error) {
	val, err := c.redis.HIncrBy(ctx, key, field, increment).Result()
	if err != nil {
		c.logger.Error("redis HINCRBY failed", "key", key, "field", field, "error", err)
		return 0, fmt.Errorf("failed to increment hash %s field %s: %w", key, field, err)
	}
	c.logger.Debug("redis HINCRBY", "key", key, "field", field, "value", val)
	return val, nil
}

// GetAllHash retrieves all fields and values of a hash
func (c *Client) GetAllHash(ctx context.Context, key string) (map[string]string, error) {
	val, err := c.redis.HGetAll(ctx, key).Result()
	if err != nil {
		c.logger.Error("redis HGETALL failed", "key", key, "error", err)
		return nil, fmt.Errorf("failed to get all hash fields %s: %w", key, err)
	}
	c.logger.Debug("redis HGETALL", "key", key, "field_count", len(val))
	return val, nil
}
