package ratelimit

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/buildqueue/common/identity"
)

//go:embed rate_limit.lua
var rateLimitScript string

// Logger interface for logging
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

// Result contains the outcome of a rate limit check
type Result struct {
	Allowed           bool  // Whether the request is allowed
	CurrentCount      int64 // Current count in the window
	Limit             int64 // The limit that was checked
	RetryAfterSeconds int64 // Seconds until the limit resets (0 if allowed)
}

// Limiter throttles build creation using Redis + Lua. Windows are fixed and
// counters live entirely in Redis, so every API replica shares the budget.
type Limiter struct {
	redis  *redis.Client
	script *redis.Script
	logger Logger
}

// NewLimiter creates a new limiter with the embedded Lua script
func NewLimiter(redisClient *redis.Client, logger Logger) *Limiter {
	return &Limiter{
		redis:  redisClient,
		script: redis.NewScript(rateLimitScript),
		logger: logger,
	}
}

// CheckCreator checks the per-identity creation limit.
func (l *Limiter) CheckCreator(ctx context.Context, id identity.Identity, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:creator:%s", id)
	return l.check(ctx, key, limit, windowSec)
}

// CheckBucket checks the per-bucket creation limit, shared by all creators
// targeting that bucket.
func (l *Limiter) CheckBucket(ctx context.Context, bucket string, limit int64, windowSec int) (*Result, error) {
	key := fmt.Sprintf("rate_limit:bucket:%s", bucket)
	return l.check(ctx, key, limit, windowSec)
}

// check executes the rate limit Lua script atomically.
func (l *Limiter) check(ctx context.Context, key string, limit int64, windowSec int) (*Result, error) {
	result, err := l.script.Run(ctx, l.redis, []string{key}, limit, windowSec).Result()
	if err != nil {
		l.logger.Error("rate limit check failed", "key", key, "error", err)
		return nil, fmt.Errorf("rate limit check failed: %w", err)
	}

	// Result array: {allowed, current_count, limit, retry_after}
	resultArray, ok := result.([]interface{})
	if !ok || len(resultArray) != 4 {
		return nil, fmt.Errorf("unexpected script result format")
	}

	out := &Result{
		Allowed:           resultArray[0].(int64) == 1,
		CurrentCount:      resultArray[1].(int64),
		Limit:             resultArray[2].(int64),
		RetryAfterSeconds: resultArray[3].(int64),
	}

	if !out.Allowed {
		l.logger.Warn("rate limit exceeded",
			"key", key,
			"current", out.CurrentCount,
			"limit", limit,
			"retry_after", out.RetryAfterSeconds)
	}

	return out, nil
}

// CurrentCount returns the count in the active window without incrementing.
func (l *Limiter) CurrentCount(ctx context.Context, key string) (int64, error) {
	count, err := l.redis.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// Reset clears a counter (for testing/admin).
func (l *Limiter) Reset(ctx context.Context, key string) error {
	return l.redis.Del(ctx, key).Err()
}
