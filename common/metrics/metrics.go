package metrics

import (
	"context"
	"time"

	"github.com/lyzr/buildqueue/common/logger"
	rediscommon "github.com/lyzr/buildqueue/common/redis"
)

// Recorder counts build lifecycle events (create/lease/start/heartbeat/
// complete). Counters are fire-and-forget: recording never blocks or fails
// the operation whose outcome is being counted.
type Recorder interface {
	Increment(event, bucket string)
}

// RedisRecorder keeps per-bucket event counters in a Redis hash, one hash per
// event kind, so dashboards can HGETALL them cheaply.
type RedisRecorder struct {
	client *rediscommon.Client
	log    *logger.Logger
}

// NewRedisRecorder creates a Redis-backed recorder
func NewRedisRecorder(client *rediscommon.Client, log *logger.Logger) *RedisRecorder {
	return &RedisRecorder{
		client: client,
		log:    log,
	}
}

// Increment bumps the counter for event in bucket. Runs asynchronously with
// its own timeout; failures are logged and dropped.
func (r *RedisRecorder) Increment(event, bucket string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()

		if _, err := r.client.IncrementHash(ctx, "metrics:"+event, bucket, 1); err != nil {
			r.log.Warn("metric increment dropped", "event", event, "bucket", bucket, "error", err)
		}
	}()
}

// NopRecorder discards all events. Used in tests and when metrics are disabled.
type NopRecorder struct{}

func (NopRecorder) Increment(event, bucket string) {}
