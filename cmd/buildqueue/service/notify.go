package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/lyzr/buildqueue/common/models"
	rediscommon "github.com/lyzr/buildqueue/common/redis"
)

// CompletionStream is the redis stream completion events are published to.
const CompletionStream = "bq.build.completions"

// EventChannelPrefix prefixes the per-bucket pub/sub channels live watchers
// subscribe to through the fanout service.
const EventChannelPrefix = "build:events:"

// CompletionEvent is the payload published on the per-bucket event channel.
type CompletionEvent struct {
	BuildID           int64  `json:"build_id"`
	Bucket            string `json:"bucket"`
	Result            string `json:"result"`
	FailureReason     string `json:"failure_reason,omitempty"`
	CancelationReason string `json:"cancelation_reason,omitempty"`
}

// StreamNotifier publishes completion events to a redis stream, from which a
// separate dispatcher process delivers them to the callback topics.
type StreamNotifier struct {
	redis  *rediscommon.Client
	stream string
}

// NewStreamNotifier creates a notifier publishing to stream (empty for the
// default CompletionStream).
func NewStreamNotifier(redis *rediscommon.Client, stream string) *StreamNotifier {
	if stream == "" {
		stream = CompletionStream
	}
	return &StreamNotifier{
		redis:  redis,
		stream: stream,
	}
}

// NotifyCompleted publishes the completion event for b.
func (n *StreamNotifier) NotifyCompleted(ctx context.Context, b *models.Build) error {
	values := map[string]interface{}{
		"build_id": fmt.Sprintf("%d", b.ID),
		"bucket":   b.Bucket,
		"result":   string(b.Result),
	}
	if b.Callback != nil {
		values["topic"] = b.Callback.Topic
		values["user_data"] = b.Callback.UserData
		values["auth_token"] = b.Callback.AuthToken
	}

	if _, err := n.redis.AddToStream(ctx, n.stream, values); err != nil {
		return fmt.Errorf("failed to publish completion event: %w", err)
	}

	// Live watchers get the event too. Pub/sub is lossy, so this is in
	// addition to the durable stream, never instead of it.
	payload, err := json.Marshal(CompletionEvent{
		BuildID:           b.ID,
		Bucket:            b.Bucket,
		Result:            string(b.Result),
		FailureReason:     string(b.FailureReason),
		CancelationReason: string(b.CancelationReason),
	})
	if err == nil {
		if perr := n.redis.Publish(ctx, EventChannelPrefix+b.Bucket, payload); perr != nil {
			return fmt.Errorf("failed to publish live event: %w", perr)
		}
	}

	return nil
}
