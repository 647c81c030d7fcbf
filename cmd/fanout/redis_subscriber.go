package main

import (
	"context"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/lyzr/buildqueue/cmd/buildqueue/service"
	"github.com/lyzr/buildqueue/common/logger"
)

// RedisSubscriber listens to the per-bucket completion channels and forwards
// events to the Hub.
type RedisSubscriber struct {
	redis *redis.Client
	hub   *Hub
	log   *logger.Logger
}

// NewRedisSubscriber creates a new RedisSubscriber instance
func NewRedisSubscriber(redisClient *redis.Client, hub *Hub, log *logger.Logger) *RedisSubscriber {
	return &RedisSubscriber{
		redis: redisClient,
		hub:   hub,
		log:   log,
	}
}

// Start subscribes to every bucket's event channel and pumps messages into
// the hub until the context is canceled.
func (s *RedisSubscriber) Start(ctx context.Context) error {
	pattern := service.EventChannelPrefix + "*"
	pubsub := s.redis.PSubscribe(ctx, pattern)
	defer pubsub.Close()

	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}
	s.log.Info("subscribed to completion events", "pattern", pattern)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			s.log.Info("redis subscriber stopping")
			return nil

		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			bucket := strings.TrimPrefix(msg.Channel, service.EventChannelPrefix)
			s.hub.broadcast <- &Event{
				Bucket: bucket,
				Data:   []byte(msg.Payload),
			}
		}
	}
}
