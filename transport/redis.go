// Package transport holds adapters for the real-time fan-out channel.
// Publishing is best-effort, at-most-once: the delivery queue, not the
// transport, is what makes delivery eventually reliable.
package transport

import (
	"context"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"chat-relay/contract"
)

var _ contract.Publisher = (*RedisPublisher)(nil)

// RedisPublisher fans messages out over Redis Pub/Sub so that every
// relay instance holding a subscriber connection can push them on.
type RedisPublisher struct {
	client *redis.Client
	log    *slog.Logger
}

func NewRedisPublisher(client *redis.Client, log *slog.Logger) *RedisPublisher {
	return &RedisPublisher{client: client, log: log}
}

func (p *RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.client.Publish(ctx, channel, payload).Err()
}
