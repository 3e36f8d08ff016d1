package bus

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/radiusdt/vector-attribution/internal/models"
)

// RedisBus publishes invalidations on a Redis pub/sub channel. Delivery is at most
// once; a cache instance that is disconnected relies on max staleness instead.
type RedisBus struct {
	client  *redis.Client
	channel string
	logger  *zap.Logger
}

// NewRedisBus creates a bus on the given channel.
func NewRedisBus(client *redis.Client, channel string, logger *zap.Logger) *RedisBus {
	return &RedisBus{client: client, channel: channel, logger: logger}
}

func (b *RedisBus) Name() string { return "redis" }

func (b *RedisBus) Send(ctx context.Context, inv models.Invalidation) error {
	data, err := encode(inv)
	if err != nil {
		return err
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, h Handler) error {
	sub := b.client.Subscribe(ctx, b.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("redis subscribe %s: %w", b.channel, err)
	}

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			inv, err := decode([]byte(msg.Payload))
			if err != nil {
				b.logger.Warn("dropping malformed invalidation", zap.String("channel", b.channel), zap.Error(err))
				continue
			}
			h(inv)
		}
	}
}

// Close is a no-op; the client is owned by the connection set.
func (b *RedisBus) Close() error { return nil }
