package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"tickwatch/internal/domain"
)

const DefaultChannel = "tickwatch.outcomes"

// RedisPublisher publishes each outcome as JSON on a pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisPublisher{client: client, channel: channel}
}

// NewRedisClient accepts a redis:// URL or a bare host:port address.
func NewRedisClient(addr string) (*redis.Client, error) {
	opts, err := redis.ParseURL(addr)
	if err != nil {
		if addr == "" {
			return nil, fmt.Errorf("redis: empty address")
		}
		opts = &redis.Options{Addr: addr}
	}
	return redis.NewClient(opts), nil
}

func (p *RedisPublisher) Notify(ctx context.Context, o domain.Outcome) error {
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", p.channel, err)
	}
	return nil
}
