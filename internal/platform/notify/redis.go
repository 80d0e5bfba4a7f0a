package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisChannel publishes alerts on a Redis pub/sub channel consumed by the
// nursing station dashboards.
type RedisChannel struct {
	client  redisPublisher
	channel string
}

func NewRedisChannel(client redisPublisher, channel string) (*RedisChannel, error) {
	if channel == "" {
		return nil, fmt.Errorf("redis channel must be set")
	}
	return &RedisChannel{client: client, channel: channel}, nil
}

// NewRedisClient parses a redis:// URL.
func NewRedisClient(rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (r *RedisChannel) Name() string { return "redis" }

func (r *RedisChannel) Send(ctx context.Context, msg Message) error {
	payload := msg.Payload
	if len(payload) == 0 {
		payload = []byte(msg.Body)
	}
	receivers, err := r.client.Publish(ctx, r.channel, payload).Result()
	if err != nil {
		return fmt.Errorf("redis publish %s: %w", r.channel, err)
	}
	if receivers == 0 {
		return fmt.Errorf("redis publish %s: no subscribers", r.channel)
	}
	return nil
}
