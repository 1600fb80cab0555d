package notify

import (
	"context"
	"encoding/json"

	redis "github.com/redis/go-redis/v9"
)

// RedisPublisher sends each change as JSON with PUBLISH.
type RedisPublisher struct {
	rdb     redis.UniversalClient
	channel string
	owned   bool
}

// NewRedisPublisher wraps an existing client; Close leaves it open.
func NewRedisPublisher(rdb redis.UniversalClient, channel string) *RedisPublisher {
	return &RedisPublisher{rdb: rdb, channel: channel}
}

// DialRedis connects to addr and verifies it with PING.
func DialRedis(ctx context.Context, addr, channel string) (*RedisPublisher, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, err
	}
	return &RedisPublisher{rdb: rdb, channel: channel, owned: true}, nil
}

// Publish implements Publisher.
func (p *RedisPublisher) Publish(ctx context.Context, c Change) error {
	b, err := json.Marshal(c)
	if err != nil {
		return err
	}
	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Close implements Publisher.
func (p *RedisPublisher) Close() error {
	if p.owned {
		return p.rdb.Close()
	}
	return nil
}
