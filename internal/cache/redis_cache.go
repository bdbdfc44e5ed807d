package cache

import (
	"context"

	redis "github.com/redis/go-redis/v9"
)

const DefaultSyncLogKey = "possync:sync-log"

// RedisLogSink mirrors diagnostic lines into a capped Redis list, newest at
// the head.
type RedisLogSink struct {
	client   *redis.Client
	key      string
	capacity int64
}

func NewRedisLogSink(addr string, password string, db int, capacity int) *RedisLogSink {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if capacity < 1 {
		capacity = 200
	}

	return &RedisLogSink{client: client, key: DefaultSyncLogKey, capacity: int64(capacity)}
}

var _ LogSource = (*RedisLogSink)(nil)

func (c *RedisLogSink) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisLogSink) Close() error {
	return c.client.Close()
}

func (c *RedisLogSink) Write(ctx context.Context, line string) error {
	pipe := c.client.TxPipeline()
	pipe.LPush(ctx, c.key, line)
	pipe.LTrim(ctx, c.key, 0, c.capacity-1)
	_, err := pipe.Exec(ctx)
	return err
}

// Recent returns up to limit lines, newest first.
func (c *RedisLogSink) Recent(ctx context.Context, limit int) ([]string, error) {
	if limit < 1 {
		return nil, nil
	}
	lines, err := c.client.LRange(ctx, c.key, 0, int64(limit-1)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	return lines, err
}
