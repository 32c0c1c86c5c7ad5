package settings

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisLayer is the shared second cache level. Besides the per-key values
// it keeps a generation counter that every write bumps, so instances can
// tell when their in-process copies went stale.
type RedisLayer struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisLayer creates the shared cache level over client
func NewRedisLayer(client *redis.Client, prefix string, ttl time.Duration) *RedisLayer {
	if prefix == "" {
		prefix = "schoolguard:settings"
	}
	return &RedisLayer{client: client, prefix: prefix, ttl: ttl}
}

func (l *RedisLayer) key(name string) string {
	return fmt.Sprintf("%s:key:%s", l.prefix, name)
}

func (l *RedisLayer) generationKey() string {
	return l.prefix + ":generation"
}

// Get returns the cached setting; a miss is (nil, nil)
func (l *RedisLayer) Get(ctx context.Context, name string) (*Setting, error) {
	data, err := l.client.Get(ctx, l.key(name)).Result()
	if err == redis.Nil {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}

	var s Setting
	if err := json.Unmarshal([]byte(data), &s); err != nil {
		// If unmarshal fails, delete corrupt data
		l.client.Del(ctx, l.key(name))
		return nil, fmt.Errorf("failed to unmarshal setting: %w", err)
	}
	return &s, nil
}

// Set stores s until the layer's TTL
func (l *RedisLayer) Set(ctx context.Context, s *Setting) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal setting: %w", err)
	}
	return l.client.Set(ctx, l.key(s.Key), data, l.ttl).Err()
}

// Invalidate drops name and bumps the generation in one round trip
func (l *RedisLayer) Invalidate(ctx context.Context, name string) error {
	pipe := l.client.TxPipeline()
	pipe.Del(ctx, l.key(name))
	pipe.Incr(ctx, l.generationKey())
	_, err := pipe.Exec(ctx)
	return err
}

// Generation returns the write counter; 0 before the first write
func (l *RedisLayer) Generation(ctx context.Context) (int64, error) {
	n, err := l.client.Get(ctx, l.generationKey()).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
