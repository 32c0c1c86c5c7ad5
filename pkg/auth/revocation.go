package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// RedisRevocationList stores revoked token hashes in Redis until the token
// would have expired anyway.
type RedisRevocationList struct {
	client *redis.Client
	prefix string
}

// NewRedisRevocationList creates a Redis-backed revocation list
func NewRedisRevocationList(client *redis.Client, prefix string) *RedisRevocationList {
	if prefix == "" {
		prefix = "revoked_token"
	}
	return &RedisRevocationList{client: client, prefix: prefix}
}

func (l *RedisRevocationList) key(tokenHash string) string {
	return fmt.Sprintf("%s:%s", l.prefix, tokenHash)
}

// Revoke marks a token hash revoked for ttl
func (l *RedisRevocationList) Revoke(ctx context.Context, tokenHash string, ttl time.Duration) error {
	if err := l.client.Set(ctx, l.key(tokenHash), "1", ttl).Err(); err != nil {
		return fmt.Errorf("failed to record revocation: %w", err)
	}
	return nil
}

// IsRevoked reports whether a token hash was revoked
func (l *RedisRevocationList) IsRevoked(ctx context.Context, tokenHash string) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(tokenHash)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation: %w", err)
	}
	return n > 0, nil
}
