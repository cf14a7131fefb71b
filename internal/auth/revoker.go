package auth

import (
	"context"
	"errors"
	"time"

	"chatstream/internal/redis"
)

const revokedKeyPrefix = "revoked:"

// RedisRevoker stores revoked token ids in redis with a TTL.
type RedisRevoker struct {
	client *redis.Client
}

func NewRedisRevoker(client *redis.Client) *RedisRevoker {
	return &RedisRevoker{client: client}
}

func (r *RedisRevoker) Revoke(ctx context.Context, jti string, ttl time.Duration) error {
	if jti == "" {
		return errors.New("token id required")
	}
	return r.client.Set(ctx, revokedKeyPrefix+jti, 1, ttl)
}

func (r *RedisRevoker) IsRevoked(ctx context.Context, jti string) (bool, error) {
	return r.client.Exists(ctx, revokedKeyPrefix+jti)
}
