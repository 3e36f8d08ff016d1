package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// setIfGreater moves an offset forward only.
var setIfGreater = redis.NewScript(`
local current = tonumber(redis.call('GET', KEYS[1]) or '0')
local proposed = tonumber(ARGV[1])
if proposed > current then
	redis.call('SET', KEYS[1], ARGV[1])
	return proposed
end
return current
`)

// RedisOffsetStore implements OffsetStore using Redis, for deployments where the
// stage workers share Redis but not PostgreSQL.
type RedisOffsetStore struct {
	client *redis.Client
	prefix string
}

// NewRedisOffsetStore creates a new Redis-backed offset store.
func NewRedisOffsetStore(client *redis.Client, prefix string) *RedisOffsetStore {
	if prefix == "" {
		prefix = "attribution"
	}
	return &RedisOffsetStore{client: client, prefix: prefix}
}

func (s *RedisOffsetStore) key(stage, campaignID string) string {
	return fmt.Sprintf("%s:offset:%s:%s", s.prefix, stage, campaignID)
}

func (s *RedisOffsetStore) Get(ctx context.Context, stage, campaignID string) (int64, error) {
	seq, err := s.client.Get(ctx, s.key(stage, campaignID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get offset: %w", err)
	}
	return seq, nil
}

func (s *RedisOffsetStore) Set(ctx context.Context, stage, campaignID string, seq int64) error {
	if err := setIfGreater.Run(ctx, s.client, []string{s.key(stage, campaignID)}, seq).Err(); err != nil {
		return fmt.Errorf("failed to set offset: %w", err)
	}
	return nil
}
