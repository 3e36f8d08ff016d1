package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/radiusdt/vector-attribution/internal/metrics"
)

// SharedTier is the cache tier shared by all instances.
type SharedTier interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Set(ctx context.Context, e *Entry, ttl time.Duration) error
	// DeleteScope removes every entry registered under scope.
	DeleteScope(ctx context.Context, scope string) error
}

// errMiss is returned by SharedTier.Get when the key is absent.
var errMiss = errors.New("cache miss")

// RedisTier stores entries as JSON strings. Each entry key is also added to a set
// per invalidation scope so a whole scope can be dropped at once.
type RedisTier struct {
	client  *redis.Client
	prefix  string
	metrics *metrics.Metrics
}

// NewRedisTier creates the shared tier.
func NewRedisTier(client *redis.Client, prefix string, m *metrics.Metrics) *RedisTier {
	if prefix == "" {
		prefix = "attribution:cache:"
	}
	return &RedisTier{client: client, prefix: prefix, metrics: m}
}

func (r *RedisTier) entryKey(key string) string   { return r.prefix + "entry:" + key }
func (r *RedisTier) scopeKey(scope string) string { return r.prefix + "scope:" + scope }

func (r *RedisTier) Get(ctx context.Context, key string) (*Entry, error) {
	start := time.Now()
	data, err := r.client.Get(ctx, r.entryKey(key)).Bytes()
	r.metrics.RecordRedis("cache_get", time.Since(start))
	if err == redis.Nil {
		return nil, errMiss
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode cache entry: %w", err)
	}
	return &e, nil
}

func (r *RedisTier) Set(ctx context.Context, e *Entry, ttl time.Duration) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode cache entry: %w", err)
	}
	scope := r.scopeKey(scopeKey(e.Query.CampaignID, e.Query.Granularity))

	start := time.Now()
	pipe := r.client.Pipeline()
	pipe.Set(ctx, r.entryKey(e.Key), data, ttl)
	pipe.SAdd(ctx, scope, e.Key)
	pipe.Expire(ctx, scope, ttl)
	_, err = pipe.Exec(ctx)
	r.metrics.RecordRedis("cache_set", time.Since(start))
	if err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (r *RedisTier) DeleteScope(ctx context.Context, scope string) error {
	start := time.Now()
	defer func() { r.metrics.RecordRedis("cache_delete", time.Since(start)) }()

	sk := r.scopeKey(scope)
	keys, err := r.client.SMembers(ctx, sk).Result()
	if err != nil {
		return fmt.Errorf("redis smembers: %w", err)
	}

	pipe := r.client.Pipeline()
	for _, k := range keys {
		pipe.Del(ctx, r.entryKey(k))
	}
	pipe.Del(ctx, sk)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis delete scope: %w", err)
	}
	return nil
}
