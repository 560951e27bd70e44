// Package cache stores log-prob results so repeated scoring of the same text
// does not reach the backend twice.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/abdhe/llm-dispatch/pkg/provider"
)

// Store is a keyed store of log-prob results. GetMany returns one entry per
// key, nil for a miss.
type Store interface {
	GetMany(ctx context.Context, keys []string) ([]*provider.LogProbs, error)
	SetMany(ctx context.Context, keys []string, values []provider.LogProbs) error
}

// RedisCache wraps a Redis client for storing and retrieving log-prob results.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis-backed result cache.
func NewRedisCache(addr, password string, db int, ttl time.Duration) *RedisCache {
	return &RedisCache{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		ttl: ttl,
	}
}

// GetMany fetches keys with a single MGET.
func (r *RedisCache) GetMany(ctx context.Context, keys []string) ([]*provider.LogProbs, error) {
	out := make([]*provider.LogProbs, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	vals, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis_cache: mget: %w", err)
	}
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue // nil for a missing key
		}
		var lp provider.LogProbs
		if err := json.Unmarshal([]byte(s), &lp); err != nil {
			return nil, fmt.Errorf("redis_cache: unmarshal %s: %w", keys[i], err)
		}
		out[i] = &lp
	}
	return out, nil
}

// SetMany stores values under keys with the configured TTL in one pipeline.
func (r *RedisCache) SetMany(ctx context.Context, keys []string, values []provider.LogProbs) error {
	if len(keys) != len(values) {
		return fmt.Errorf("redis_cache: %d keys for %d values", len(keys), len(values))
	}
	pipe := r.client.Pipeline()
	for i, k := range keys {
		data, err := json.Marshal(values[i])
		if err != nil {
			return fmt.Errorf("redis_cache: marshal: %w", err)
		}
		pipe.Set(ctx, k, data, r.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis_cache: set: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
