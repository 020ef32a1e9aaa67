package cache

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"dprod/internal/logging"
	"dprod/internal/metrics"
)

// Redis backs the cache with a shared Redis instance so several workers
// see the same snapshots. Errors are demoted to misses: a flapping Redis
// must never fail a deployment read.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an already-connected client (see db.NewRedisFromURL).
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Get returns the cached value, treating every Redis failure as a miss.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool) {
	value, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			logging.S().Debugw("redis get failed, treating as miss", "key", key, "error", err)
		}
		metrics.Get().RecordCacheOperation("redis", false)
		return nil, false
	}
	metrics.Get().RecordCacheOperation("redis", true)
	return value, true
}

// Set stores a value with a TTL. Failures are logged and dropped.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		logging.S().Debugw("redis set failed", "key", key, "error", err)
	}
}

// Delete drops the named keys.
func (r *Redis) Delete(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		logging.S().Debugw("redis delete failed", "keys", keys, "error", err)
	}
}

// Close releases the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
