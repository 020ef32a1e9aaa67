// DPROD Redis Setup
// Optional Redis connection for the shared snapshot cache. Deployments
// run fine without it; when REDIS_URL is unset callers fall back to the
// in-process cache.

package db

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"dprod/internal/logging"
)

// RedisConfig holds Redis connection and pool settings.
type RedisConfig struct {
	// URL takes precedence when set: redis://[:password@]host:port/db,
	// rediss:// for TLS.
	URL string

	Host     string
	Port     int
	Password string
	DB       int

	PoolSize     int
	MinIdleConns int
	PoolTimeout  time.Duration
	IdleTimeout  time.Duration

	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns pool and timeout settings sized for a worker
// process.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		Host:         "localhost",
		Port:         6379,
		PoolSize:     20,
		MinIdleConns: 2,
		PoolTimeout:  4 * time.Second,
		IdleTimeout:  5 * time.Minute,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedis opens a Redis client and verifies the connection before
// returning it.
func NewRedis(ctx context.Context, cfg *RedisConfig) (*redis.Client, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	var opts *redis.Options
	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
			Password: cfg.Password,
			DB:       cfg.DB,
		}
	}

	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns
	opts.PoolTimeout = cfg.PoolTimeout
	opts.IdleTimeout = cfg.IdleTimeout
	opts.DialTimeout = cfg.DialTimeout
	opts.ReadTimeout = cfg.ReadTimeout
	opts.WriteTimeout = cfg.WriteTimeout

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	logging.S().Infow("redis connected", "addr", opts.Addr, "db", opts.DB)
	return client, nil
}

// NewRedisFromURL opens a Redis client from a URL with default pool
// settings.
func NewRedisFromURL(ctx context.Context, url string) (*redis.Client, error) {
	cfg := DefaultRedisConfig()
	cfg.URL = url
	return NewRedis(ctx, cfg)
}
