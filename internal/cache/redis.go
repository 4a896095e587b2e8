// Package cache wraps a go-redis client with JSON get/set helpers used by the
// enrichment research cache. A nil *Redis is valid and behaves as an always
// missing, write-discarding cache, so callers need no "cache enabled" checks.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ErrDisabled is returned by Ping on a nil cache.
var ErrDisabled = errors.New("cache disabled")

// Options configures the Redis connection.
type Options struct {
	Addr     string
	Password string
	DB       int
	// Prefix is prepended to every key, e.g. "dealflow:".
	Prefix string
}

// Redis is a thin JSON cache over a go-redis client.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis connects to Redis and verifies the connection with PING. It
// returns (nil, nil) when opts.Addr is empty.
func NewRedis(ctx context.Context, opts Options) (*Redis, error) {
	if opts.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", opts.Addr, err)
	}

	log.Info().Str("addr", opts.Addr).Int("db", opts.DB).Msg("redis connected")
	return &Redis{client: client, prefix: opts.Prefix}, nil
}

// Key returns the fully prefixed key for parts joined by ':'.
func (r *Redis) Key(parts ...string) string {
	k := ""
	if r != nil {
		k = r.prefix
	}
	for i, p := range parts {
		if i > 0 {
			k += ":"
		}
		k += p
	}
	return k
}

// GetJSON decodes the value at key into dst. It reports false on a miss or
// when the cache is disabled.
func (r *Redis) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	if r == nil {
		return false, nil
	}
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, fmt.Errorf("decode %s: %w", key, err)
	}
	return true, nil
}

// SetJSON stores v at key with ttl (0 = no expiry).
func (r *Redis) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	if r == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	if err := r.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// Ping checks connectivity; used by the health endpoint.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil {
		return ErrDisabled
	}
	return r.client.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (r *Redis) Close() error {
	if r == nil {
		return nil
	}
	return r.client.Close()
}
