package cache

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sentryguard/waf/internal/waf/model"
)

// RedisCache implements Cache over go-redis v9, the way the rest of this
// codebase's infra layer wraps Redis for shared external state.
type RedisCache struct {
	rdb *redis.Client
}

// NewRedisCache connects to Redis and verifies connectivity with a ping.
// The caller decides whether a connection error is fatal or should fall
// back to an in-memory cache; the Verdict Cache contract treats a missing
// backend as "cache disabled", not as a reason to fail requests.
func NewRedisCache(url string) (*RedisCache, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.DialTimeout = 3 * time.Second
	opts.ReadTimeout = 2 * time.Second
	opts.WriteTimeout = 2 * time.Second
	opts.PoolSize = 20

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("cache: redis ping failed (%s): %w", opts.Addr, err)
	}

	slog.Info("cache: redis connected", "addr", opts.Addr)
	return &RedisCache{rdb: rdb}, nil
}

func (c *RedisCache) Get(ctx context.Context, fingerprint string) (model.JudgeDecision, bool) {
	raw, err := c.rdb.Get(ctx, cacheKey(fingerprint)).Bytes()
	if err != nil {
		// redis.Nil (miss) and any transport error both degrade to "miss".
		return model.JudgeDecision{}, false
	}
	decision, err := decode(raw)
	if err != nil {
		slog.Warn("cache: failed to decode cached decision", "error", err)
		return model.JudgeDecision{}, false
	}
	return decision, true
}

func (c *RedisCache) Put(ctx context.Context, fingerprint string, decision model.JudgeDecision, ttl time.Duration) {
	raw, err := encode(decision)
	if err != nil {
		slog.Warn("cache: failed to encode decision for caching", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, cacheKey(fingerprint), raw, ttl).Err(); err != nil {
		slog.Warn("cache: write failed, ignoring", "error", err)
	}
}

func (c *RedisCache) Close() error {
	return c.rdb.Close()
}
