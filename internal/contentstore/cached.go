package contentstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/go-redis/redis/v8"
)

// ExistenceCache remembers content ids known to exist. Content is never
// deleted from the store, so a positive answer never goes stale; negative
// answers are not cached because propagation can lag.
type ExistenceCache interface {
	Seen(ctx context.Context, id string) (bool, error)
	Remember(ctx context.Context, id string) error
}

// Cached decorates a Store with an ExistenceCache in front of Exists.
// Cache failures are logged and fall through to the store.
type Cached struct {
	Store
	cache  ExistenceCache
	logger *slog.Logger
}

// NewCached wraps inner with cache.
func NewCached(inner Store, cache ExistenceCache, logger *slog.Logger) *Cached {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cached{Store: inner, cache: cache, logger: logger}
}

// Put stores through to the inner store and remembers the id.
func (c *Cached) Put(ctx context.Context, data []byte) (string, error) {
	id, err := c.Store.Put(ctx, data)
	if err != nil {
		return "", err
	}
	c.remember(ctx, id)
	return id, nil
}

// Exists answers from the cache when it can.
func (c *Cached) Exists(ctx context.Context, id string) (bool, error) {
	seen, err := c.cache.Seen(ctx, id)
	if err != nil {
		c.logger.Debug("existence cache lookup failed", "content_id", id, "error", err)
	} else if seen {
		return true, nil
	}

	exists, err := c.Store.Exists(ctx, id)
	if err != nil {
		return false, err
	}
	if exists {
		c.remember(ctx, id)
	}
	return exists, nil
}

func (c *Cached) remember(ctx context.Context, id string) {
	if err := c.cache.Remember(ctx, id); err != nil {
		c.logger.Debug("existence cache write failed", "content_id", id, "error", err)
	}
}

// RedisCache is an ExistenceCache backed by Redis keys with a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisCache connects lazily to addr.
func NewRedisCache(addr string, ttl time.Duration) *RedisCache {
	return NewRedisCacheWithClient(redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   0,
	}), ttl)
}

// NewRedisCacheWithClient uses an existing client.
func NewRedisCacheWithClient(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, prefix: "chunkledger:exists:", ttl: ttl}
}

// Seen reports whether the id was remembered.
func (r *RedisCache) Seen(ctx context.Context, id string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+id).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Remember marks id as existing for the configured TTL.
func (r *RedisCache) Remember(ctx context.Context, id string) error {
	return r.client.Set(ctx, r.prefix+id, 1, r.ttl).Err()
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the client.
func (r *RedisCache) Close() error {
	return r.client.Close()
}
