// Package cache provides a thin Redis wrapper, grounded on the teacher's
// api/internal/cache/cache.go: connection pooling, graceful degrade when
// disabled, JSON (de)serialization, and a SetNX-based lock primitive.
// Leader election does not go through this package; it keeps its own lease
// on a separate Redis client.
package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/streamspace/sandboxd/internal/apperr"
)

// Config configures the Redis client.
type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
	Enabled  bool
}

// Cache wraps a redis.Client. When Enabled is false, all operations are
// silent no-ops so callers can treat the cache as always-present (spec §9:
// caches are strictly derived, never authoritative, so a disabled cache
// must never change correctness, only performance).
type Cache struct {
	client  *redis.Client
	enabled bool
}

// New dials Redis (if enabled) with the pooling/timeout profile described
// in the teacher's cache package: 25 max conns, 5s dial timeout, 3s r/w
// timeout, 3 retries with 8-512ms backoff.
func New(cfg Config) (*Cache, error) {
	if !cfg.Enabled {
		return &Cache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Host + ":" + cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     25,
		MinIdleConns: 5,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		MaxRetries:   3,
		MinRetryBackoff: 8 * time.Millisecond,
		MaxRetryBackoff: 512 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindUpstreamUnavailable, "connect to redis", err)
	}

	return &Cache{client: client, enabled: true}, nil
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	if !c.enabled {
		return nil
	}
	return c.client.Close()
}

// Set serializes v to JSON and stores it with a TTL.
func (c *Cache) Set(ctx context.Context, key string, v interface{}, ttl time.Duration) error {
	if !c.enabled {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Internal("marshal cache value", err)
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "redis set", err)
	}
	return nil
}

// Get deserializes the value stored at key into v. Returns false (no error)
// on a cache miss.
func (c *Cache) Get(ctx context.Context, key string, v interface{}) (bool, error) {
	if !c.enabled {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindUpstreamUnavailable, "redis get", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, apperr.Internal("unmarshal cache value", err)
	}
	return true, nil
}

// Delete removes a key.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if !c.enabled {
		return nil
	}
	if err := c.client.Del(ctx, key).Err(); err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "redis del", err)
	}
	return nil
}

// AcquireLock attempts to atomically take an exclusive, TTL-bounded lock.
// No other package in this module calls it: the callback replay guard uses
// Get/Set, and leader election keeps its own lease on a separate client.
func (c *Cache) AcquireLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if !c.enabled {
		// With caching disabled there is no distributed coordination;
		// callers fall back to local-only semantics.
		return true, nil
	}
	ok, err := c.client.SetNX(ctx, key, owner, ttl).Result()
	if err != nil {
		return false, apperr.Wrap(apperr.KindUpstreamUnavailable, "redis setnx", err)
	}
	return ok, nil
}

// RenewLock extends a lock's TTL if still held by owner.
func (c *Cache) RenewLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error) {
	if !c.enabled {
		return true, nil
	}
	current, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, apperr.Wrap(apperr.KindUpstreamUnavailable, "redis get for renew", err)
	}
	if current != owner {
		return false, nil
	}
	if err := c.client.Expire(ctx, key, ttl).Err(); err != nil {
		return false, apperr.Wrap(apperr.KindUpstreamUnavailable, "redis expire", err)
	}
	return true, nil
}

// ReleaseLock releases a lock if still held by owner.
func (c *Cache) ReleaseLock(ctx context.Context, key, owner string) error {
	if !c.enabled {
		return nil
	}
	current, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return apperr.Wrap(apperr.KindUpstreamUnavailable, "redis get for release", err)
	}
	if current != owner {
		return nil
	}
	return c.client.Del(ctx, key).Err()
}

// SessionContainerIPKey is the cache key for a session's resolved
// container IP, a derived value per spec §5 (never authoritative; the
// caller must invalidate it on any scheduler error).
func SessionContainerIPKey(sessionID string) string {
	return "sandboxd:ip:" + sessionID
}
