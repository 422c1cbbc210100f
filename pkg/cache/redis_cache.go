// Package cache holds an optional Redis read-through cache. Callers must
// behave the same with or without it; every failure falls back to the loader.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"discussmatch/internal/util"
)

// RedisCache stores JSON-encoded values under prefixed keys with a TTL.
// A nil *RedisCache is valid and never caches.
type RedisCache struct {
	client redis.UniversalClient
	prefix string
	group  singleflight.Group
}

func NewRedisCache(client redis.UniversalClient, prefix string) (*RedisCache, error) {
	if client == nil {
		return nil, errors.New("cache redis client is required")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = "discussion:cache"
	}
	return &RedisCache{client: client, prefix: prefix}, nil
}

// Key builds a cache key from an entity name and query parts.
func Key(entity string, query ...string) string {
	parts := make([]string, 0, len(query)+1)
	parts = append(parts, entity)
	for _, q := range query {
		parts = append(parts, strings.ReplaceAll(q, ":", "_"))
	}
	return strings.Join(parts, ":")
}

// GetOrLoad returns the cached value for key, or calls load and caches its
// result for ttl. Concurrent misses on one key share a single load.
func GetOrLoad[T any](ctx context.Context, c *RedisCache, key string, ttl time.Duration, load func(context.Context) (T, error)) (T, error) {
	if c == nil || ttl <= 0 {
		return load(ctx)
	}
	fullKey := c.prefix + ":" + key
	logger := util.LoggerFromContext(ctx)

	raw, err := c.client.Get(ctx, fullKey).Bytes()
	switch {
	case err == nil:
		var out T
		if decodeErr := json.Unmarshal(raw, &out); decodeErr == nil {
			return out, nil
		}
		logger.Warn("cache entry undecodable", "key", fullKey)
	case errors.Is(err, redis.Nil):
	default:
		logger.Warn("cache get failed", "key", fullKey, "err", err)
	}

	v, err, _ := c.group.Do(fullKey, func() (any, error) {
		loaded, err := load(ctx)
		if err != nil {
			return loaded, err
		}
		if payload, encodeErr := json.Marshal(loaded); encodeErr == nil {
			if setErr := c.client.Set(ctx, fullKey, payload, ttl).Err(); setErr != nil {
				logger.Warn("cache set failed", "key", fullKey, "err", setErr)
			}
		}
		return loaded, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Delete drops keys. Failures are logged and otherwise ignored; entries
// expire on their own.
func (c *RedisCache) Delete(ctx context.Context, keys ...string) {
	if c == nil || len(keys) == 0 {
		return
	}
	full := make([]string, 0, len(keys))
	for _, key := range keys {
		full = append(full, c.prefix+":"+key)
	}
	if err := c.client.Del(ctx, full...).Err(); err != nil {
		util.LoggerFromContext(ctx).Warn("cache delete failed", "keys", full, "err", err)
	}
}
