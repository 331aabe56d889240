package memorystore

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"sessioncore/internal/observability"
)

// redisSearchCache is a Redis-backed implementation of the short-TTL search
// cache (spec §4.2), used in place of the in-process map when the core runs
// as more than one replica and the cache needs to be shared. Per-entity
// invalidation (on upsert/delete) is tracked via a companion Redis set of
// the cache keys written for that entity.
type redisSearchCache struct {
	client *goredis.Client
	ttl    time.Duration
}

func newRedisSearchCache(addr string, ttl time.Duration) *redisSearchCache {
	return &redisSearchCache{client: goredis.NewClient(&goredis.Options{Addr: addr}), ttl: ttl}
}

func (c *redisSearchCache) get(ctx context.Context, key string) ([]Hit, bool) {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != goredis.Nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memorystore_redis_cache_get_failed")
		}
		return nil, false
	}
	var hits []Hit
	if err := json.Unmarshal(data, &hits); err != nil {
		return nil, false
	}
	return hits, true
}

func (c *redisSearchCache) set(ctx context.Context, key, entityID string, hits []Hit) {
	data, err := json.Marshal(hits)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memorystore_redis_cache_set_failed")
		return
	}
	indexKey := entityIndexKey(entityID)
	c.client.SAdd(ctx, indexKey, key)
	c.client.Expire(ctx, indexKey, c.ttl)
}

func (c *redisSearchCache) invalidateEntity(ctx context.Context, entityID string) {
	indexKey := entityIndexKey(entityID)
	keys, err := c.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return
	}
	if len(keys) > 0 {
		c.client.Del(ctx, keys...)
	}
	c.client.Del(ctx, indexKey)
}

func entityIndexKey(entityID string) string {
	return "memorystore:cachekeys:" + entityID
}
