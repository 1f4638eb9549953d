package cache

import (
	"context"
	"time"
)

// LayeredCache reads through an in-process L1 to Redis and writes through
// both.
type LayeredCache struct {
	mem   *MemoryCache
	redis *RedisCache
	memTT time.Duration
}

func NewLayeredCache(redis *RedisCache, opts ...LayeredOption) *LayeredCache {
	cfg := &LayeredConfig{MemoryMaxSize: 1000, MemoryTTL: time.Minute}
	for _, opt := range opts {
		opt(cfg)
	}
	return &LayeredCache{
		mem:   NewMemoryCache(WithMemoryMaxSize(cfg.MemoryMaxSize)),
		redis: redis,
		memTT: cfg.MemoryTTL,
	}
}

func (lc *LayeredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	if err := lc.redis.Set(ctx, key, data, expiration); err != nil {
		return err
	}
	return lc.mem.Set(ctx, key, data, lc.l1TTL(expiration))
}

func (lc *LayeredCache) Get(ctx context.Context, key string, dest interface{}) error {
	if data, ok := lc.mem.lookup(key); ok {
		return decode(data, dest)
	}
	data, err := lc.redis.getBytes(ctx, key)
	if err != nil {
		return err
	}
	_ = lc.mem.Set(ctx, key, data, lc.memTT)
	return decode(data, dest)
}

func (lc *LayeredCache) Delete(ctx context.Context, keys ...string) error {
	_ = lc.mem.Delete(ctx, keys...)
	return lc.redis.Delete(ctx, keys...)
}

func (lc *LayeredCache) MGet(ctx context.Context, keys ...string) (map[string][]byte, error) {
	out, _ := lc.mem.MGet(ctx, keys...)
	missing := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := out[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) == 0 {
		return out, nil
	}
	fromRedis, err := lc.redis.MGet(ctx, missing...)
	if err != nil {
		return nil, err
	}
	for k, v := range fromRedis {
		out[k] = v
		_ = lc.mem.Set(ctx, k, v, lc.memTT)
	}
	return out, nil
}

func (lc *LayeredCache) Close() error {
	_ = lc.mem.Close()
	return lc.redis.Close()
}

func (lc *LayeredCache) l1TTL(exp time.Duration) time.Duration {
	if exp > 0 && exp < lc.memTT {
		return exp
	}
	return lc.memTT
}
