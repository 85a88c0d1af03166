package cache

import (
	"context"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// MGet fetches keys in one round trip. Keys that are missing or do not decode are
// returned in missing; on a store failure every key is missing.
func MGet[V any](ctx context.Context, c *Cache, keys []string, opts ...Option) (found map[string]V, missing []string) {
	found = make(map[string]V, len(keys))
	if len(keys) == 0 {
		return found, nil
	}
	o := c.resolve(opts)
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = c.keyFor(o, k)
	}

	var vals []any
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		vals, err = rdb.MGet(ctx, sks...).Result()
		return err
	})
	if err != nil {
		c.misses.Add(uint64(len(keys)))
		c.fail("mget", sks[0], err)
		return found, append(missing, keys...)
	}

	for i, raw := range vals {
		s, ok := raw.(string)
		if !ok {
			c.misses.Add(1)
			missing = append(missing, keys[i])
			continue
		}
		var v V
		if err := o.codec.Unmarshal([]byte(s), &v); err != nil {
			c.misses.Add(1)
			c.hooks.CacheDecodeError(sks[i], err)
			missing = append(missing, keys[i])
			continue
		}
		c.hits.Add(1)
		found[keys[i]] = v
	}
	return found, missing
}

// GetOrSet returns the cached value for key, or calls fetch on a miss and caches its
// result. Concurrent misses on the same key each call fetch; there is no stampede
// protection. Only fetch errors are returned; a failed write is logged.
func GetOrSet[V any](ctx context.Context, c *Cache, key string, fetch func(context.Context) (V, error), opts ...Option) (V, error) {
	ctx, span := c.tracer.Start(ctx, "kvguard.cache.GetOrSet",
		trace.WithAttributes(attribute.String("cache.key", c.keyFor(c.resolve(opts), key))))
	defer span.End()

	var v V
	if c.Get(ctx, key, &v, opts...) {
		span.SetAttributes(attribute.Bool("cache.hit", true))
		return v, nil
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	v, err := fetch(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		var zero V
		return zero, err
	}
	if !c.Set(ctx, key, v, opts...) {
		c.log.Debug("getorset: value not cached", kvguard.Fields{"key": key})
	}
	return v, nil
}
