// Package cache is a cache-aside layer over the shared store connection.
//
// Every method degrades instead of failing: store errors are logged and turned into
// the method's zero result (false, 0, nil). A missing key and an undecodable value
// both read as a miss.
package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/codec"
	"github.com/unkn0wn-root/kvguard/conn"
	"github.com/unkn0wn-root/kvguard/internal/remote"
	"github.com/unkn0wn-root/kvguard/internal/util"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

const (
	tracerName = "github.com/unkn0wn-root/kvguard/cache"
	delChunk   = 500
)

var ErrNilSource = errors.New("cache: nil source")

type Cache struct {
	src    conn.Source
	br     *breaker.Breaker
	keys   util.Keyspace
	prefix string
	ttl    time.Duration
	codec  codec.Codec
	log    kvguard.Logger
	hooks  kvguard.Hooks
	tracer trace.Tracer

	hits   atomic.Uint64
	misses atomic.Uint64
}

type Stats struct {
	Keys       int64   `json:"keys"`
	MemoryUsed string  `json:"memory_used,omitempty"`
	Hits       uint64  `json:"hits"`
	Misses     uint64  `json:"misses"`
	HitRate    float64 `json:"hit_rate"`
}

func New(opts Options) (*Cache, error) {
	if opts.Source == nil {
		return nil, ErrNilSource
	}
	ttl := util.Coalesce(opts.DefaultTTL, defaultTTL)
	if ttl < 0 {
		ttl = 0
	}
	c := &Cache{
		src:    opts.Source,
		br:     opts.Breaker,
		keys:   util.Keyspace{Root: opts.KeyRoot},
		prefix: opts.Prefix,
		ttl:    ttl,
		codec:  util.Coalesce[codec.Codec](opts.Codec, codec.JSON{}),
		log:    util.Coalesce[kvguard.Logger](opts.Logger, kvguard.NopLogger{}),
		hooks:  util.Coalesce[kvguard.Hooks](opts.Hooks, kvguard.NopHooks{}),
		tracer: opts.Tracer,
	}
	if c.tracer == nil {
		c.tracer = otel.Tracer(tracerName)
	}
	return c, nil
}

func (c *Cache) do(ctx context.Context, fn remote.Fn) error {
	return remote.Do(ctx, c.src, c.br, fn)
}

func (c *Cache) fail(op, key string, err error) {
	f := kvguard.Fields{"op": op, "key": key, "err": err}
	if errors.Is(err, kvguard.ErrCircuitOpen) {
		c.log.Debug("cache op skipped", f)
		return
	}
	c.log.Warn("cache op failed", f)
}

// Set stores value under key. It reports false when the value cannot be encoded or
// the store is unavailable.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...Option) bool {
	o := c.resolve(opts)
	sk := c.keyFor(o, key)

	b, err := o.codec.Marshal(value)
	if err != nil {
		c.log.Warn("cache encode failed", kvguard.Fields{"key": sk, "codec": o.codec.Name(), "err": err})
		return false
	}
	err = c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Set(ctx, sk, b, o.ttl).Err()
	})
	if err != nil {
		c.fail("set", sk, err)
		return false
	}
	return true
}

// Get decodes the value under key into dst (a pointer). It reports false on a miss,
// on a store failure and when the stored bytes do not decode.
func (c *Cache) Get(ctx context.Context, key string, dst any, opts ...Option) bool {
	o := c.resolve(opts)
	sk := c.keyFor(o, key)

	var b []byte
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		b, err = rdb.Get(ctx, sk).Bytes()
		return err
	})
	switch {
	case errors.Is(err, redis.Nil):
		c.misses.Add(1)
		return false
	case err != nil:
		c.misses.Add(1)
		c.fail("get", sk, err)
		return false
	}
	if err := o.codec.Unmarshal(b, dst); err != nil {
		c.misses.Add(1)
		c.hooks.CacheDecodeError(sk, err)
		c.log.Warn("cache decode failed", kvguard.Fields{"key": sk, "codec": o.codec.Name(), "err": err})
		return false
	}
	c.hits.Add(1)
	return true
}

// Del removes keys and returns how many existed.
func (c *Cache) Del(ctx context.Context, keys ...string) int64 {
	if len(keys) == 0 {
		return 0
	}
	sks := make([]string, len(keys))
	for i, k := range keys {
		sks[i] = c.keys.Cache(c.prefix, k)
	}

	var n int64
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, err = rdb.Del(ctx, sks...).Result()
		return err
	})
	if err != nil {
		c.fail("del", sks[0], err)
		return 0
	}
	return n
}

func (c *Cache) Exists(ctx context.Context, key string) bool {
	sk := c.keys.Cache(c.prefix, key)
	var n int64
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, err = rdb.Exists(ctx, sk).Result()
		return err
	})
	if err != nil {
		c.fail("exists", sk, err)
		return false
	}
	return n > 0
}

// TTL returns the remaining lifetime in seconds: -1 when the key has no expiry and
// -2 when it does not exist or the store is unavailable.
func (c *Cache) TTL(ctx context.Context, key string) int64 {
	sk := c.keys.Cache(c.prefix, key)
	var d time.Duration
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		d, err = rdb.TTL(ctx, sk).Result()
		return err
	})
	if err != nil {
		c.fail("ttl", sk, err)
		return -2
	}
	// the driver passes -1 and -2 through unscaled
	if d < 0 {
		return int64(d)
	}
	return int64(d / time.Second)
}

// Expire sets a new TTL on an existing key; ttl <= 0 removes the expiry instead.
// It reports whether the key existed.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	sk := c.keys.Cache(c.prefix, key)
	var ok bool
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		if ttl <= 0 {
			ok, err = rdb.Persist(ctx, sk).Result()
			if err == nil && !ok {
				var n int64
				n, err = rdb.Exists(ctx, sk).Result()
				ok = n > 0
			}
			return err
		}
		ok, err = rdb.Expire(ctx, sk, ttl).Result()
		return err
	})
	if err != nil {
		c.fail("expire", sk, err)
		return false
	}
	return ok
}

// MSet writes all items in one MULTI/EXEC round trip with the same TTL.
// Nothing is written when any value fails to encode.
func (c *Cache) MSet(ctx context.Context, items map[string]any, opts ...Option) bool {
	if len(items) == 0 {
		return true
	}
	o := c.resolve(opts)

	enc := make(map[string][]byte, len(items))
	for k, v := range items {
		b, err := o.codec.Marshal(v)
		if err != nil {
			c.log.Warn("cache encode failed", kvguard.Fields{"key": c.keyFor(o, k), "codec": o.codec.Name(), "err": err})
			return false
		}
		enc[c.keyFor(o, k)] = b
	}

	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			for sk, b := range enc {
				p.Set(ctx, sk, b, o.ttl)
			}
			return nil
		})
		return err
	})
	if err != nil {
		c.fail("mset", c.keyFor(o, ""), err)
		return false
	}
	return true
}

// Incr adds amount to the integer under key. The increment and EXPIRE NX go out in
// one MULTI, so a TTL is set when the key has none and repeated increments do not
// extend it.
func (c *Cache) Incr(ctx context.Context, key string, amount int64, opts ...Option) (int64, bool) {
	return c.incrBy(ctx, "incr", key, amount, opts)
}

// Decr subtracts amount; see Incr for TTL handling.
func (c *Cache) Decr(ctx context.Context, key string, amount int64, opts ...Option) (int64, bool) {
	return c.incrBy(ctx, "decr", key, -amount, opts)
}

func (c *Cache) incrBy(ctx context.Context, op, key string, delta int64, opts []Option) (int64, bool) {
	o := c.resolve(opts)
	sk := c.keyFor(o, key)

	var n int64
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var incr *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			incr = p.IncrBy(ctx, sk, delta)
			if o.ttl > 0 {
				p.ExpireNX(ctx, sk, o.ttl)
			}
			return nil
		})
		if err != nil {
			return err
		}
		n = incr.Val()
		return nil
	})
	if err != nil {
		c.fail(op, sk, err)
		return 0, false
	}
	return n, true
}

// Keys lists keys under the cache prefix matching a glob pattern, with the
// namespace stripped. Uses KEYS; not for hot paths.
func (c *Cache) Keys(ctx context.Context, pattern string) []string {
	glob := c.keys.Glob(util.CacheSpace, c.prefix, util.Coalesce(pattern, "*"))
	full, err := c.scan(ctx, glob)
	if err != nil {
		c.fail("keys", glob, err)
		return nil
	}
	out := make([]string, len(full))
	for i, k := range full {
		out[i] = c.keys.Strip(util.CacheSpace, c.prefix, k)
	}
	return out
}

// Clear deletes every key under the cache prefix followed by prefix and returns the
// number removed. Uses KEYS; operator use only.
func (c *Cache) Clear(ctx context.Context, prefix string) int64 {
	glob := c.keys.Pattern(util.CacheSpace, c.prefix+prefix)
	full, err := c.scan(ctx, glob)
	if err != nil {
		c.fail("clear", glob, err)
		return 0
	}

	var total int64
	for start := 0; start < len(full); start += delChunk {
		end := min(start+delChunk, len(full))
		var n int64
		err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
			var err error
			n, err = rdb.Del(ctx, full[start:end]...).Result()
			return err
		})
		if err != nil {
			c.fail("clear", glob, err)
			return total
		}
		total += n
	}
	c.log.Info("cache cleared", kvguard.Fields{"pattern": glob, "deleted": total})
	return total
}

// Stats reports the key count under the cache prefix, store memory and local
// hit/miss counters. Store-side fields stay zero when the store is unavailable.
func (c *Cache) Stats(ctx context.Context) Stats {
	hits, misses := c.hits.Load(), c.misses.Load()
	st := Stats{Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		st.HitRate = float64(hits) / float64(total)
	}

	glob := c.keys.Pattern(util.CacheSpace, c.prefix)
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		keys, err := rdb.Keys(ctx, glob).Result()
		if err != nil {
			return err
		}
		st.Keys = int64(len(keys))
		// INFO support varies between servers; missing memory stats are not a failure
		if info, err := rdb.Info(ctx, "memory").Result(); err == nil {
			st.MemoryUsed = util.InfoField(info, "used_memory_human")
		}
		return nil
	})
	if err != nil {
		c.fail("stats", glob, err)
	}
	return st
}

func (c *Cache) scan(ctx context.Context, glob string) ([]string, error) {
	var keys []string
	err := c.do(ctx, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		keys, err = rdb.Keys(ctx, glob).Result()
		return err
	})
	return keys, err
}
