// Package ratelimit implements sliding-window counters on sorted sets.
//
// Each identifier owns one sorted set of hit timestamps. A check prunes hits older
// than the window, counts the rest, records the new hit and refreshes the key TTL in
// one MULTI/EXEC. The limiter fails open: when the store is unavailable every check
// is allowed.
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/conn"
	"github.com/unkn0wn-root/kvguard/internal/remote"
	"github.com/unkn0wn-root/kvguard/internal/util"
)

const (
	defaultWindow      = time.Minute
	defaultMaxRequests = 100
)

var ErrNilSource = errors.New("ratelimit: nil source")

// Config is the policy for one class of identifiers.
type Config struct {
	Window      time.Duration `yaml:"window"`       // 0 => 1m
	MaxRequests int64         `yaml:"max_requests"` // 0 => 100

	// Honored by Middleware only; Check always records the hit.
	SkipSuccessfulRequests bool `yaml:"skip_successful_requests"`
	SkipFailedRequests     bool `yaml:"skip_failed_requests"`
}

func (c Config) withDefaults() Config {
	c.Window = util.Coalesce(c.Window, defaultWindow)
	c.MaxRequests = util.Coalesce(c.MaxRequests, int64(defaultMaxRequests))
	return c
}

type Result struct {
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetTime time.Time `json:"reset_time"`
	TotalHits int64     `json:"total_hits"`

	member string // recorded hit; empty when nothing was recorded
}

type Options struct {
	Source  conn.Source
	Breaker *breaker.Breaker
	KeyRoot string
	Logger  kvguard.Logger
	Hooks   kvguard.Hooks
}

type Limiter struct {
	src   conn.Source
	br    *breaker.Breaker
	keys  util.Keyspace
	log   kvguard.Logger
	hooks kvguard.Hooks
	now   func() time.Time
}

func New(opts Options) (*Limiter, error) {
	if opts.Source == nil {
		return nil, ErrNilSource
	}
	return &Limiter{
		src:   opts.Source,
		br:    opts.Breaker,
		keys:  util.Keyspace{Root: opts.KeyRoot},
		log:   util.Coalesce[kvguard.Logger](opts.Logger, kvguard.NopLogger{}),
		hooks: util.Coalesce[kvguard.Hooks](opts.Hooks, kvguard.NopHooks{}),
		now:   time.Now,
	}, nil
}

// Check records a hit for identifier and reports whether it fits in the window.
// Rejected hits are recorded too.
func (l *Limiter) Check(ctx context.Context, identifier string, cfg Config) Result {
	cfg = cfg.withDefaults()
	now := l.now()
	nowMs := now.UnixMilli()
	key := l.keys.RateLimit(identifier)
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	var count int64
	err := remote.Do(ctx, l.src, l.br, func(ctx context.Context, rdb redis.UniversalClient) error {
		var card *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRemRangeByScore(ctx, key, "-inf", cutoff(nowMs, cfg.Window))
			card = p.ZCard(ctx, key)
			p.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
			p.PExpire(ctx, key, cfg.Window)
			return nil
		})
		if err != nil {
			return err
		}
		count = card.Val()
		return nil
	})
	if err != nil {
		l.failOpen("check", identifier, err)
		return l.open(now, cfg)
	}

	hits := count + 1
	res := Result{
		Allowed:   hits <= cfg.MaxRequests,
		Remaining: max(0, cfg.MaxRequests-hits),
		ResetTime: now.Add(cfg.Window),
		TotalHits: hits,
		member:    member,
	}
	if !res.Allowed {
		l.hooks.RateLimited(identifier, hits, cfg.MaxRequests)
	}
	return res
}

// Status prunes and counts without recording a hit.
func (l *Limiter) Status(ctx context.Context, identifier string, cfg Config) Result {
	cfg = cfg.withDefaults()
	now := l.now()
	key := l.keys.RateLimit(identifier)

	var count int64
	err := remote.Do(ctx, l.src, l.br, func(ctx context.Context, rdb redis.UniversalClient) error {
		var card *redis.IntCmd
		_, err := rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.ZRemRangeByScore(ctx, key, "-inf", cutoff(now.UnixMilli(), cfg.Window))
			card = p.ZCard(ctx, key)
			return nil
		})
		if err != nil {
			return err
		}
		count = card.Val()
		return nil
	})
	if err != nil {
		l.failOpen("status", identifier, err)
		return l.open(now, cfg)
	}

	return Result{
		Allowed:   count < cfg.MaxRequests,
		Remaining: max(0, cfg.MaxRequests-count),
		ResetTime: now.Add(cfg.Window),
		TotalHits: count,
	}
}

// Reset deletes the window for identifier.
func (l *Limiter) Reset(ctx context.Context, identifier string) bool {
	key := l.keys.RateLimit(identifier)
	err := remote.Do(ctx, l.src, l.br, func(ctx context.Context, rdb redis.UniversalClient) error {
		return rdb.Del(ctx, key).Err()
	})
	if err != nil {
		l.log.Warn("rate limit reset failed", kvguard.Fields{"id": identifier, "err": err})
		return false
	}
	return true
}

// Forget removes the hit recorded by a Check so it no longer counts.
func (l *Limiter) Forget(ctx context.Context, identifier string, res Result) bool {
	if res.member == "" {
		return false
	}
	key := l.keys.RateLimit(identifier)
	var n int64
	err := remote.Do(ctx, l.src, l.br, func(ctx context.Context, rdb redis.UniversalClient) error {
		var err error
		n, err = rdb.ZRem(ctx, key, res.member).Result()
		return err
	})
	if err != nil {
		l.log.Warn("rate limit forget failed", kvguard.Fields{"id": identifier, "err": err})
		return false
	}
	return n > 0
}

func (l *Limiter) open(now time.Time, cfg Config) Result {
	return Result{
		Allowed:   true,
		Remaining: cfg.MaxRequests,
		ResetTime: now.Add(cfg.Window),
	}
}

func (l *Limiter) failOpen(op, identifier string, err error) {
	f := kvguard.Fields{"op": op, "id": identifier, "err": err}
	if errors.Is(err, kvguard.ErrCircuitOpen) {
		l.log.Debug("rate limit skipped; failing open", f)
		return
	}
	l.log.Warn("rate limit store unavailable; failing open", f)
}

// cutoff is the inclusive upper score bound of stale hits.
func cutoff(nowMs int64, window time.Duration) string {
	return strconv.FormatInt(nowMs-window.Milliseconds(), 10)
}
