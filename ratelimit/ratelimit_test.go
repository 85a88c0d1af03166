package ratelimit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/conn"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type limitHooks struct {
	kvguard.NopHooks
	mu   sync.Mutex
	hits []int64
}

func (h *limitHooks) RateLimited(_ string, hits, _ int64) {
	h.mu.Lock()
	h.hits = append(h.hits, hits)
	h.mu.Unlock()
}

type downSource struct{}

func (downSource) Client(context.Context) (redis.UniversalClient, error) {
	return nil, errors.New("connection refused")
}

func newTestLimiter(t *testing.T, opts Options) (*Limiter, *fakeClock, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	opts.Source = conn.Static(rdb)
	l, err := New(opts)
	require.NoError(t, err)
	clock := &fakeClock{now: time.UnixMilli(1_700_000_000_000)}
	l.now = clock.Now
	return l, clock, mr
}

func TestNew_RequiresSource(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNilSource)
}

func TestCheck_AdmitsUpToMaxThenRejects(t *testing.T) {
	for _, limit := range []int64{1, 3, 10} {
		hooks := &limitHooks{}
		l, clock, _ := newTestLimiter(t, Options{Hooks: hooks})
		cfg := Config{Window: time.Minute, MaxRequests: limit}
		ctx := context.Background()

		for i := int64(1); i <= limit; i++ {
			res := l.Check(ctx, "ip:/login", cfg)
			require.True(t, res.Allowed, "limit=%d hit=%d", limit, i)
			assert.Equal(t, i, res.TotalHits)
			assert.Equal(t, limit-i, res.Remaining)
			clock.Advance(time.Millisecond)
		}

		res := l.Check(ctx, "ip:/login", cfg)
		assert.False(t, res.Allowed, "limit=%d", limit)
		assert.Equal(t, limit+1, res.TotalHits)
		assert.Zero(t, res.Remaining)
		assert.Equal(t, clock.Now().Add(time.Minute), res.ResetTime)
		assert.Equal(t, []int64{limit + 1}, hooks.hits)
	}
}

func TestCheck_SameMillisecondHitsAreDistinct(t *testing.T) {
	l, _, mr := newTestLimiter(t, Options{KeyRoot: "app:"})
	cfg := Config{Window: time.Second, MaxRequests: 5}

	for i := 0; i < 4; i++ {
		l.Check(context.Background(), "u1", cfg)
	}
	members, err := mr.ZMembers("app:rate_limit:u1")
	require.NoError(t, err)
	assert.Len(t, members, 4)
	assert.Equal(t, time.Second, mr.TTL("app:rate_limit:u1"))
}

func TestWindowExpiry(t *testing.T) {
	l, clock, _ := newTestLimiter(t, Options{})
	cfg := Config{Window: 10 * time.Second, MaxRequests: 2}
	ctx := context.Background()

	l.Check(ctx, "id", cfg)
	l.Check(ctx, "id", cfg)
	require.False(t, l.Check(ctx, "id", cfg).Allowed)

	clock.Advance(5 * time.Second)
	assert.Equal(t, int64(3), l.Status(ctx, "id", cfg).TotalHits)

	clock.Advance(5 * time.Second)
	st := l.Status(ctx, "id", cfg)
	assert.Zero(t, st.TotalHits)
	assert.True(t, st.Allowed)
	assert.Equal(t, int64(2), st.Remaining)

	assert.True(t, l.Check(ctx, "id", cfg).Allowed)
}

func TestStatusDoesNotRecord(t *testing.T) {
	l, _, _ := newTestLimiter(t, Options{})
	cfg := Config{Window: time.Minute, MaxRequests: 1}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		st := l.Status(ctx, "id", cfg)
		assert.Zero(t, st.TotalHits)
		assert.True(t, st.Allowed)
	}
	l.Check(ctx, "id", cfg)
	st := l.Status(ctx, "id", cfg)
	assert.Equal(t, int64(1), st.TotalHits)
	assert.False(t, st.Allowed)
}

func TestResetAndForget(t *testing.T) {
	l, _, mr := newTestLimiter(t, Options{})
	cfg := Config{Window: time.Minute, MaxRequests: 1}
	ctx := context.Background()

	res := l.Check(ctx, "id", cfg)
	require.True(t, l.Forget(ctx, "id", res))
	assert.True(t, l.Check(ctx, "id", cfg).Allowed)
	assert.False(t, l.Forget(ctx, "id", Result{}))

	require.True(t, l.Reset(ctx, "id"))
	assert.False(t, mr.Exists("rate_limit:id"))
	assert.True(t, l.Check(ctx, "id", cfg).Allowed)
}

func TestFailsOpen(t *testing.T) {
	l, err := New(Options{Source: downSource{}})
	require.NoError(t, err)
	cfg := Config{Window: time.Minute, MaxRequests: 5}

	for i := 0; i < 10; i++ {
		res := l.Check(context.Background(), "id", cfg)
		assert.True(t, res.Allowed)
		assert.Equal(t, int64(5), res.Remaining)
		assert.Zero(t, res.TotalHits)
	}
	assert.True(t, l.Status(context.Background(), "id", cfg).Allowed)
	assert.False(t, l.Reset(context.Background(), "id"))
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, time.Minute, cfg.Window)
	assert.Equal(t, int64(100), cfg.MaxRequests)
}
