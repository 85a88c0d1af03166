package conn

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/unkn0wn-root/kvguard"
)

type recordingHooks struct {
	kvguard.NopHooks
	mu          sync.Mutex
	transitions []string
	faults      []kvguard.FaultKind
}

func (h *recordingHooks) ConnStateChanged(from, to string) {
	h.mu.Lock()
	h.transitions = append(h.transitions, from+"->"+to)
	h.mu.Unlock()
}

func (h *recordingHooks) ConnFault(kind kvguard.FaultKind, _ error) {
	h.mu.Lock()
	h.faults = append(h.faults, kind)
	h.mu.Unlock()
}

func (h *recordingHooks) snapshot() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.transitions...)
}

type countingSink struct{ n atomic.Int32 }

func (s *countingSink) OnConfigurationError() { s.n.Add(1) }

func newManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	m, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m
}

func TestMachine_IgnoresInvalidEvents(t *testing.T) {
	t.Parallel()

	var m machine
	_, _, ok := m.fire(evReady)
	assert.False(t, ok)
	assert.Equal(t, StateDisconnected, m.state)

	from, to, ok := m.fire(evDial)
	require.True(t, ok)
	assert.Equal(t, StateDisconnected, from)
	assert.Equal(t, StateConnecting, to)

	_, _, ok = m.fire(evLost)
	assert.False(t, ok)
	assert.Equal(t, StateConnecting, m.state)

	_, to, _ = m.fire(evClose)
	assert.Equal(t, StateClosing, to)
	_, _, ok = m.fire(evDial)
	assert.False(t, ok)
}

func TestState_String(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "ready", StateReady.String())
	assert.Equal(t, "closing", StateClosing.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestClient_ConnectsAndReuses(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	hooks := &recordingHooks{}
	m := newManager(t, Options{URL: "redis://" + mr.Addr(), Hooks: hooks})
	ctx := context.Background()

	assert.Equal(t, StateDisconnected, m.Status())

	c1, err := m.Client(ctx)
	require.NoError(t, err)
	require.NoError(t, c1.Set(ctx, "k", "v", 0).Err())
	assert.Equal(t, StateReady, m.Status())

	c2, err := m.Client(ctx)
	require.NoError(t, err)
	assert.Same(t, c1, c2)

	v, err := mr.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	assert.Equal(t, []string{"disconnected->connecting", "connecting->ready"}, hooks.snapshot())
}

func TestClient_SharesInFlightDial(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	m := newManager(t, Options{})

	var dials atomic.Int32
	m.dial = func(ctx context.Context, _ uint64) (*redis.Client, error) {
		dials.Add(1)
		time.Sleep(50 * time.Millisecond)
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}

	const n = 20
	clients := make([]redis.UniversalClient, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := m.Client(context.Background())
			assert.NoError(t, err)
			clients[i] = c
		}(i)
	}
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, c := range clients[1:] {
		assert.Same(t, clients[0], c)
	}
}

func TestClient_TimesOut(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{ConnectTimeout: 50 * time.Millisecond})
	m.dial = func(ctx context.Context, _ uint64) (*redis.Client, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	start := time.Now()
	_, err := m.Client(context.Background())
	require.ErrorIs(t, err, kvguard.ErrConnectionTimeout)
	assert.Less(t, time.Since(start), time.Second)

	require.Eventually(t, func() bool { return m.Status() == StateDisconnected },
		time.Second, 10*time.Millisecond)
}

func TestClient_ConfigurationFaultHoldsRedial(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	sink := &countingSink{}
	hooks := &recordingHooks{}
	m := newManager(t, Options{Faults: sink, Hooks: hooks, ConfigErrorBackoff: time.Hour})

	var dials atomic.Int32
	var healthy atomic.Bool
	m.dial = func(context.Context, uint64) (*redis.Client, error) {
		dials.Add(1)
		if healthy.Load() {
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		}
		return nil, errors.New("WRONGPASS invalid username-password pair or user is disabled.")
	}

	_, err := m.Client(context.Background())
	var fe *kvguard.FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, kvguard.FaultConfiguration, fe.Kind)
	assert.False(t, fe.RetryAfter.IsZero())
	assert.Equal(t, int32(1), sink.n.Load())

	_, err = m.Client(context.Background())
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, int32(1), dials.Load(), "held redial must not dial")
	assert.Equal(t, StateDisconnected, m.Status())

	healthy.Store(true)
	c, err := m.ForceReconnect(context.Background())
	require.NoError(t, err)
	require.NoError(t, c.Ping(context.Background()).Err())
	assert.Equal(t, int32(2), dials.Load())

	hooks.mu.Lock()
	assert.Equal(t, []kvguard.FaultKind{kvguard.FaultConfiguration}, hooks.faults)
	hooks.mu.Unlock()
}

func TestClient_ExhaustionHold(t *testing.T) {
	t.Parallel()

	exhausted := errors.New("ERR max number of clients reached")

	t.Run("fails fast without offline queue", func(t *testing.T) {
		t.Parallel()

		m := newManager(t, Options{ExhaustionBackoff: time.Hour})
		m.dial = func(context.Context, uint64) (*redis.Client, error) { return nil, exhausted }

		_, err := m.Client(context.Background())
		require.True(t, kvguard.IsResourceExhausted(err))

		start := time.Now()
		_, err = m.Client(context.Background())
		require.True(t, kvguard.IsResourceExhausted(err))
		assert.Less(t, time.Since(start), 100*time.Millisecond)
	})

	t.Run("offline queue waits out the hold", func(t *testing.T) {
		t.Parallel()

		mr := miniredis.RunT(t)
		m := newManager(t, Options{
			ExhaustionBackoff: 100 * time.Millisecond,
			ConnectTimeout:    2 * time.Second,
			OfflineQueue:      true,
		})
		var dials atomic.Int32
		m.dial = func(context.Context, uint64) (*redis.Client, error) {
			if dials.Add(1) == 1 {
				return nil, exhausted
			}
			return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
		}

		_, err := m.Client(context.Background())
		require.True(t, kvguard.IsResourceExhausted(err))

		start := time.Now()
		_, err = m.Client(context.Background())
		require.NoError(t, err)
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
		assert.Equal(t, int32(2), dials.Load())
	})
}

func TestFatalCommandErrorTearsDown(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	m := newManager(t, Options{URL: "redis://" + mr.Addr(), ExhaustionBackoff: time.Hour})
	ctx := context.Background()

	c, err := m.Client(ctx)
	require.NoError(t, err)

	mr.SetError("ERR max number of clients reached")
	require.Error(t, c.Get(ctx, "k").Err())

	assert.Equal(t, StateDisconnected, m.Status())
	_, err = m.Client(ctx)
	require.True(t, kvguard.IsResourceExhausted(err))

	mr.SetError("")
	c, err = m.ForceReconnect(ctx)
	require.NoError(t, err)
	assert.NoError(t, c.Ping(ctx).Err())
}

func TestNilReplyIsNotAFault(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	m := newManager(t, Options{URL: "redis://" + mr.Addr()})
	ctx := context.Background()

	c, err := m.Client(ctx)
	require.NoError(t, err)
	assert.ErrorIs(t, c.Get(ctx, "missing").Err(), redis.Nil)
	assert.Equal(t, StateReady, m.Status())
}

func TestNetworkLossAllowsRedial(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	m := newManager(t, Options{URL: "redis://" + mr.Addr(), MaxRetries: -1})
	ctx := context.Background()

	c, err := m.Client(ctx)
	require.NoError(t, err)
	require.NoError(t, c.Ping(ctx).Err())

	mr.Close()
	require.Error(t, c.Ping(ctx).Err())
	require.Eventually(t, func() bool { return m.Status() == StateDisconnected },
		time.Second, 10*time.Millisecond)

	require.NoError(t, mr.Restart())
	c2, err := m.Client(ctx)
	require.NoError(t, err)
	assert.NotSame(t, c, c2)
	assert.NoError(t, c2.Ping(ctx).Err())
}

func TestCloseIsReusable(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	hooks := &recordingHooks{}
	m := newManager(t, Options{URL: "redis://" + mr.Addr(), Hooks: hooks})
	ctx := context.Background()

	c, err := m.Client(ctx)
	require.NoError(t, err)

	require.NoError(t, m.Close(ctx))
	assert.Equal(t, StateDisconnected, m.Status())
	assert.ErrorIs(t, c.Ping(ctx).Err(), redis.ErrClosed)

	c2, err := m.Client(ctx)
	require.NoError(t, err)
	assert.NoError(t, c2.Ping(ctx).Err())

	assert.Equal(t, []string{
		"disconnected->connecting",
		"connecting->ready",
		"ready->closing",
		"closing->disconnected",
		"disconnected->connecting",
		"connecting->ready",
	}, hooks.snapshot())
}

func TestCloseWithoutClient(t *testing.T) {
	t.Parallel()

	m := newManager(t, Options{})
	assert.NoError(t, m.Close(context.Background()))
	assert.Equal(t, StateDisconnected, m.Status())
}

func TestCloseCancelsInFlightDial(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	m := newManager(t, Options{ConnectTimeout: 5 * time.Second})

	started := make(chan struct{})
	dialErr := make(chan error, 1)
	var dials atomic.Int32
	m.dial = func(ctx context.Context, _ uint64) (*redis.Client, error) {
		if dials.Add(1) == 1 {
			close(started)
			<-ctx.Done()
			dialErr <- ctx.Err()
			return nil, ctx.Err()
		}
		return redis.NewClient(&redis.Options{Addr: mr.Addr()}), nil
	}

	first := make(chan error, 1)
	go func() {
		_, err := m.Client(context.Background())
		first <- err
	}()
	<-started

	require.NoError(t, m.Close(context.Background()))
	select {
	case err := <-dialErr:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("dial was not canceled by Close")
	}
	assert.ErrorIs(t, <-first, errSuperseded)

	c, err := m.Client(context.Background())
	require.NoError(t, err)
	assert.NoError(t, c.Ping(context.Background()).Err())
	assert.Equal(t, int32(2), dials.Load())
}

// statusHooks reads the manager state from inside the state hook.
type statusHooks struct {
	kvguard.NopHooks
	m    *Manager
	seen chan State
}

func (h *statusHooks) ConnStateChanged(string, string) { h.seen <- h.m.Status() }

func TestHooksMayCallBackIntoManager(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	hooks := &statusHooks{seen: make(chan State, 16)}
	m := newManager(t, Options{URL: "redis://" + mr.Addr(), Hooks: hooks})
	hooks.m = m

	done := make(chan error, 1)
	go func() {
		_, err := m.Client(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Client deadlocked in a state hook")
	}
	assert.Equal(t, StateConnecting, <-hooks.seen)
	assert.Equal(t, StateReady, <-hooks.seen)
}

func TestClient_RealDialReturnsHeldFault(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	mr.RequireAuth("secret")
	sink := &countingSink{}
	m := newManager(t, Options{URL: "redis://:wrong@" + mr.Addr(), Faults: sink})

	_, err := m.Client(context.Background())
	var fe *kvguard.FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, kvguard.FaultConfiguration, fe.Kind)
	assert.NotErrorIs(t, err, errSuperseded)
	assert.Equal(t, int32(1), sink.n.Load())
	assert.Equal(t, StateDisconnected, m.Status())
}
