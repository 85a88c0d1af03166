// Package conn owns the single shared connection to the store. It dials lazily,
// shares one in-flight attempt between concurrent callers, classifies faults and
// holds redial after exhaustion or configuration faults.
package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
	"github.com/unkn0wn-root/kvguard"
	"golang.org/x/sync/singleflight"
)

const connectKey = "connect"

var (
	errClosing    = errors.New("conn: manager is closing")
	errSuperseded = errors.New("conn: connection attempt superseded")
)

type Manager struct {
	opts   Options
	log    kvguard.Logger
	hooks  kvguard.Hooks
	faults FaultSink
	now    func() time.Time
	sf     singleflight.Group

	// dial opens and pings a client tagged with gen. Replaced in tests.
	dial func(ctx context.Context, gen uint64) (*redis.Client, error)

	mu         sync.RWMutex
	fsm        machine
	client     *redis.Client
	gen        uint64 // bumped on every dial and teardown
	holdUntil  time.Time
	holdErr    error
	cancelDial context.CancelFunc
	pending    []stateChange // delivered to hooks by unlock
}

type stateChange struct{ from, to State }

// New validates opts and returns a disconnected Manager. Nothing is dialed until
// the first Client call.
func New(opts Options) (*Manager, error) {
	opts = opts.withDefaults()
	if _, err := opts.redisOptions(); err != nil {
		return nil, fmt.Errorf("conn: %w", err)
	}
	m := &Manager{
		opts:   opts,
		log:    opts.Logger,
		hooks:  opts.Hooks,
		faults: opts.Faults,
		now:    time.Now,
	}
	m.dial = m.dialRedis
	return m, nil
}

// Client returns the ready client, dialing if needed. Concurrent callers share one
// attempt. A caller waits at most ConnectTimeout and then gets
// kvguard.ErrConnectionTimeout; during a redial hold it gets the held *kvguard.FaultError.
func (m *Manager) Client(ctx context.Context) (redis.UniversalClient, error) {
	if c := m.ready(); c != nil {
		return c, nil
	}
	if err := m.waitHold(ctx); err != nil {
		return nil, err
	}

	ch := m.sf.DoChan(connectKey, func() (any, error) {
		return m.connect()
	})

	timer := time.NewTimer(m.opts.ConnectTimeout)
	defer timer.Stop()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*redis.Client), nil
	case <-timer.C:
		return nil, fmt.Errorf("%w after %s", kvguard.ErrConnectionTimeout, m.opts.ConnectTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Status reports the lifecycle state.
func (m *Manager) Status() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.fsm.state
}

// Close cancels an in-flight dial, then sends QUIT and closes the client. If QUIT
// fails the sockets are dropped anyway. The Manager can be used again afterwards;
// the next Client call redials.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if _, _, ok := m.transition(evClose); !ok {
		m.unlock()
		return nil
	}
	old := m.client
	m.client = nil
	m.gen++
	m.holdUntil, m.holdErr = time.Time{}, nil
	if m.cancelDial != nil {
		m.cancelDial()
		m.cancelDial = nil
	}
	// later callers must not join the superseded attempt
	m.sf.Forget(connectKey)
	m.unlock()

	var err error
	if old != nil {
		err = m.shutdown(ctx, old)
	}

	m.mu.Lock()
	m.transition(evClosed)
	m.unlock()
	return err
}

// ForceReconnect drops the current client, clears any redial hold and dials again.
func (m *Manager) ForceReconnect(ctx context.Context) (redis.UniversalClient, error) {
	if err := m.Close(ctx); err != nil {
		m.log.Warn("close before reconnect failed", kvguard.Fields{"err": err})
	}
	return m.Client(ctx)
}

func (m *Manager) ready() *redis.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.fsm.state == StateReady {
		return m.client
	}
	return nil
}

func (m *Manager) waitHold(ctx context.Context) error {
	m.mu.RLock()
	until, herr := m.holdUntil, m.holdErr
	m.mu.RUnlock()

	wait := until.Sub(m.now())
	if herr == nil || wait <= 0 {
		return nil
	}
	if !m.opts.OfflineQueue || wait > m.opts.ConnectTimeout {
		return herr
	}

	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// connect runs inside the singleflight group, so at most one attempt is in flight.
func (m *Manager) connect() (*redis.Client, error) {
	if c := m.ready(); c != nil {
		return c, nil
	}

	m.mu.Lock()
	if _, _, ok := m.transition(evDial); !ok {
		m.unlock()
		return nil, errClosing
	}
	m.gen++
	gen := m.gen
	ctx, cancel := context.WithTimeout(context.Background(), m.opts.ConnectTimeout)
	defer cancel()
	m.cancelDial = cancel
	m.unlock()

	start := m.now()
	c, err := m.dial(ctx, gen)

	m.mu.Lock()
	if m.gen != gen {
		// a fault seen by the client hook during the ping already holds redial
		held := m.holdErr
		m.unlock()
		if c != nil {
			_ = c.Close()
		}
		if err != nil && held != nil {
			return nil, held
		}
		return nil, errSuperseded
	}
	m.cancelDial = nil
	if err != nil {
		m.unlock()
		return nil, m.dialFailed(gen, err)
	}
	m.client = c
	m.holdUntil, m.holdErr = time.Time{}, nil
	m.transition(evReady)
	m.unlock()

	m.log.Info("connected", kvguard.Fields{"addr": c.Options().Addr, "elapsed": m.now().Sub(start)})
	return c, nil
}

func (m *Manager) dialFailed(gen uint64, err error) error {
	kind := kvguard.Classify(err)
	if kind != kvguard.FaultTransient {
		return m.fatal(gen, kind, err)
	}

	m.mu.Lock()
	if m.gen == gen {
		m.transition(evDialFailed)
	}
	m.unlock()

	m.hooks.ConnFault(kind, err)
	m.log.Warn("connect failed", kvguard.Fields{"err": err})
	if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, kvguard.ErrConnectionTimeout) {
		return fmt.Errorf("%w: %v", kvguard.ErrConnectionTimeout, err)
	}
	return err
}

// observe is called by the client hook for every failed operation of generation gen.
func (m *Manager) observe(gen uint64, err error) {
	if errors.Is(err, redis.Nil) || errors.Is(err, redis.ErrClosed) {
		return
	}
	if kind := kvguard.Classify(err); kind != kvguard.FaultTransient {
		_ = m.fatal(gen, kind, err)
		return
	}
	if isNetworkFault(err) {
		m.lost(gen, err)
	}
}

// fatal tears the connection down and holds redial. A fault from a stale
// generation only returns the hold already in place.
func (m *Manager) fatal(gen uint64, kind kvguard.FaultKind, err error) error {
	hold := m.opts.ExhaustionBackoff
	if kind == kvguard.FaultConfiguration {
		hold = m.opts.ConfigErrorBackoff
	}
	fe := &kvguard.FaultError{Kind: kind, Err: err, RetryAfter: m.now().Add(hold)}

	m.mu.Lock()
	if m.gen != gen {
		held := m.holdErr
		m.unlock()
		if held != nil {
			return held
		}
		return fe
	}
	old := m.client
	m.client = nil
	m.gen++
	m.holdUntil, m.holdErr = fe.RetryAfter, fe
	m.transition(evFatal)
	m.unlock()

	if old != nil {
		// may run inside old's own hook chain
		go old.Close()
	}

	m.hooks.ConnFault(kind, err)
	m.log.Error("connection fault; redial held", kvguard.Fields{
		"kind":        kind.String(),
		"err":         err,
		"retry_after": fe.RetryAfter,
	})
	if kind == kvguard.FaultConfiguration && m.faults != nil {
		m.faults.OnConfigurationError()
	}
	return fe
}

// lost drops a ready connection after a transient network fault so the next
// Client call redials. In-flight commands on the old client get CommandTimeout to
// finish before it is closed.
func (m *Manager) lost(gen uint64, err error) {
	m.mu.Lock()
	if m.gen != gen || m.fsm.state != StateReady {
		m.unlock()
		return
	}
	old := m.client
	m.client = nil
	m.gen++
	m.transition(evLost)
	m.unlock()

	time.AfterFunc(m.opts.CommandTimeout, func() { _ = old.Close() })

	m.hooks.ConnFault(kvguard.FaultTransient, err)
	m.log.Warn("connection lost", kvguard.Fields{"err": err})
}

// transition must be called with mu held. The hook runs once unlock releases mu.
func (m *Manager) transition(ev event) (from, to State, ok bool) {
	from, to, ok = m.fsm.fire(ev)
	if !ok {
		m.log.Debug("ignored connection event", kvguard.Fields{"state": from.String(), "event": ev.String()})
		return from, to, false
	}
	if from != to {
		m.pending = append(m.pending, stateChange{from, to})
	}
	return from, to, true
}

// unlock releases the write lock and then delivers queued state changes.
func (m *Manager) unlock() {
	pending := m.pending
	m.pending = nil
	m.mu.Unlock()
	for _, c := range pending {
		m.hooks.ConnStateChanged(c.from.String(), c.to.String())
	}
}

func (m *Manager) shutdown(ctx context.Context, c *redis.Client) error {
	if err := c.Do(ctx, "quit").Err(); err != nil && !errors.Is(err, redis.ErrClosed) {
		m.log.Warn("graceful quit failed; dropping connections", kvguard.Fields{"err": err})
	}
	if err := c.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return fmt.Errorf("conn: close: %w", err)
	}
	m.log.Info("disconnected", nil)
	return nil
}

// dialRedis creates a client for generation gen and pings it with backoff until ctx
// expires. Fatal ping errors stop the retries at once.
func (m *Manager) dialRedis(ctx context.Context, gen uint64) (*redis.Client, error) {
	ro, err := m.opts.redisOptions()
	if err != nil {
		return nil, &kvguard.FaultError{Kind: kvguard.FaultConfiguration, Err: err}
	}
	c := redis.NewClient(ro)
	c.AddHook(watch{m: m, gen: gen})

	var last error
	op := func() error {
		err := c.Ping(ctx).Err()
		if err == nil {
			return nil
		}
		last = err
		if kvguard.IsFatal(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		m.log.Debug("ping failed; retrying", kvguard.Fields{"err": err, "next": next})
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 0

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		_ = c.Close()
		if ctx.Err() != nil && last != nil && !kvguard.IsFatal(last) {
			return nil, fmt.Errorf("%w: %v", kvguard.ErrConnectionTimeout, last)
		}
		return nil, err
	}
	return c, nil
}
