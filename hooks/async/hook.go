// usage:
//
//	raw := sloghooks.New(slog.Default(), sloghooks.Options{
//	    RateLimitedEvery: 100, // sample logs: ~every 100th rejection
//	})
//
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	kv, _ := client.New(ctx, cfg, client.WithHooks(hooks))
package asynchook

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/unkn0wn-root/kvguard"
)

// Hooks delivers events to inner on a bounded worker queue. Events are dropped when
// the queue is full or after Close.
type Hooks struct {
	inner   kvguard.Hooks
	q       chan func()
	wg      sync.WaitGroup
	once    sync.Once
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Uint64
}

var _ kvguard.Hooks = (*Hooks)(nil)

func New(inner kvguard.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

// Close drains queued events and stops the workers. Safe to call more than once.
func (h *Hooks) Close() {
	h.once.Do(func() {
		h.mu.Lock()
		h.closed = true
		close(h.q)
		h.mu.Unlock()
		h.wg.Wait()
	})
}

// Dropped is the number of events discarded so far.
func (h *Hooks) Dropped() uint64 { return h.dropped.Load() }

func (h *Hooks) try(f func()) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		h.dropped.Add(1)
		return
	}
	select {
	case h.q <- f:
	default: // drop
		h.dropped.Add(1)
	}
}

func (h *Hooks) ConnStateChanged(from, to string) {
	h.try(func() { h.inner.ConnStateChanged(from, to) })
}
func (h *Hooks) ConnFault(k kvguard.FaultKind, err error) {
	h.try(func() { h.inner.ConnFault(k, err) })
}
func (h *Hooks) BreakerStateChanged(from, to string) {
	h.try(func() { h.inner.BreakerStateChanged(from, to) })
}
func (h *Hooks) RateLimited(id string, hits, limit int64) {
	h.try(func() { h.inner.RateLimited(id, hits, limit) })
}
func (h *Hooks) CacheDecodeError(k string, err error) {
	h.try(func() { h.inner.CacheDecodeError(k, err) })
}
func (h *Hooks) HealthChecked(ok bool, d time.Duration) {
	h.try(func() { h.inner.HealthChecked(ok, d) })
}
