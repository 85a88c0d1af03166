package kvguard

import "time"

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking; several are called on hot paths.
// Wrap with hooks/async when delivery can be slow.
// Hooks run on the caller's goroutine with no kvguard lock held, so they may call
// read-only methods such as conn.Manager.Status or breaker.Breaker.State.
type Hooks interface {
	// The connection moved between lifecycle states ("disconnected", "connecting", ...).
	ConnStateChanged(from, to string)

	// A fault tore the connection down and put redial on hold.
	ConnFault(kind FaultKind, err error)

	// The circuit breaker changed state ("closed", "open", "half_open").
	BreakerStateChanged(from, to string)

	// A rate-limit check rejected a request.
	RateLimited(identifier string, hits, limit int64)

	// A stored value could not be decoded; the read was reported as a miss.
	CacheDecodeError(storageKey string, err error)

	// One monitor health sample.
	HealthChecked(ok bool, latency time.Duration)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) ConnStateChanged(string, string)    {}
func (NopHooks) ConnFault(FaultKind, error)         {}
func (NopHooks) BreakerStateChanged(string, string) {}
func (NopHooks) RateLimited(string, int64, int64)   {}
func (NopHooks) CacheDecodeError(string, error)     {}
func (NopHooks) HealthChecked(bool, time.Duration)  {}
