// Package breaker guards store calls with a closed/open/half-open circuit.
// One Breaker is meant to sit in front of every call to the same store; it has no
// per-key granularity.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/internal/util"
)

// State represents the circuit breaker state
type State int

const (
	// StateClosed - operations pass through, failures are counted
	StateClosed State = iota
	// StateOpen - operations are rejected without contacting the store
	StateOpen
	// StateHalfOpen - one trial operation tests recovery
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	defaultFailureThreshold = 5
	defaultRecoveryTimeout  = 60 * time.Second
)

// Config contains circuit breaker configuration
type Config struct {
	// Consecutive failures (without an intervening success) that open the circuit. 0 => 5
	FailureThreshold int `yaml:"failure_threshold"`

	// Time spent open before a trial call is allowed. 0 => 60s
	RecoveryTimeout time.Duration `yaml:"recovery_timeout"`

	// Function to determine if an error should be counted as a failure. nil => err == nil
	IsSuccessful func(err error) bool `yaml:"-"`

	Logger kvguard.Logger `yaml:"-"`
	Hooks  kvguard.Hooks  `yaml:"-"`
}

// Stats is a point-in-time copy of the breaker state.
type Stats struct {
	State            State         `json:"state"`
	FailureCount     int           `json:"failure_count"`
	LastFailureTime  time.Time     `json:"last_failure_time"`
	NextAttemptTime  time.Time     `json:"next_attempt_time"`
	FailureThreshold int           `json:"failure_threshold"`
	RecoveryTimeout  time.Duration `json:"recovery_timeout"`
}

// Breaker implements the circuit breaker pattern
type Breaker struct {
	threshold    int
	recovery     time.Duration
	isSuccessful func(error) bool
	log          kvguard.Logger
	hooks        kvguard.Hooks
	now          func() time.Time

	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time
	nextAttempt time.Time
	trial       bool       // a half-open trial call is in flight
	pending     [][2]State // transitions delivered to hooks by unlock
}

func New(cfg Config) *Breaker {
	b := &Breaker{
		threshold:    util.Coalesce(cfg.FailureThreshold, defaultFailureThreshold),
		recovery:     util.Coalesce(cfg.RecoveryTimeout, defaultRecoveryTimeout),
		isSuccessful: cfg.IsSuccessful,
		log:          util.Coalesce[kvguard.Logger](cfg.Logger, kvguard.NopLogger{}),
		hooks:        util.Coalesce[kvguard.Hooks](cfg.Hooks, kvguard.NopHooks{}),
		now:          time.Now,
		state:        StateClosed,
	}
	if b.isSuccessful == nil {
		b.isSuccessful = func(err error) bool { return err == nil }
	}
	return b
}

// Execute runs fn if the circuit allows it. In the open state, before the recovery
// deadline, it returns kvguard.ErrCircuitOpen without calling fn.
// A panic in fn counts as a failure and is re-raised.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	trial, err := b.before()
	if err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			b.after(trial, fmt.Errorf("breaker: panic: %v", r))
			panic(r)
		}
	}()
	err = fn(ctx)
	b.after(trial, err)
	return err
}

// Do is Execute for value-returning calls.
func Do[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var out T
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := fn(ctx)
		out = v
		return err
	})
	return out, err
}

func (b *Breaker) before() (trial bool, err error) {
	b.mu.Lock()
	defer b.unlock()

	switch b.state {
	case StateOpen:
		if b.now().Before(b.nextAttempt) {
			return false, kvguard.ErrCircuitOpen
		}
		b.setState(StateHalfOpen)
		b.trial = true
		return true, nil
	case StateHalfOpen:
		if b.trial {
			return false, kvguard.ErrCircuitOpen
		}
		b.trial = true
		return true, nil
	default:
		return false, nil
	}
}

func (b *Breaker) after(trial bool, err error) {
	b.mu.Lock()
	defer b.unlock()

	if trial {
		b.trial = false
	}

	if b.isSuccessful(err) {
		if b.state == StateOpen {
			return
		}
		b.failures = 0
		if b.state == StateHalfOpen {
			b.setState(StateClosed)
		}
		return
	}

	now := b.now()
	b.failures++
	b.lastFailure = now

	// a late failure from a call admitted while closed must not extend an open window
	if b.state == StateOpen {
		return
	}
	if b.failures >= b.threshold || b.state == StateHalfOpen {
		b.nextAttempt = now.Add(b.recovery)
		b.setState(StateOpen)
		b.log.Warn("circuit opened", kvguard.Fields{
			"failures":     b.failures,
			"next_attempt": b.nextAttempt,
			"err":          err,
		})
	}
}

// OnConfigurationError force-opens the circuit with a doubled recovery window.
// Called when a non-retryable configuration fault is detected.
func (b *Breaker) OnConfigurationError() {
	b.mu.Lock()
	defer b.unlock()

	now := b.now()
	b.failures = b.threshold
	b.lastFailure = now
	b.nextAttempt = now.Add(2 * b.recovery)
	b.trial = false
	b.setState(StateOpen)
	b.log.Error("circuit force-opened on configuration error", kvguard.Fields{
		"next_attempt": b.nextAttempt,
	})
}

// State returns the current state. An open circuit whose recovery deadline has
// passed still reports open until the next call tries it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return Stats{
		State:            b.state,
		FailureCount:     b.failures,
		LastFailureTime:  b.lastFailure,
		NextAttemptTime:  b.nextAttempt,
		FailureThreshold: b.threshold,
		RecoveryTimeout:  b.recovery,
	}
}

// Reset closes the circuit and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.unlock()

	b.failures = 0
	b.lastFailure = time.Time{}
	b.nextAttempt = time.Time{}
	b.trial = false
	b.setState(StateClosed)
}

// setState must be called with mu held. The hook runs once unlock releases mu.
func (b *Breaker) setState(s State) {
	prev := b.state
	if prev == s {
		return
	}
	b.state = s
	b.pending = append(b.pending, [2]State{prev, s})
	b.log.Debug("breaker state changed", kvguard.Fields{"from": prev.String(), "to": s.String()})
}

func (b *Breaker) unlock() {
	pending := b.pending
	b.pending = nil
	b.mu.Unlock()
	for _, t := range pending {
		b.hooks.BreakerStateChanged(t[0].String(), t[1].String())
	}
}
