// Package monitor samples store health on demand or on an interval and keeps a
// bounded history of the samples.
package monitor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/kvguard"
	"github.com/unkn0wn-root/kvguard/breaker"
	"github.com/unkn0wn-root/kvguard/conn"
	"github.com/unkn0wn-root/kvguard/internal/util"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

const (
	defaultHistorySize = 100
	defaultLatencyWarn = 100 * time.Millisecond
	defaultClientWarn  = 100
	defaultTimeout     = 5 * time.Second
	defaultNamespace   = "kvguard"
)

var ErrNilSource = errors.New("monitor: nil source")

type HealthStatus struct {
	Connected   bool          `json:"connected"`
	Status      string        `json:"status"`
	Latency     time.Duration `json:"latency"`
	ClientCount int64         `json:"client_count,omitempty"`
	MemoryUsage string        `json:"memory_usage,omitempty"`
	Error       string        `json:"error,omitempty"`
	CheckedAt   time.Time     `json:"checked_at"`
}

type ConnectionStats struct {
	Samples       int           `json:"samples"`
	Successes     int           `json:"successes"`
	Failures      int           `json:"failures"`
	UptimePercent float64       `json:"uptime_percent"`
	AvgLatency    time.Duration `json:"avg_latency"`
	LastCheck     *HealthStatus `json:"last_check,omitempty"`
}

type Options struct {
	Source conn.Source

	// Optional. Its state is exported with the metrics.
	Breaker *breaker.Breaker

	HistorySize int           // 0 => 100
	LatencyWarn time.Duration // 0 => 100ms
	ClientWarn  int64         // 0 => 100
	// Bound for one background check. 0 => 5s
	Timeout time.Duration

	Logger kvguard.Logger
	Hooks  kvguard.Hooks

	// nil disables metrics.
	Registerer prometheus.Registerer
	Namespace  string // "" => "kvguard"
}

type Monitor struct {
	src         conn.Source
	br          *breaker.Breaker
	latencyWarn time.Duration
	clientWarn  int64
	timeout     time.Duration
	log         kvguard.Logger
	hooks       kvguard.Hooks
	metrics     *metrics
	now         func() time.Time

	mu      sync.Mutex
	history *ring

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	wg        sync.WaitGroup
}

func New(opts Options) (*Monitor, error) {
	if opts.Source == nil {
		return nil, ErrNilSource
	}
	m := &Monitor{
		src:         opts.Source,
		br:          opts.Breaker,
		latencyWarn: util.Coalesce(opts.LatencyWarn, defaultLatencyWarn),
		clientWarn:  util.Coalesce(opts.ClientWarn, int64(defaultClientWarn)),
		timeout:     util.Coalesce(opts.Timeout, defaultTimeout),
		log:         util.Coalesce[kvguard.Logger](opts.Logger, kvguard.NopLogger{}),
		hooks:       util.Coalesce[kvguard.Hooks](opts.Hooks, kvguard.NopHooks{}),
		now:         time.Now,
		history:     newRing(max(util.Coalesce(opts.HistorySize, defaultHistorySize), 1)),
		stop:        make(chan struct{}),
	}
	if opts.Registerer != nil {
		met, err := newMetrics(opts.Registerer, util.Coalesce(opts.Namespace, defaultNamespace))
		if err != nil {
			return nil, err
		}
		m.metrics = met
	}
	return m, nil
}

// Check pings the store and, when it answers, reads client count and memory usage.
// Failures of the introspection calls do not fail the check. The sample is added to
// the history.
func (m *Monitor) Check(ctx context.Context) HealthStatus {
	hs := HealthStatus{CheckedAt: m.now(), Status: StatusUnhealthy}

	rdb, err := m.src.Client(ctx)
	if err == nil {
		start := time.Now()
		err = rdb.Ping(ctx).Err()
		hs.Latency = time.Since(start)
	}
	if err != nil {
		hs.Error = err.Error()
		m.log.Warn("store health check failed", kvguard.Fields{"err": err})
	} else {
		hs.Connected = true
		hs.Status = StatusHealthy
		if info, err := rdb.Info(ctx, "clients").Result(); err == nil {
			hs.ClientCount, _ = util.InfoInt(info, "connected_clients")
		}
		if info, err := rdb.Info(ctx, "memory").Result(); err == nil {
			hs.MemoryUsage = util.InfoField(info, "used_memory_human")
		}
		m.warn(&hs)
	}

	m.mu.Lock()
	m.history.push(hs)
	m.mu.Unlock()

	m.metrics.observe(hs, m.br)
	m.hooks.HealthChecked(hs.Connected, hs.Latency)
	return hs
}

func (m *Monitor) warn(hs *HealthStatus) {
	if hs.Latency > m.latencyWarn {
		hs.Status = StatusDegraded
		m.log.Warn("store latency above threshold", kvguard.Fields{
			"latency":   hs.Latency,
			"threshold": m.latencyWarn,
		})
	}
	if hs.ClientCount > m.clientWarn {
		m.log.Warn("store client count above threshold", kvguard.Fields{
			"clients":   hs.ClientCount,
			"threshold": m.clientWarn,
		})
	}
}

// History returns the retained samples, oldest first.
func (m *Monitor) History() []HealthStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.history.items()
}

// Stats aggregates the retained samples. AvgLatency covers successful checks only.
func (m *Monitor) Stats() ConnectionStats {
	samples := m.History()
	st := ConnectionStats{Samples: len(samples)}
	if len(samples) == 0 {
		return st
	}

	var total time.Duration
	for _, s := range samples {
		if s.Connected {
			st.Successes++
			total += s.Latency
		} else {
			st.Failures++
		}
	}
	st.UptimePercent = float64(st.Successes) / float64(len(samples)) * 100
	if st.Successes > 0 {
		st.AvgLatency = total / time.Duration(st.Successes)
	}
	last := samples[len(samples)-1]
	st.LastCheck = &last
	return st
}

// Start runs Check immediately and then every interval until Stop. Calling it
// again has no effect.
func (m *Monitor) Start(interval time.Duration) {
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.loop(interval)
	})
}

// Stop ends the background loop and waits for an in-flight check to finish.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	m.wg.Wait()
}

func (m *Monitor) loop(interval time.Duration) {
	defer m.wg.Done()

	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		m.checkBounded()
		select {
		case <-m.stop:
			return
		case <-t.C:
		}
	}
}

func (m *Monitor) checkBounded() {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	// cancel an in-flight check on Stop
	go func() {
		select {
		case <-m.stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	m.Check(ctx)
}
