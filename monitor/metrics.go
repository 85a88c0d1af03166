package monitor

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/unkn0wn-root/kvguard/breaker"
)

type metrics struct {
	up           prometheus.Gauge
	latency      prometheus.Histogram
	clients      prometheus.Gauge
	checks       *prometheus.CounterVec
	breakerState prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer, namespace string) (*metrics, error) {
	m := &metrics{
		up: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_up",
			Help:      "1 when the last health check reached the store.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_ping_seconds",
			Help:      "PING round-trip time.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		clients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "store_connected_clients",
			Help:      "connected_clients reported by the store.",
		}),
		checks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_checks_total",
			Help:      "Health checks by result.",
		}, []string{"result"}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_state",
			Help:      "Circuit breaker state: 0 closed, 1 open, 2 half-open.",
		}),
	}
	for _, c := range []prometheus.Collector{m.up, m.latency, m.clients, m.checks, m.breakerState} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *metrics) observe(hs HealthStatus, br *breaker.Breaker) {
	if m == nil {
		return
	}
	if hs.Connected {
		m.up.Set(1)
		m.latency.Observe(hs.Latency.Seconds())
		m.clients.Set(float64(hs.ClientCount))
		m.checks.WithLabelValues("ok").Inc()
	} else {
		m.up.Set(0)
		m.checks.WithLabelValues("error").Inc()
	}
	if br != nil {
		m.breakerState.Set(float64(br.State()))
	}
}
