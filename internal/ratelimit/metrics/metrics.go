package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	Decisions    *prometheus.CounterVec
	Fallbacks    prometheus.Counter
	CircuitState prometheus.Gauge
}

func New() *Metrics {
	return &Metrics{
		Decisions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quickex_ratelimit_decisions_total",
			Help: "Rate limit decisions by outcome: allowed, denied, error",
		}, []string{"outcome"}),
		Fallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_ratelimit_fallback_checks_total",
			Help: "Rate limit checks answered by the in-process fallback",
		}),
		CircuitState: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "quickex_ratelimit_circuit_open",
			Help: "1 while the primary rate limit store circuit is open",
		}),
	}
}

func (m *Metrics) IncrementDecision(outcome string) {
	if m == nil {
		return
	}
	m.Decisions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementFallback() {
	if m == nil {
		return
	}
	m.Fallbacks.Inc()
}

func (m *Metrics) SetCircuitOpen(open bool) {
	if m == nil {
		return
	}
	if open {
		m.CircuitState.Set(1)
		return
	}
	m.CircuitState.Set(0)
}
