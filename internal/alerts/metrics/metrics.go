package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the scam alert engine.
type Metrics struct {
	// Report submissions by outcome: "created", "updated", "invalid", "rate_limited", "error"
	Reports *prometheus.CounterVec

	// Tier transitions by new tier
	TierChanges *prometheus.CounterVec

	// Aggregate writes lost to a concurrent recompute
	RecomputeConflicts prometheus.Counter

	SignalPublishFailures prometheus.Counter

	// Reports admitted because the reporter limiter could not decide
	LimiterFailOpen prometheus.Counter
}

func New() *Metrics {
	return &Metrics{
		Reports: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quickex_alerts_reports_total",
			Help: "Scam report submissions by outcome",
		}, []string{"outcome"}),

		TierChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quickex_alerts_tier_changes_total",
			Help: "Risk tier transitions by resulting tier",
		}, []string{"tier"}),

		RecomputeConflicts: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_alerts_recompute_conflicts_total",
			Help: "Aggregate conditional writes that lost to a concurrent recompute",
		}),

		SignalPublishFailures: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_alerts_signal_publish_failures_total",
			Help: "Risk signals that could not be published",
		}),

		LimiterFailOpen: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_alerts_limiter_fail_open_total",
			Help: "Reports admitted without a rate limit decision",
		}),
	}
}

func (m *Metrics) IncrementReport(outcome string) {
	if m == nil {
		return
	}
	m.Reports.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncrementTierChange(tier string) {
	if m == nil {
		return
	}
	m.TierChanges.WithLabelValues(tier).Inc()
}

func (m *Metrics) IncrementRecomputeConflict() {
	if m == nil {
		return
	}
	m.RecomputeConflicts.Inc()
}

func (m *Metrics) IncrementSignalPublishFailure() {
	if m == nil {
		return
	}
	m.SignalPublishFailures.Inc()
}

func (m *Metrics) IncrementLimiterFailOpen() {
	if m == nil {
		return
	}
	m.LimiterFailOpen.Inc()
}
