package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the username registry.
type Metrics struct {
	// Claim attempts by outcome: "claimed", "taken", "invalid", "error"
	Claims *prometheus.CounterVec

	// CAS races lost during claim before the final outcome
	ClaimRetries prometheus.Counter

	// Transfer attempts by outcome: "transferred", "unauthorized", "conflict", "interrupted", "error"
	Transfers *prometheus.CounterVec

	Releases prometheus.Counter

	// Stale transfers reverted by the recovery sweep
	RecoveredTransfers prometheus.Counter
}

// New creates registry metrics registered on the default registerer.
func New() *Metrics {
	return &Metrics{
		Claims: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quickex_registry_claims_total",
			Help: "Username claim attempts by outcome",
		}, []string{"outcome"}),

		ClaimRetries: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_registry_claim_retries_total",
			Help: "Conditional write races lost while claiming a username",
		}),

		Transfers: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "quickex_registry_transfers_total",
			Help: "Username transfer attempts by outcome",
		}, []string{"outcome"}),

		Releases: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_registry_releases_total",
			Help: "Usernames released by their owner",
		}),

		RecoveredTransfers: promauto.NewCounter(prometheus.CounterOpts{
			Name: "quickex_registry_recovered_transfers_total",
			Help: "Stale transfers reverted to the original owner by the recovery sweep",
		}),
	}
}

func (m *Metrics) IncrementClaim(outcome string) {
	if m != nil {
		m.Claims.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementClaimRetry() {
	if m != nil {
		m.ClaimRetries.Inc()
	}
}

func (m *Metrics) IncrementTransfer(outcome string) {
	if m != nil {
		m.Transfers.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) IncrementRelease() {
	if m != nil {
		m.Releases.Inc()
	}
}

func (m *Metrics) AddRecovered(n int) {
	if m != nil && n > 0 {
		m.RecoveredTransfers.Add(float64(n))
	}
}
