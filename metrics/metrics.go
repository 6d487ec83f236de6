package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gaslessbase/gasless-relay/core/sponsorship"
)

const gbNamespace = "gasless"

// MetricsGenerator is what instrumented components depend on, so library
// code (the relay pipeline) never imports prometheus directly.
type MetricsGenerator interface {
	IncSponsorshipDecision(allowed bool, rule sponsorship.Rule)
	IncSponsorshipCharge()
	AddSponsoredWei(value *big.Int)
	IncOperationsRelayed(status string)
}

var _ MetricsGenerator = (*PaymasterMetrics)(nil)

// PaymasterMetrics counts what the sponsorship engine decides and what the
// relay actually submits.
type PaymasterMetrics struct {
	numDecisions *prometheus.CounterVec
	numCharges   prometheus.Counter
	sponsoredWei prometheus.Counter
	numRelayed   *prometheus.CounterVec
}

func NewPaymasterMetrics(reg prometheus.Registerer) *PaymasterMetrics {
	return &PaymasterMetrics{
		numDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: gbNamespace,
				Name:      "num_sponsorship_decisions_total",
				Help:      "Sponsorship decisions by outcome and, for denials, the rule that fired",
			}, []string{"outcome", "rule"}),

		numCharges: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: gbNamespace,
				Name:      "num_sponsorship_charges_total",
				Help:      "Committed sponsorship charges. If this diverges from allowed decisions, callers are dropping charges",
			}),

		sponsoredWei: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: gbNamespace,
				Name:      "sponsored_wei_total",
				Help:      "Cumulative sponsored value in wei across all users",
			}),

		numRelayed: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: gbNamespace,
				Name:      "num_operations_relayed_total",
				Help:      "User operations submitted to the bundler by result class",
			}, []string{"status"}),
	}
}

func (m *PaymasterMetrics) IncSponsorshipDecision(allowed bool, rule sponsorship.Rule) {
	if allowed {
		m.numDecisions.WithLabelValues("allowed", "").Inc()
		return
	}
	m.numDecisions.WithLabelValues("denied", string(rule)).Inc()
}

func (m *PaymasterMetrics) IncSponsorshipCharge() {
	m.numCharges.Inc()
}

// AddSponsoredWei saturates at float64 precision; the exact figure lives in
// the engine's persisted counters.
func (m *PaymasterMetrics) AddSponsoredWei(value *big.Int) {
	if value == nil {
		return
	}
	wei, _ := new(big.Float).SetInt(value).Float64()
	m.sponsoredWei.Add(wei)
}

func (m *PaymasterMetrics) IncOperationsRelayed(status string) {
	m.numRelayed.WithLabelValues(status).Inc()
}
