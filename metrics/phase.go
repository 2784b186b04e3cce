package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

type PhaseMetrics struct {
	Current               metrics.Gauge
	TransitionsTotal      metrics.Counter
	VotingDurationSeconds metrics.Gauge
}

func PromPhaseMetrics() *PhaseMetrics {
	return &PhaseMetrics{
		Current: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PhaseSubsystem,
			Name:      "current",
			Help:      "Current election phase (1 registration, 2 voting, 3 results, 4 closed).",
		}, []string{}),
		TransitionsTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: PhaseSubsystem,
			Name:      "transitions_total",
			Help:      "Total number of phase transitions.",
		}, []string{"to", "override"}),
		VotingDurationSeconds: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: PhaseSubsystem,
			Name:      "voting_duration_seconds",
			Help:      "Length of the last completed voting phase.",
		}, []string{}),
	}
}

func NopPhaseMetrics() *PhaseMetrics {
	return &PhaseMetrics{
		Current:               discard.NewGauge(),
		TransitionsTotal:      discard.NewCounter(),
		VotingDurationSeconds: discard.NewGauge(),
	}
}
