package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

type TallyMetrics struct {
	ComputationsTotal metrics.Counter
	CacheHitsTotal    metrics.Counter
	DurationSeconds   metrics.Histogram
}

func PromTallyMetrics() *TallyMetrics {
	return &TallyMetrics{
		ComputationsTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: TallySubsystem,
			Name:      "computations_total",
			Help:      "Total number of full tally passes over the ledger.",
		}, []string{}),
		CacheHitsTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: TallySubsystem,
			Name:      "cache_hits_total",
			Help:      "Total number of tallies served from cache.",
		}, []string{}),
		DurationSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: TallySubsystem,
			Name:      "duration_seconds",
			Help:      "Time spent computing a tally.",
		}, []string{}),
	}
}

func NopTallyMetrics() *TallyMetrics {
	return &TallyMetrics{
		ComputationsTotal: discard.NewCounter(),
		CacheHitsTotal:    discard.NewCounter(),
		DurationSeconds:   discard.NewHistogram(),
	}
}
