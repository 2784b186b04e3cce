package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

type LedgerMetrics struct {
	Height                metrics.Gauge
	VotesTotal            metrics.Counter
	RejectedTotal         metrics.Counter
	AppendDurationSeconds metrics.Histogram
	Halted                metrics.Gauge
}

func (l *LedgerMetrics) SetHeight(height uint64) {
	l.Height.Set(float64(height))
}

func (l *LedgerMetrics) SetHalted(halted bool) {
	if halted {
		l.Halted.Set(1)
		return
	}
	l.Halted.Set(0)
}

func PromLedgerMetrics() *LedgerMetrics {
	return &LedgerMetrics{
		Height: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: LedgerSubsystem,
			Name:      "height",
			Help:      "Number of entries in the ballot ledger.",
		}, []string{}),
		VotesTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: LedgerSubsystem,
			Name:      "votes_total",
			Help:      "Total number of accepted ballots.",
		}, []string{"district"}),
		RejectedTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: LedgerSubsystem,
			Name:      "rejected_total",
			Help:      "Total number of rejected ballots.",
		}, []string{"reason"}),
		AppendDurationSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: LedgerSubsystem,
			Name:      "append_duration_seconds",
			Help:      "Time spent appending a ballot.",
		}, []string{}),
		Halted: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: LedgerSubsystem,
			Name:      "halted",
			Help:      "1 when appends are halted by a failed integrity check.",
		}, []string{}),
	}
}

func NopLedgerMetrics() *LedgerMetrics {
	return &LedgerMetrics{
		Height:                discard.NewGauge(),
		VotesTotal:            discard.NewCounter(),
		RejectedTotal:         discard.NewCounter(),
		AppendDurationSeconds: discard.NewHistogram(),
		Halted:                discard.NewGauge(),
	}
}
