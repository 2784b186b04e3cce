package metrics

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	prometheus "github.com/go-kit/kit/metrics/prometheus"
	stdprometheus "github.com/prometheus/client_golang/prometheus"
)

type QueueMetrics struct {
	Depth         metrics.Gauge
	RejectedTotal metrics.Counter
	WaitSeconds   metrics.Histogram
}

func PromQueueMetrics() *QueueMetrics {
	return &QueueMetrics{
		Depth: prometheus.NewGaugeFrom(stdprometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: QueueSubsystem,
			Name:      "depth",
			Help:      "Number of queued ballots waiting for a worker.",
		}, []string{}),
		RejectedTotal: prometheus.NewCounterFrom(stdprometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: QueueSubsystem,
			Name:      "rejected_total",
			Help:      "Total number of ballots rejected because the queue was full.",
		}, []string{}),
		WaitSeconds: prometheus.NewHistogramFrom(stdprometheus.HistogramOpts{
			Namespace: Namespace,
			Subsystem: QueueSubsystem,
			Name:      "wait_seconds",
			Help:      "Time a ballot spent queued before a worker picked it up.",
		}, []string{}),
	}
}

func NopQueueMetrics() *QueueMetrics {
	return &QueueMetrics{
		Depth:         discard.NewGauge(),
		RejectedTotal: discard.NewCounter(),
		WaitSeconds:   discard.NewHistogram(),
	}
}
