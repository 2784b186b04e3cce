// Package metrics exposes the daemon's Prometheus metrics. Every metric
// defaults to a discard implementation until InitPrometheusMetrics is called.
package metrics

const (
	Namespace       = "election"
	LedgerSubsystem = "ledger"
	PhaseSubsystem  = "phase"
	TallySubsystem  = "tally"
	QueueSubsystem  = "queue"
	APISubsystem    = "api"
)
