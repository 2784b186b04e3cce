package metrics

// InitPrometheusMetrics registers every metric with the default Prometheus
// registry. It must be called at most once.
func InitPrometheusMetrics() {
	Ledger = PromLedgerMetrics()
	Phase = PromPhaseMetrics()
	Tally = PromTallyMetrics()
	Queue = PromQueueMetrics()
	API = PromAPIMetrics()
}
