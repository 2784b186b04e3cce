package metrics

var (
	Ledger = NopLedgerMetrics()
	Phase  = NopPhaseMetrics()
	Tally  = NopTallyMetrics()
	Queue  = NopQueueMetrics()
	API    = NopAPIMetrics()
)
