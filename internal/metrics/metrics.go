package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Harvest pipeline, task reconciliation and transport metrics, partitioned by chain.

var (
	// Harvest runs
	HarvestRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "runs_total",
		Help:      "Total chain harvest runs by result",
	}, []string{"chain", "result"})

	HarvestRunLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "run_duration_seconds",
		Help:      "Chain harvest run duration",
		Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1200},
	}, []string{"chain"})

	HarvestStrategiesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "strategies_total",
		Help:      "Strategies processed by outcome (harvested, skipped, error)",
	}, []string{"chain", "outcome"})

	HarvestSkipsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "skips_total",
		Help:      "Strategies not harvested by decision reason",
	}, []string{"chain", "reason"})

	SimulationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "simulation_errors_total",
		Help:      "Strategies excluded because simulation failed",
	}, []string{"chain"})

	TxFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "tx",
		Name:      "failures_total",
		Help:      "Harvest transaction failures by category",
	}, []string{"chain", "category"})

	TxAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "tx",
		Name:      "attempts_total",
		Help:      "Harvest transaction attempts",
	}, []string{"chain"})

	UnwrapTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "tx",
		Name:      "unwrap_total",
		Help:      "Wrapped native unwrap attempts by result",
	}, []string{"chain", "result"})

	KeeperBalanceWei = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "keeper",
		Name:      "balance_wei",
		Help:      "Keeper native balance at the end of the last run (float approximation)",
	}, []string{"chain"})

	// Gas estimation cache
	GasCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "gas",
		Name:      "cache_hits_total",
		Help:      "Gas unit estimates served from cache",
	}, []string{"chain", "tier"})

	GasCacheMisses = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "gas",
		Name:      "cache_misses_total",
		Help:      "Gas unit estimates simulated on chain",
	}, []string{"chain"})

	// Nonce serializer
	NonceInFlight = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "nonce",
		Name:      "in_flight",
		Help:      "Transactions accepted for sending but not yet acknowledged by the provider",
	}, []string{"chain"})

	NonceWaitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "harvester",
		Subsystem: "nonce",
		Name:      "wait_duration_seconds",
		Help:      "Time spent waiting for a free submission slot",
		Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 5, 15, 60},
	}, []string{"chain"})

	NonceResetsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "nonce",
		Name:      "resets_total",
		Help:      "Local nonce resynchronisations after a failed send",
	}, []string{"chain"})

	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Total RPC calls by method and status",
	}, []string{"chain", "method", "status"})

	RPCRateLimitWaits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "Total RPC calls delayed by the rate limiter",
	}, []string{"chain"})

	RPCCircuitState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "rpc",
		Name:      "circuit_state",
		Help:      "RPC circuit breaker state (0=closed, 1=open, 2=half-open)",
	}, []string{"chain"})

	// Chain health
	ChainHealthStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "health_status",
		Help:      "Chain health status (0=UNKNOWN, 1=HEALTHY, 2=DEGRADED, 3=UNHEALTHY)",
	}, []string{"chain"})

	ChainConsecutiveFailures = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "harvester",
		Subsystem: "pipeline",
		Name:      "consecutive_failures",
		Help:      "Number of consecutive failed chain runs",
	}, []string{"chain"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "alert",
		Name:      "sent_total",
		Help:      "Total alerts sent",
	}, []string{"channel", "alert_type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "alert",
		Name:      "cooldown_skipped_total",
		Help:      "Total alerts skipped due to cooldown",
	}, []string{"channel", "alert_type"})

	// Task reconciliation
	ReconciliationRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "reconciliation",
		Name:      "runs_total",
		Help:      "Total task reconciliation runs executed",
	}, []string{"chain"})

	ReconciliationTasksCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "reconciliation",
		Name:      "tasks_created_total",
		Help:      "Automation tasks created by result",
	}, []string{"chain", "result"})

	ReconciliationTasksDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "reconciliation",
		Name:      "tasks_deleted_total",
		Help:      "Automation tasks cancelled by result",
	}, []string{"chain", "result"})

	ReconciliationErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "harvester",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total task reconciliation errors",
	}, []string{"chain"})
)
