// Package metrics declares the Prometheus collectors for the RPC layer, the
// scanner and the deposit pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "RPC calls by provider and outcome (ok, error, timeout, cancelled, circuit_open)",
	}, []string{"provider", "outcome"})

	RPCCallLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "call_duration_seconds",
		Help:      "RPC call duration including limiter wait",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	RPCFailoversTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "failovers_total",
		Help:      "Successful switches to a backup provider",
	}, []string{"from", "to"})

	RPCSwitchPersistErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "rpc",
		Name:      "switch_persist_errors_total",
		Help:      "Provider switches that could not be written to the settings store",
	})

	LimiterInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "limiter",
		Name:      "in_flight",
		Help:      "RPC permits currently held",
	})

	LimiterWait = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "limiter",
		Name:      "wait_seconds",
		Help:      "Time spent waiting for a permit",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	})

	// Scanner
	ScanBlocksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "scanner",
		Name:      "blocks_scanned_total",
		Help:      "Blocks covered by completed scans",
	}, []string{"token"})

	TransfersCachedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "scanner",
		Name:      "transfers_cached_total",
		Help:      "Newly cached transfers",
	}, []string{"token", "direction"})

	ChunksSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "scanner",
		Name:      "chunks_skipped_total",
		Help:      "Chunks recorded as gaps after a failed log query",
	}, []string{"token"})

	LastIndexedBlock = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "settlement",
		Subsystem: "scanner",
		Name:      "last_indexed_block",
		Help:      "Last indexed block per token",
	}, []string{"token"})

	// Deposits
	DepositOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "deposit",
		Name:      "outcomes_total",
		Help:      "Pipeline outcomes",
	}, []string{"outcome"})

	LockAcquireTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "lock",
		Name:      "acquire_total",
		Help:      "Lock acquisition attempts by scope and result",
	}, []string{"scope", "result"})

	EventsPublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "events",
		Name:      "published_total",
		Help:      "Events handed to the notifier by type and result",
	}, []string{"type", "result"})
)
