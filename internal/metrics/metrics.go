package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "shaka"

var (
	startTime = time.Now()

	// UptimeSeconds tracks the server uptime in seconds
	UptimeSeconds = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "uptime_seconds",
		Help:      "The uptime of the escrow backend in seconds",
	})

	// HTTP request metrics
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "http_requests_total",
		Help:      "Total HTTP requests processed",
	}, []string{"method", "endpoint", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "server",
		Name:      "http_request_duration_seconds",
		Help:      "HTTP request duration in seconds",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "endpoint"})

	// Ledger gateway metrics
	LedgerTransactionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "transactions_total",
		Help:      "Escrow contract transactions by method and result",
	}, []string{"method", "result"})

	LedgerGasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "gas_used",
		Help:      "Gas used by confirmed escrow transactions",
		Buckets:   prometheus.ExponentialBuckets(21_000, 2, 8),
	}, []string{"method"})

	LedgerConfirmDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "ledger",
		Name:      "confirm_duration_seconds",
		Help:      "Time from send to confirmed receipt",
		Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120},
	}, []string{"method"})

	// Orchestrator metrics
	TaskTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "transitions_total",
		Help:      "Task status transitions by target status",
	}, []string{"status"})

	SubmissionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "submissions",
		Name:      "outcomes_total",
		Help:      "Resolved submissions by outcome",
	}, []string{"outcome"})

	SubmissionsExpiredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "submissions",
		Name:      "expired_total",
		Help:      "Pending submissions expired by the TTL sweep",
	})

	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconciler",
		Name:      "runs_total",
		Help:      "Reconciliation attempts by result",
	}, []string{"result"})

	// Split-processing metrics
	SplitJobsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "splitproc",
		Name:      "jobs_total",
		Help:      "Split-processing job events",
	}, []string{"event"})

	ConnectedNodes = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "splitproc",
		Name:      "connected_nodes",
		Help:      "Processing nodes currently connected over WebSocket",
	})

	NodeFramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "splitproc",
		Name:      "node_frames_total",
		Help:      "WebSocket frames exchanged with processing nodes by direction and message type",
	}, []string{"direction", "type"})
)

// StartUptimeCollector updates UptimeSeconds every 15 seconds until done is closed.
func StartUptimeCollector(done <-chan struct{}) {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				UptimeSeconds.Set(time.Since(startTime).Seconds())
			}
		}
	}()
}
