package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Ledger metrics
	LedgerRecords = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_ledger_records",
			Help: "Number of reconcile records by management state",
		},
		[]string{"state"},
	)

	HostsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "burrow_hosts_total",
			Help: "Total number of agent hosts by status",
		},
		[]string{"status"},
	)

	// Raft metrics
	RaftLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_is_leader",
			Help: "Whether this node is the Raft leader (1 = leader, 0 = follower)",
		},
	)

	RaftPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_peers_total",
			Help: "Total number of Raft peers in the cluster",
		},
	)

	RaftLogIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_log_index",
			Help: "Current Raft log index",
		},
	)

	RaftAppliedIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_raft_applied_index",
			Help: "Last applied Raft log index",
		},
	)

	// Scheduler metrics
	PassesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reconcile_passes_total",
			Help: "Total number of scheduler passes by result",
		},
		[]string{"result"},
	)

	PassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_reconcile_pass_duration_seconds",
			Help:    "Duration of scheduler passes that ran under the lock",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reconcile_task_outcomes_total",
			Help: "Total number of reconciliation task outcomes",
		},
		[]string{"outcome"},
	)

	DecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_reconcile_decisions_total",
			Help: "Total number of convergence decisions by operation kind and verdict",
		},
		[]string{"kind", "verdict"},
	)

	WorkersInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_reconcile_workers_in_flight",
			Help: "Number of reconciliation tasks currently running",
		},
	)

	// Prober metrics
	ProbesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_probes_total",
			Help: "Total number of agent probes by outcome",
		},
		[]string{"outcome"},
	)

	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_probe_duration_seconds",
			Help:    "Agent probe round-trip duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Heartbeat bridge metrics
	HeartbeatReportsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_heartbeat_operation_reports_total",
			Help: "Total number of operation states received on agent heartbeats",
		},
	)

	BridgeReadyTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "burrow_bridge_ready_total",
			Help: "Total number of records flagged ready for convergence by heartbeats",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_api_requests_total",
			Help: "Total number of API requests by method and status",
		},
		[]string{"method", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_api_request_duration_seconds",
			Help:    "API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LedgerRecords)
	prometheus.MustRegister(HostsTotal)
	prometheus.MustRegister(RaftLeader)
	prometheus.MustRegister(RaftPeers)
	prometheus.MustRegister(RaftLogIndex)
	prometheus.MustRegister(RaftAppliedIndex)
	prometheus.MustRegister(PassesTotal)
	prometheus.MustRegister(PassDuration)
	prometheus.MustRegister(TaskOutcomesTotal)
	prometheus.MustRegister(DecisionsTotal)
	prometheus.MustRegister(WorkersInFlight)
	prometheus.MustRegister(ProbesTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(HeartbeatReportsTotal)
	prometheus.MustRegister(BridgeReadyTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
