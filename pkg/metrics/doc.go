/*
Package metrics provides Prometheus metrics and health reporting for burrow.

All metrics are package-level collectors registered with the default
registry at init and exposed through Handler on /metrics:

	burrow_ledger_records{state}                 records per management state
	burrow_hosts_total{status}                   agent hosts per status
	burrow_raft_*                                leadership and log indexes
	burrow_reconcile_passes_total{result}        ran, locked, not_leader, disabled, error
	burrow_reconcile_pass_duration_seconds       passes that ran under the lock
	burrow_reconcile_task_outcomes_total{outcome}
	burrow_reconcile_decisions_total{kind,verdict}
	burrow_reconcile_workers_in_flight
	burrow_probes_total{outcome}
	burrow_probe_duration_seconds
	burrow_heartbeat_operation_reports_total
	burrow_bridge_ready_total
	burrow_api_requests_total{method,status}
	burrow_api_request_duration_seconds{method}

Gauges derived from stored state are refreshed by the manager's collector;
counters and histograms are updated inline by the component that owns them.
Use Timer to observe durations:

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.PassDuration)

The health half of the package tracks named components through
UpdateComponent. /health/components is unhealthy when any reported
component is. GetReadiness checks only the critical set (raft, storage and
scheduler by default); the manager's /ready handler in pkg/api refuses
traffic until all of them have reported healthy.
*/
package metrics
