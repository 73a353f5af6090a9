/*
Package reconciler drives out-of-band verification of operations whose
outcome the control plane could not learn through the normal completion path.

# Architecture

A Scheduler runs one pass per configured period, or earlier when a heartbeat
reports an answer ready for convergence:

	┌──────────────────────────────────────────────┐
	│ Scheduler pass                               │
	│  acquire pass lease ──► leader? ──► list     │
	└───────────────┬──────────────────────────────┘
	                │ one Job per record
	                ▼
	┌──────────────────────────────────────────────┐
	│ Pool (fixed workers, result queue same size) │
	│  Task.Evaluate: pre-checks, decision table,  │
	│  mark RECONCILING, probe agent, resolve      │
	└───────────────┬──────────────────────────────┘
	                │ results in completion order
	                ▼
	┌──────────────────────────────────────────────┐
	│ Task.Settle (one at a time)                  │
	│  converge + remove, re-arm, count failure,   │
	│  abandon                                     │
	└──────────────────────────────────────────────┘

The pass lease is re-acquired every pass and released when it ends. Losing
it mid-pass is harmless: every transition is re-checked against the fresh
ledger row.

# Decision table

Pre-checks run first. A record whose operation no longer decodes, or whose
volume or VM is gone, is abandoned: marked RECONCILE_SKIPPED and removed
without touching domain state. Then:

	TIMED_OUT, INTERRUPTED, RECONCILE_RETRY      probe
	RECONCILING                                  re-arm after the grace period, else skip
	RECONCILE_FAILED                             probe while attempts remain
	CREATED, no agent state                      skip
	CREATED, agent running                       probe only if its host is down or removed
	CREATED, agent COMPLETED or FAILED           probe once signaled or after the grace period
	CREATED, agent INTERRUPTED or DANGLED        probe

Before probing, the domain must still look like the operation may be
outstanding (a migrating VM or volume, a creating copy); otherwise the record
is abandoned.

# Failures

Unreachable agents and probe timeouts are transient: a record already marked
RECONCILING returns to RECONCILE_RETRY without counting an attempt. Only an
agent answer reporting failure increments the retry count, up to the
configured maximum, after which the record stays RECONCILE_FAILED for
operators to inspect.

# Shutdown

Scheduler.Shutdown cancels the running pass without draining it and marks
every record this management server owns INTERRUPTED so another instance
picks them up. HostMonitor does the same for records pinned to a host whose
heartbeats stopped.
*/
package reconciler
