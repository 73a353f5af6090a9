/*
Package types defines the data model shared by every burrow package: the
reconcile ledger row and its two state machines, and the domain rows the
convergence logic reads and repairs (volumes, volume copy tracking rows,
virtual machines, hosts) plus the lease row used for pass-level mutual
exclusion.

# Reconcile records

A ReconcileRecord is keyed by (RequestSequence, OperationSignature). Two
independent state fields describe it:

	StateByManagement  what the control plane believes (CREATED .. TIMED_OUT)
	StateByAgent       what the agent last reported (empty until it reports)

Only the scheduler moves StateByManagement; the heartbeat bridge only moves
StateByAgent. Removal of the row is the success signal.

# Domain rows

Volumes carry a LastID pointer: a destination row created for a copy or
migration points back at the source row it shadows. Either row is resolved to
Ready or Destroy once ground truth is known.
*/
package types
