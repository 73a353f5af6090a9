/*
Package manager implements a burrow management server node.

A Manager owns a hashicorp/raft node, a local BoltDB replica and an event
broker. Every write to burrow state is encoded as a Command, committed
through raft and applied by BurrowFSM to the local store on each node.
Reads are served from the local replica.

Manager satisfies storage.Store, so the ledger, the lease locker and the
reconciler work unchanged on top of a single BoltStore or a replicated
cluster:

	mgr, err := manager.NewManager(&manager.Config{
		NodeID:   "ms-1",
		BindAddr: "10.0.0.10:7946",
		DataDir:  "/var/lib/burrow",
	})
	if err := mgr.Bootstrap(); err != nil {
		return err
	}
	l := ledger.New(mgr, clock.WallClock)

Reconcile record updates are read-modify-write. Raft only accepts writes
on the leader, and the leader serializes record updates, so an update
always applies to the row it read.

Lease acquisitions are replicated with the proposer's clock reading so
that every replica decides expiry the same way.

Leadership transitions of the local node are logged, reflected in the
burrow_raft_is_leader gauge and published as leader.changed events.

Snapshots carry every table plus the record ID sequence; Restore replaces
the local state wholesale.
*/
package manager
