/*
Package storage provides BoltDB-backed persistence for burrow's control-plane state.

BoltStore keeps every table in its own bucket under <dataDir>/burrow.db with
JSON-encoded values:

	reconcile_records      record ID            -> ReconcileRecord
	reconcile_keys         sequence+signature   -> record ID
	reconcile_by_state     state/record ID      -> (empty)
	reconcile_by_resource  type/resource/record -> (empty)
	volumes                volume ID            -> Volume
	volume_copies          copy ID              -> VolumeCopy
	vms                    VM ID                -> VirtualMachine
	hosts                  host ID              -> Host
	leases                 lease name           -> Lease

The index buckets are maintained inside the same transaction as the row they
point at, so a reader never sees a record under a stale state. Record updates
go through UpdateReconcileRecord, which re-reads and rewrites the row in one
write transaction; concurrent writers never lose each other's fields.

In a cluster the store is wrapped by the manager, which replicates every write
through Raft before applying it to the local BoltStore.
*/
package storage
