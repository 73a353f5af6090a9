package manager

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/hashicorp/raft"
)

// Replicated command names
const (
	opCreateRecord     = "create_reconcile_record"
	opPutRecord        = "put_reconcile_record"
	opDeleteRecord     = "delete_reconcile_record"
	opPutVolume        = "put_volume"
	opDeleteVolume     = "delete_volume"
	opPutVolumeCopy    = "put_volume_copy"
	opDeleteVolumeCopy = "delete_volume_copy"
	opPutVM            = "put_vm"
	opDeleteVM         = "delete_vm"
	opPutHost          = "put_host"
	opDeleteHost       = "delete_host"
	opApplyConvergence = "apply_convergence"
	opAcquireLease     = "acquire_lease"
	opReleaseLease     = "release_lease"
)

// BurrowFSM implements the Raft Finite State Machine for burrow's state.
// Every replica applies the same commands to its local BoltStore.
type BurrowFSM struct {
	mu    sync.RWMutex
	store *storage.BoltStore
}

// NewBurrowFSM creates a new FSM instance
func NewBurrowFSM(store *storage.BoltStore) *BurrowFSM {
	return &BurrowFSM{
		store: store,
	}
}

// Command represents a state change operation in the Raft log
type Command struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data"`
}

type convergenceCommand struct {
	Volumes    []*types.Volume `json:"volumes"`
	DropCopies []int64         `json:"drop_copies"`
}

// leaseCommand carries the proposer's clock so every replica judges
// expiry against the same instant
type leaseCommand struct {
	Name   string        `json:"name"`
	Holder string        `json:"holder"`
	Now    time.Time     `json:"now"`
	TTL    time.Duration `json:"ttl"`
}

// Apply applies a Raft log entry to the FSM.
// The returned value is the command's result or an error.
func (f *BurrowFSM) Apply(log *raft.Log) interface{} {
	var cmd Command
	if err := json.Unmarshal(log.Data, &cmd); err != nil {
		return fmt.Errorf("failed to unmarshal command: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	switch cmd.Op {
	// Reconcile record operations
	case opCreateRecord:
		var rec types.ReconcileRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		created, err := f.store.CreateReconcileRecord(&rec)
		if err != nil {
			return err
		}
		return created

	case opPutRecord:
		var rec types.ReconcileRecord
		if err := json.Unmarshal(cmd.Data, &rec); err != nil {
			return err
		}
		return f.store.PutReconcileRecord(&rec)

	case opDeleteRecord:
		var id uint64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteReconcileRecord(id, nil)

	// Volume operations
	case opPutVolume:
		var v types.Volume
		if err := json.Unmarshal(cmd.Data, &v); err != nil {
			return err
		}
		return f.store.PutVolume(&v)

	case opDeleteVolume:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteVolume(id)

	case opPutVolumeCopy:
		var c types.VolumeCopy
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.PutVolumeCopy(&c)

	case opDeleteVolumeCopy:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteVolumeCopy(id)

	case opApplyConvergence:
		var c convergenceCommand
		if err := json.Unmarshal(cmd.Data, &c); err != nil {
			return err
		}
		return f.store.ApplyConvergence(c.Volumes, c.DropCopies)

	// VM operations
	case opPutVM:
		var vm types.VirtualMachine
		if err := json.Unmarshal(cmd.Data, &vm); err != nil {
			return err
		}
		return f.store.PutVM(&vm)

	case opDeleteVM:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteVM(id)

	// Host operations
	case opPutHost:
		var h types.Host
		if err := json.Unmarshal(cmd.Data, &h); err != nil {
			return err
		}
		return f.store.PutHost(&h)

	case opDeleteHost:
		var id int64
		if err := json.Unmarshal(cmd.Data, &id); err != nil {
			return err
		}
		return f.store.DeleteHost(id)

	// Lease operations
	case opAcquireLease:
		var l leaseCommand
		if err := json.Unmarshal(cmd.Data, &l); err != nil {
			return err
		}
		acquired, err := f.store.AcquireLease(l.Name, l.Holder, l.Now, l.TTL)
		if err != nil {
			return err
		}
		return acquired

	case opReleaseLease:
		var l leaseCommand
		if err := json.Unmarshal(cmd.Data, &l); err != nil {
			return err
		}
		return f.store.ReleaseLease(l.Name, l.Holder)

	default:
		return fmt.Errorf("unknown command: %s", cmd.Op)
	}
}

// Snapshot creates a point-in-time snapshot of the FSM
// This is called periodically by Raft to compact the log
func (f *BurrowFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	records, err := f.store.ListReconcileRecords()
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcile records: %w", err)
	}

	sequence, err := f.store.RecordSequence()
	if err != nil {
		return nil, fmt.Errorf("failed to read record sequence: %w", err)
	}

	volumes, err := f.store.ListVolumes()
	if err != nil {
		return nil, fmt.Errorf("failed to list volumes: %w", err)
	}

	copies, err := f.store.ListAllVolumeCopies()
	if err != nil {
		return nil, fmt.Errorf("failed to list volume copies: %w", err)
	}

	vms, err := f.store.ListVMs()
	if err != nil {
		return nil, fmt.Errorf("failed to list vms: %w", err)
	}

	hosts, err := f.store.ListHosts()
	if err != nil {
		return nil, fmt.Errorf("failed to list hosts: %w", err)
	}

	leases, err := f.store.ListLeases()
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	return &BurrowSnapshot{
		RecordSequence: sequence,
		Records:        records,
		Volumes:        volumes,
		VolumeCopies:   copies,
		VMs:            vms,
		Hosts:          hosts,
		Leases:         leases,
	}, nil
}

// Restore replaces the FSM state with a snapshot
// This is called when a node restarts or joins the cluster
func (f *BurrowFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var snapshot BurrowSnapshot
	if err := json.NewDecoder(rc).Decode(&snapshot); err != nil {
		return fmt.Errorf("failed to decode snapshot: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.Reset(); err != nil {
		return fmt.Errorf("failed to reset store: %w", err)
	}

	for _, rec := range snapshot.Records {
		if err := f.store.PutReconcileRecord(rec); err != nil {
			return fmt.Errorf("failed to restore reconcile record: %w", err)
		}
	}

	// Deleted rows may have advanced the sequence past the highest live ID
	if err := f.store.SetRecordSequence(snapshot.RecordSequence); err != nil {
		return fmt.Errorf("failed to restore record sequence: %w", err)
	}

	for _, v := range snapshot.Volumes {
		if err := f.store.PutVolume(v); err != nil {
			return fmt.Errorf("failed to restore volume: %w", err)
		}
	}

	for _, c := range snapshot.VolumeCopies {
		if err := f.store.PutVolumeCopy(c); err != nil {
			return fmt.Errorf("failed to restore volume copy: %w", err)
		}
	}

	for _, vm := range snapshot.VMs {
		if err := f.store.PutVM(vm); err != nil {
			return fmt.Errorf("failed to restore vm: %w", err)
		}
	}

	for _, h := range snapshot.Hosts {
		if err := f.store.PutHost(h); err != nil {
			return fmt.Errorf("failed to restore host: %w", err)
		}
	}

	for _, l := range snapshot.Leases {
		if err := f.store.PutLease(l); err != nil {
			return fmt.Errorf("failed to restore lease: %w", err)
		}
	}

	return nil
}

// BurrowSnapshot represents a point-in-time snapshot of replicated state
type BurrowSnapshot struct {
	RecordSequence uint64
	Records        []*types.ReconcileRecord
	Volumes        []*types.Volume
	VolumeCopies   []*types.VolumeCopy
	VMs            []*types.VirtualMachine
	Hosts          []*types.Host
	Leases         []*types.Lease
}

// Persist writes the snapshot to the given SnapshotSink
func (s *BurrowSnapshot) Persist(sink raft.SnapshotSink) error {
	err := func() error {
		if err := json.NewEncoder(sink).Encode(s); err != nil {
			return err
		}
		return sink.Close()
	}()

	if err != nil {
		sink.Cancel()
	}

	return err
}

// Release releases the snapshot resources
func (s *BurrowSnapshot) Release() {}
