package types

import (
	"fmt"
	"time"
)

// ManagementState is the control plane's view of a reconcilable operation
type ManagementState string

const (
	StateCreated          ManagementState = "CREATED"
	StateReconciling      ManagementState = "RECONCILING"
	StateReconcileRetry   ManagementState = "RECONCILE_RETRY"
	StateReconcileFailed  ManagementState = "RECONCILE_FAILED"
	StateReconciled       ManagementState = "RECONCILED"
	StateReconcileSkipped ManagementState = "RECONCILE_SKIPPED"
	StateInterrupted      ManagementState = "INTERRUPTED"
	StateTimedOut         ManagementState = "TIMED_OUT"
)

// AttentionStates are the management states the scheduler selects on every pass
var AttentionStates = []ManagementState{
	StateInterrupted,
	StateTimedOut,
	StateReconcileRetry,
	StateReconciling,
	StateReconcileFailed,
	StateCreated,
}

// Valid reports whether s is a known management state
func (s ManagementState) Valid() bool {
	switch s {
	case StateCreated, StateReconciling, StateReconcileRetry, StateReconcileFailed,
		StateReconciled, StateReconcileSkipped, StateInterrupted, StateTimedOut:
		return true
	}
	return false
}

// Terminal reports whether no further reconciliation is attempted from this state
func (s ManagementState) Terminal() bool {
	return s == StateReconciled || s == StateReconcileSkipped
}

// AgentState is the last state an agent reported for an operation.
// The zero value means the agent has not reported anything yet.
type AgentState string

const (
	AgentStateNone                AgentState = ""
	AgentStateStarted             AgentState = "STARTED"
	AgentStateProcessing          AgentState = "PROCESSING"
	AgentStateProcessingInBackend AgentState = "PROCESSING_IN_BACKEND"
	AgentStateCompleted           AgentState = "COMPLETED"
	AgentStateFailed              AgentState = "FAILED"
	AgentStateInterrupted         AgentState = "INTERRUPTED"
	AgentStateDangledInBackend    AgentState = "DANGLED_IN_BACKEND"
)

// InFlight reports whether the agent claims the operation is still running
func (s AgentState) InFlight() bool {
	switch s {
	case AgentStateStarted, AgentStateProcessing, AgentStateProcessingInBackend:
		return true
	}
	return false
}

// Finished reports whether the agent reported a final outcome
func (s AgentState) Finished() bool {
	return s == AgentStateCompleted || s == AgentStateFailed
}

// ResourceType names the kind of domain object a record points at
type ResourceType string

const (
	ResourceNone           ResourceType = ""
	ResourceVolume         ResourceType = "Volume"
	ResourceVirtualMachine ResourceType = "VirtualMachine"
)

// RecordKey is the unique identity of one in-flight operation
type RecordKey struct {
	RequestSequence    int64
	OperationSignature string
}

func (k RecordKey) String() string {
	return fmt.Sprintf("%d/%s", k.RequestSequence, k.OperationSignature)
}

// ReconcileRecord is the ledger row for one in-flight reconcilable operation
type ReconcileRecord struct {
	ID                 uint64
	RequestSequence    int64
	OperationSignature string
	ManagementServerID string
	OperationName      string
	OperationPayload   []byte
	StateByManagement  ManagementState
	StateByAgent       AgentState
	HostID             int64
	RetryCount         int
	ResourceType       ResourceType
	ResourceID         int64
	AnswerName         string
	AnswerPayload      []byte
	Created            time.Time
	Updated            time.Time
}

// Key returns the record's unique key
func (r *ReconcileRecord) Key() RecordKey {
	return RecordKey{RequestSequence: r.RequestSequence, OperationSignature: r.OperationSignature}
}

// Clone returns a deep copy of the record
func (r *ReconcileRecord) Clone() *ReconcileRecord {
	c := *r
	if r.OperationPayload != nil {
		c.OperationPayload = append([]byte(nil), r.OperationPayload...)
	}
	if r.AnswerPayload != nil {
		c.AnswerPayload = append([]byte(nil), r.AnswerPayload...)
	}
	return &c
}

// VolumeState is the lifecycle state of a volume row
type VolumeState string

const (
	VolumeCreating  VolumeState = "Creating"
	VolumeMigrating VolumeState = "Migrating"
	VolumeReady     VolumeState = "Ready"
	VolumeDestroy   VolumeState = "Destroy"
)

// Volume is a block volume on a primary storage pool
type Volume struct {
	ID         int64
	UUID       string
	Name       string
	State      VolumeState
	PoolID     int64
	Path       string
	Size       int64
	InstanceID int64 // 0 when detached
	LastID     int64 // volume this row shadows during a copy or migration
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Attached reports whether the volume is attached to a VM
func (v *Volume) Attached() bool {
	return v.InstanceID != 0
}

// CopyState is the state of a volume copy tracking row
type CopyState string

const (
	CopyCreating CopyState = "Creating"
	CopyCopying  CopyState = "Copying"
	CopyReady    CopyState = "Ready"
)

// VolumeCopy tracks a copy of a volume onto another data store
type VolumeCopy struct {
	ID        int64
	VolumeID  int64
	StoreID   int64
	State     CopyState
	CreatedAt time.Time
}

// VMState is the power/lifecycle state of a virtual machine
type VMState string

const (
	VMRunning   VMState = "Running"
	VMStopped   VMState = "Stopped"
	VMMigrating VMState = "Migrating"
	VMUnknown   VMState = "Unknown"
)

// VirtualMachine is a guest instance
type VirtualMachine struct {
	ID         int64
	Name       string
	State      VMState
	HostID     int64
	LastHostID int64
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// HostStatus represents the current state of a compute-node agent
type HostStatus string

const (
	HostStatusUp           HostStatus = "Up"
	HostStatusDown         HostStatus = "Down"
	HostStatusDisconnected HostStatus = "Disconnected"
	HostStatusRemoved      HostStatus = "Removed"
)

// Host is a compute node running an agent
type Host struct {
	ID            int64
	Name          string
	Address       string // agent probe endpoint (host:port)
	ZoneID        int64
	PoolIDs       []int64 // primary pools the host can reach
	Status        HostStatus
	LastHeartbeat time.Time
	CreatedAt     time.Time
}

// Usable reports whether the host can currently receive probes
func (h *Host) Usable() bool {
	return h.Status == HostStatusUp
}

// CanReachPool reports whether the host has access to a primary pool
func (h *Host) CanReachPool(poolID int64) bool {
	for _, id := range h.PoolIDs {
		if id == poolID {
			return true
		}
	}
	return false
}

// Lease is a short-lived named mutual-exclusion lease
type Lease struct {
	Name      string
	Holder    string
	ExpiresAt time.Time
}
