package storage

import (
	"errors"
	"time"

	"github.com/cuemby/burrow/pkg/types"
)

var (
	// ErrNotFound is returned when a row does not exist
	ErrNotFound = errors.New("not found")

	// ErrExists is returned when creating a row whose unique key is taken
	ErrExists = errors.New("already exists")
)

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// RecordStore persists reconcile ledger rows
type RecordStore interface {
	// CreateReconcileRecord assigns an ID and stores a new row.
	// It fails with ErrExists when the (sequence, signature) key is taken.
	CreateReconcileRecord(rec *types.ReconcileRecord) (*types.ReconcileRecord, error)
	// PutReconcileRecord stores a row under its existing ID
	PutReconcileRecord(rec *types.ReconcileRecord) error
	GetReconcileRecord(id uint64) (*types.ReconcileRecord, error)
	GetReconcileRecordByKey(seq int64, signature string) (*types.ReconcileRecord, error)
	// UpdateReconcileRecord re-reads the row and applies fn to it atomically
	UpdateReconcileRecord(id uint64, fn func(*types.ReconcileRecord) error) (*types.ReconcileRecord, error)
	// DeleteReconcileRecord removes the row if check (when non-nil) accepts the current value
	DeleteReconcileRecord(id uint64, check func(*types.ReconcileRecord) error) error
	ListReconcileRecords() ([]*types.ReconcileRecord, error)
	ListReconcileRecordsByState(states ...types.ManagementState) ([]*types.ReconcileRecord, error)
	ListReconcileRecordsByResource(rt types.ResourceType, id int64) ([]*types.ReconcileRecord, error)
}

// DomainReader is the read side of the volume, VM and host tables
type DomainReader interface {
	GetVolume(id int64) (*types.Volume, error)
	ListVolumes() ([]*types.Volume, error)
	ListVolumesByInstance(vmID int64) ([]*types.Volume, error)
	ListVolumesByLastID(lastID int64) ([]*types.Volume, error)
	ListVolumeCopies(volumeID int64) ([]*types.VolumeCopy, error)
	GetVM(id int64) (*types.VirtualMachine, error)
	ListVMs() ([]*types.VirtualMachine, error)
	GetHost(id int64) (*types.Host, error)
	ListHosts() ([]*types.Host, error)
}

// DomainStore reads and writes volume, VM and host rows
type DomainStore interface {
	DomainReader

	PutVolume(v *types.Volume) error
	DeleteVolume(id int64) error
	PutVolumeCopy(c *types.VolumeCopy) error
	DeleteVolumeCopy(id int64) error
	PutVM(vm *types.VirtualMachine) error
	DeleteVM(id int64) error
	PutHost(h *types.Host) error
	DeleteHost(id int64) error

	// ApplyConvergence writes a set of volume rows and drops copy tracking
	// rows in one transaction
	ApplyConvergence(volumes []*types.Volume, dropCopies []int64) error
}

// LeaseStore persists short-lived named leases
type LeaseStore interface {
	// AcquireLease grants or renews the lease to holder unless another
	// holder owns an unexpired lease at now
	AcquireLease(name, holder string, now time.Time, ttl time.Duration) (bool, error)
	ReleaseLease(name, holder string) error
	ListLeases() ([]*types.Lease, error)
}

// Store defines the interface for all burrow state storage
type Store interface {
	RecordStore
	DomainStore
	LeaseStore

	// Utility
	Close() error
}
