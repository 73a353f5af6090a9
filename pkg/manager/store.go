package manager

import (
	"fmt"
	"time"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
)

// Manager implements storage.Store: writes are replicated through raft and
// reads are served from the local replica
var _ storage.Store = (*Manager)(nil)

// Reconcile record operations

// CreateReconcileRecord replicates a new record; the ID is assigned by the FSM
func (m *Manager) CreateReconcileRecord(rec *types.ReconcileRecord) (*types.ReconcileRecord, error) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	resp, err := m.propose(opCreateRecord, rec)
	if err != nil {
		return nil, err
	}
	created, ok := resp.(*types.ReconcileRecord)
	if !ok {
		return nil, fmt.Errorf("unexpected create response %T", resp)
	}
	return created, nil
}

func (m *Manager) PutReconcileRecord(rec *types.ReconcileRecord) error {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	_, err := m.propose(opPutRecord, rec)
	return err
}

// UpdateReconcileRecord re-reads the row from the local replica and
// replicates the mutated row. Writes only succeed on the leader, and the
// leader serializes them, so the read and the write cannot interleave with
// another update.
func (m *Manager) UpdateReconcileRecord(id uint64, fn func(*types.ReconcileRecord) error) (*types.ReconcileRecord, error) {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	current, err := m.store.GetReconcileRecord(id)
	if err != nil {
		return nil, err
	}
	if err := fn(current); err != nil {
		return nil, err
	}
	current.ID = id
	if _, err := m.propose(opPutRecord, current); err != nil {
		return nil, err
	}
	return current, nil
}

func (m *Manager) DeleteReconcileRecord(id uint64, check func(*types.ReconcileRecord) error) error {
	m.recordMu.Lock()
	defer m.recordMu.Unlock()

	current, err := m.store.GetReconcileRecord(id)
	if err != nil {
		return err
	}
	if check != nil {
		if err := check(current); err != nil {
			return err
		}
	}
	_, err = m.propose(opDeleteRecord, id)
	return err
}

func (m *Manager) GetReconcileRecord(id uint64) (*types.ReconcileRecord, error) {
	return m.store.GetReconcileRecord(id)
}

func (m *Manager) GetReconcileRecordByKey(seq int64, signature string) (*types.ReconcileRecord, error) {
	return m.store.GetReconcileRecordByKey(seq, signature)
}

func (m *Manager) ListReconcileRecords() ([]*types.ReconcileRecord, error) {
	return m.store.ListReconcileRecords()
}

func (m *Manager) ListReconcileRecordsByState(states ...types.ManagementState) ([]*types.ReconcileRecord, error) {
	return m.store.ListReconcileRecordsByState(states...)
}

func (m *Manager) ListReconcileRecordsByResource(rt types.ResourceType, id int64) ([]*types.ReconcileRecord, error) {
	return m.store.ListReconcileRecordsByResource(rt, id)
}

// Volume operations

func (m *Manager) PutVolume(v *types.Volume) error {
	_, err := m.propose(opPutVolume, v)
	return err
}

func (m *Manager) DeleteVolume(id int64) error {
	_, err := m.propose(opDeleteVolume, id)
	return err
}

func (m *Manager) PutVolumeCopy(c *types.VolumeCopy) error {
	_, err := m.propose(opPutVolumeCopy, c)
	return err
}

func (m *Manager) DeleteVolumeCopy(id int64) error {
	_, err := m.propose(opDeleteVolumeCopy, id)
	return err
}

func (m *Manager) ApplyConvergence(volumes []*types.Volume, dropCopies []int64) error {
	_, err := m.propose(opApplyConvergence, convergenceCommand{Volumes: volumes, DropCopies: dropCopies})
	return err
}

func (m *Manager) GetVolume(id int64) (*types.Volume, error) {
	return m.store.GetVolume(id)
}

func (m *Manager) ListVolumes() ([]*types.Volume, error) {
	return m.store.ListVolumes()
}

func (m *Manager) ListVolumesByInstance(vmID int64) ([]*types.Volume, error) {
	return m.store.ListVolumesByInstance(vmID)
}

func (m *Manager) ListVolumesByLastID(lastID int64) ([]*types.Volume, error) {
	return m.store.ListVolumesByLastID(lastID)
}

func (m *Manager) ListVolumeCopies(volumeID int64) ([]*types.VolumeCopy, error) {
	return m.store.ListVolumeCopies(volumeID)
}

// VM operations

func (m *Manager) PutVM(vm *types.VirtualMachine) error {
	_, err := m.propose(opPutVM, vm)
	return err
}

func (m *Manager) DeleteVM(id int64) error {
	_, err := m.propose(opDeleteVM, id)
	return err
}

func (m *Manager) GetVM(id int64) (*types.VirtualMachine, error) {
	return m.store.GetVM(id)
}

func (m *Manager) ListVMs() ([]*types.VirtualMachine, error) {
	return m.store.ListVMs()
}

// Host operations

func (m *Manager) PutHost(h *types.Host) error {
	_, err := m.propose(opPutHost, h)
	return err
}

func (m *Manager) DeleteHost(id int64) error {
	_, err := m.propose(opDeleteHost, id)
	return err
}

func (m *Manager) GetHost(id int64) (*types.Host, error) {
	return m.store.GetHost(id)
}

func (m *Manager) ListHosts() ([]*types.Host, error) {
	return m.store.ListHosts()
}

// Lease operations

// AcquireLease replicates a lease acquisition judged at now
func (m *Manager) AcquireLease(name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	resp, err := m.propose(opAcquireLease, leaseCommand{Name: name, Holder: holder, Now: now, TTL: ttl})
	if err != nil {
		return false, err
	}
	acquired, ok := resp.(bool)
	if !ok {
		return false, fmt.Errorf("unexpected lease response %T", resp)
	}
	return acquired, nil
}

func (m *Manager) ReleaseLease(name, holder string) error {
	_, err := m.propose(opReleaseLease, leaseCommand{Name: name, Holder: holder})
	return err
}

func (m *Manager) ListLeases() ([]*types.Lease, error) {
	return m.store.ListLeases()
}

// Close is a no-op; the local store is closed by Shutdown
func (m *Manager) Close() error {
	return nil
}
