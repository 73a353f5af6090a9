package storage

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketRecords         = []byte("reconcile_records")
	bucketRecordKeys      = []byte("reconcile_keys")
	bucketRecordStates    = []byte("reconcile_by_state")
	bucketRecordResources = []byte("reconcile_by_resource")
	bucketVolumes         = []byte("volumes")
	bucketVolumeCopies    = []byte("volume_copies")
	bucketVMs             = []byte("vms")
	bucketHosts           = []byte("hosts")
	bucketLeases          = []byte("leases")

	allBuckets = [][]byte{
		bucketRecords,
		bucketRecordKeys,
		bucketRecordStates,
		bucketRecordResources,
		bucketVolumes,
		bucketVolumeCopies,
		bucketVMs,
		bucketHosts,
		bucketLeases,
	}
)

// DBFile is the database file name inside the data directory
const DBFile = "burrow.db"

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, DBFile)

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func idKey(id int64) []byte {
	return itob(uint64(id))
}

func recordKey(seq int64, signature string) []byte {
	return append(itob(uint64(seq)), signature...)
}

func statePrefix(state types.ManagementState) []byte {
	return append([]byte(state), 0)
}

func stateKey(state types.ManagementState, id uint64) []byte {
	return append(statePrefix(state), itob(id)...)
}

func resourcePrefix(rt types.ResourceType, rid int64) []byte {
	k := append([]byte(rt), 0)
	return append(k, idKey(rid)...)
}

func resourceKey(rt types.ResourceType, rid int64, id uint64) []byte {
	return append(resourcePrefix(rt, rid), itob(id)...)
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Reconcile record operations

func getRecordTx(tx *bolt.Tx, id uint64) (*types.ReconcileRecord, error) {
	data := tx.Bucket(bucketRecords).Get(itob(id))
	if data == nil {
		return nil, fmt.Errorf("reconcile record %d: %w", id, ErrNotFound)
	}
	var rec types.ReconcileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func deleteRecordIndexesTx(tx *bolt.Tx, rec *types.ReconcileRecord) error {
	if err := tx.Bucket(bucketRecordKeys).Delete(recordKey(rec.RequestSequence, rec.OperationSignature)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketRecordStates).Delete(stateKey(rec.StateByManagement, rec.ID)); err != nil {
		return err
	}
	if rec.ResourceType != types.ResourceNone {
		if err := tx.Bucket(bucketRecordResources).Delete(resourceKey(rec.ResourceType, rec.ResourceID, rec.ID)); err != nil {
			return err
		}
	}
	return nil
}

func putRecordTx(tx *bolt.Tx, old, rec *types.ReconcileRecord) error {
	if old != nil {
		if err := deleteRecordIndexesTx(tx, old); err != nil {
			return err
		}
	}

	keys := tx.Bucket(bucketRecordKeys)
	key := recordKey(rec.RequestSequence, rec.OperationSignature)
	if owner := keys.Get(key); owner != nil && binary.BigEndian.Uint64(owner) != rec.ID {
		return fmt.Errorf("reconcile record %s: %w", rec.Key(), ErrExists)
	}
	if err := keys.Put(key, itob(rec.ID)); err != nil {
		return err
	}
	if err := tx.Bucket(bucketRecordStates).Put(stateKey(rec.StateByManagement, rec.ID), nil); err != nil {
		return err
	}
	if rec.ResourceType != types.ResourceNone {
		if err := tx.Bucket(bucketRecordResources).Put(resourceKey(rec.ResourceType, rec.ResourceID, rec.ID), nil); err != nil {
			return err
		}
	}
	return putJSON(tx.Bucket(bucketRecords), itob(rec.ID), rec)
}

func (s *BoltStore) CreateReconcileRecord(rec *types.ReconcileRecord) (*types.ReconcileRecord, error) {
	created := rec.Clone()
	err := s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRecordKeys).Get(recordKey(rec.RequestSequence, rec.OperationSignature)) != nil {
			return fmt.Errorf("reconcile record %s: %w", rec.Key(), ErrExists)
		}
		id, err := tx.Bucket(bucketRecords).NextSequence()
		if err != nil {
			return err
		}
		created.ID = id
		return putRecordTx(tx, nil, created)
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *BoltStore) PutReconcileRecord(rec *types.ReconcileRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		old, err := getRecordTx(tx, rec.ID)
		if err != nil && !isNotFound(err) {
			return err
		}
		if old == nil {
			// Keep the sequence ahead of restored IDs
			b := tx.Bucket(bucketRecords)
			if b.Sequence() < rec.ID {
				if err := b.SetSequence(rec.ID); err != nil {
					return err
				}
			}
		}
		return putRecordTx(tx, old, rec)
	})
}

func (s *BoltStore) GetReconcileRecord(id uint64) (*types.ReconcileRecord, error) {
	var rec *types.ReconcileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		rec, err = getRecordTx(tx, id)
		return err
	})
	return rec, err
}

func (s *BoltStore) GetReconcileRecordByKey(seq int64, signature string) (*types.ReconcileRecord, error) {
	var rec *types.ReconcileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		id := tx.Bucket(bucketRecordKeys).Get(recordKey(seq, signature))
		if id == nil {
			return fmt.Errorf("reconcile record %d/%s: %w", seq, signature, ErrNotFound)
		}
		var err error
		rec, err = getRecordTx(tx, binary.BigEndian.Uint64(id))
		return err
	})
	return rec, err
}

func (s *BoltStore) UpdateReconcileRecord(id uint64, fn func(*types.ReconcileRecord) error) (*types.ReconcileRecord, error) {
	var updated *types.ReconcileRecord
	err := s.db.Update(func(tx *bolt.Tx) error {
		old, err := getRecordTx(tx, id)
		if err != nil {
			return err
		}
		rec := old.Clone()
		if err := fn(rec); err != nil {
			return err
		}
		rec.ID = id
		updated = rec
		return putRecordTx(tx, old, rec)
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BoltStore) DeleteReconcileRecord(id uint64, check func(*types.ReconcileRecord) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		rec, err := getRecordTx(tx, id)
		if err != nil {
			return err
		}
		if check != nil {
			if err := check(rec); err != nil {
				return err
			}
		}
		if err := deleteRecordIndexesTx(tx, rec); err != nil {
			return err
		}
		return tx.Bucket(bucketRecords).Delete(itob(id))
	})
}

func (s *BoltStore) ListReconcileRecords() ([]*types.ReconcileRecord, error) {
	var recs []*types.ReconcileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).ForEach(func(k, v []byte) error {
			var rec types.ReconcileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			recs = append(recs, &rec)
			return nil
		})
	})
	return recs, err
}

func (s *BoltStore) ListReconcileRecordsByState(states ...types.ManagementState) ([]*types.ReconcileRecord, error) {
	var recs []*types.ReconcileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecordStates).Cursor()
		for _, state := range states {
			prefix := statePrefix(state)
			for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
				rec, err := getRecordTx(tx, binary.BigEndian.Uint64(k[len(prefix):]))
				if err != nil {
					return err
				}
				recs = append(recs, rec)
			}
		}
		return nil
	})
	return recs, err
}

func (s *BoltStore) ListReconcileRecordsByResource(rt types.ResourceType, rid int64) ([]*types.ReconcileRecord, error) {
	var recs []*types.ReconcileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRecordResources).Cursor()
		prefix := resourcePrefix(rt, rid)
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rec, err := getRecordTx(tx, binary.BigEndian.Uint64(k[len(prefix):]))
			if err != nil {
				return err
			}
			recs = append(recs, rec)
		}
		return nil
	})
	return recs, err
}

// Volume operations

func (s *BoltStore) PutVolume(v *types.Volume) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketVolumes), idKey(v.ID), v)
	})
}

func (s *BoltStore) GetVolume(id int64) (*types.Volume, error) {
	var v types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVolumes).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("volume %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return &v, nil
}

func (s *BoltStore) DeleteVolume(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).Delete(idKey(id))
	})
}

func (s *BoltStore) listVolumes(match func(*types.Volume) bool) ([]*types.Volume, error) {
	var vols []*types.Volume
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumes).ForEach(func(k, v []byte) error {
			var vol types.Volume
			if err := json.Unmarshal(v, &vol); err != nil {
				return err
			}
			if match(&vol) {
				vols = append(vols, &vol)
			}
			return nil
		})
	})
	return vols, err
}

func (s *BoltStore) ListVolumes() ([]*types.Volume, error) {
	return s.listVolumes(func(*types.Volume) bool { return true })
}

func (s *BoltStore) ListVolumesByInstance(vmID int64) ([]*types.Volume, error) {
	return s.listVolumes(func(v *types.Volume) bool { return v.InstanceID == vmID })
}

func (s *BoltStore) ListVolumesByLastID(lastID int64) ([]*types.Volume, error) {
	return s.listVolumes(func(v *types.Volume) bool { return v.LastID == lastID && v.ID != lastID })
}

// Volume copy tracking operations

func (s *BoltStore) PutVolumeCopy(c *types.VolumeCopy) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketVolumeCopies), idKey(c.ID), c)
	})
}

func (s *BoltStore) ListVolumeCopies(volumeID int64) ([]*types.VolumeCopy, error) {
	var copies []*types.VolumeCopy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumeCopies).ForEach(func(k, v []byte) error {
			var c types.VolumeCopy
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			if c.VolumeID == volumeID {
				copies = append(copies, &c)
			}
			return nil
		})
	})
	return copies, err
}

func (s *BoltStore) DeleteVolumeCopy(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumeCopies).Delete(idKey(id))
	})
}

func (s *BoltStore) ApplyConvergence(volumes []*types.Volume, dropCopies []int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		vb := tx.Bucket(bucketVolumes)
		for _, v := range volumes {
			if err := putJSON(vb, idKey(v.ID), v); err != nil {
				return err
			}
		}
		cb := tx.Bucket(bucketVolumeCopies)
		for _, id := range dropCopies {
			if err := cb.Delete(idKey(id)); err != nil {
				return err
			}
		}
		return nil
	})
}

// VM operations

func (s *BoltStore) PutVM(vm *types.VirtualMachine) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketVMs), idKey(vm.ID), vm)
	})
}

func (s *BoltStore) GetVM(id int64) (*types.VirtualMachine, error) {
	var vm types.VirtualMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketVMs).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("vm %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &vm)
	})
	if err != nil {
		return nil, err
	}
	return &vm, nil
}

func (s *BoltStore) ListVMs() ([]*types.VirtualMachine, error) {
	var vms []*types.VirtualMachine
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).ForEach(func(k, v []byte) error {
			var vm types.VirtualMachine
			if err := json.Unmarshal(v, &vm); err != nil {
				return err
			}
			vms = append(vms, &vm)
			return nil
		})
	})
	return vms, err
}

func (s *BoltStore) DeleteVM(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVMs).Delete(idKey(id))
	})
}

// Host operations

func (s *BoltStore) PutHost(h *types.Host) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketHosts), idKey(h.ID), h)
	})
}

func (s *BoltStore) GetHost(id int64) (*types.Host, error) {
	var h types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketHosts).Get(idKey(id))
		if data == nil {
			return fmt.Errorf("host %d: %w", id, ErrNotFound)
		}
		return json.Unmarshal(data, &h)
	})
	if err != nil {
		return nil, err
	}
	return &h, nil
}

func (s *BoltStore) ListHosts() ([]*types.Host, error) {
	var hosts []*types.Host
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).ForEach(func(k, v []byte) error {
			var h types.Host
			if err := json.Unmarshal(v, &h); err != nil {
				return err
			}
			hosts = append(hosts, &h)
			return nil
		})
	})
	return hosts, err
}

func (s *BoltStore) DeleteHost(id int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketHosts).Delete(idKey(id))
	})
}

// Lease operations

func (s *BoltStore) AcquireLease(name, holder string, now time.Time, ttl time.Duration) (bool, error) {
	acquired := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		if data := b.Get([]byte(name)); data != nil {
			var current types.Lease
			if err := json.Unmarshal(data, &current); err != nil {
				return err
			}
			if current.Holder != holder && now.Before(current.ExpiresAt) {
				return nil
			}
		}
		acquired = true
		return putJSON(b, []byte(name), &types.Lease{
			Name:      name,
			Holder:    holder,
			ExpiresAt: now.Add(ttl),
		})
	})
	return acquired, err
}

func (s *BoltStore) ReleaseLease(name, holder string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLeases)
		data := b.Get([]byte(name))
		if data == nil {
			return nil
		}
		var current types.Lease
		if err := json.Unmarshal(data, &current); err != nil {
			return err
		}
		if current.Holder != holder {
			return nil
		}
		return b.Delete([]byte(name))
	})
}

func (s *BoltStore) ListLeases() ([]*types.Lease, error) {
	var leases []*types.Lease
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketLeases).ForEach(func(k, v []byte) error {
			var l types.Lease
			if err := json.Unmarshal(v, &l); err != nil {
				return err
			}
			leases = append(leases, &l)
			return nil
		})
	})
	return leases, err
}

// PutLease stores a lease row as-is; used when restoring snapshots
func (s *BoltStore) PutLease(l *types.Lease) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketLeases), []byte(l.Name), l)
	})
}

// Snapshot support

// ListAllVolumeCopies returns every copy tracking row
func (s *BoltStore) ListAllVolumeCopies() ([]*types.VolumeCopy, error) {
	var copies []*types.VolumeCopy
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketVolumeCopies).ForEach(func(k, v []byte) error {
			var c types.VolumeCopy
			if err := json.Unmarshal(v, &c); err != nil {
				return err
			}
			copies = append(copies, &c)
			return nil
		})
	})
	return copies, err
}

// RecordSequence returns the last reconcile record ID handed out
func (s *BoltStore) RecordSequence() (uint64, error) {
	var seq uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		seq = tx.Bucket(bucketRecords).Sequence()
		return nil
	})
	return seq, err
}

// SetRecordSequence sets the last reconcile record ID handed out
func (s *BoltStore) SetRecordSequence(seq uint64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecords).SetSequence(seq)
	})
}

// Reset drops every row in every bucket
func (s *BoltStore) Reset() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return fmt.Errorf("failed to drop bucket %s: %w", name, err)
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", name, err)
			}
		}
		return nil
	})
}
