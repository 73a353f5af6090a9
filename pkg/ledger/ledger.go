package ledger

import (
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock"
)

// ErrAgentStateMismatch is returned by Remove when the stored agent state
// differs from the one the caller expected
var ErrAgentStateMismatch = errors.New("agent state mismatch")

var errUnchanged = errors.New("record unchanged")

// interruptible are the states a record leaves when its owner or its host goes away
var interruptible = map[types.ManagementState]bool{
	types.StateCreated:        true,
	types.StateReconciling:    true,
	types.StateReconcileRetry: true,
}

// Ledger is the durable store of in-flight reconcilable operations
type Ledger struct {
	store storage.RecordStore
	clock clock.Clock
}

// New creates a ledger over a record store
func New(store storage.RecordStore, clk clock.Clock) *Ledger {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Ledger{store: store, clock: clk}
}

// Put stores a record under its (sequence, signature) key. A new key gets a
// fresh row; an existing key has its row overwritten.
func (l *Ledger) Put(rec *types.ReconcileRecord) (*types.ReconcileRecord, error) {
	now := l.clock.Now()
	if rec.Created.IsZero() {
		rec.Created = now
	}
	rec.Updated = now

	existing, err := l.store.GetReconcileRecordByKey(rec.RequestSequence, rec.OperationSignature)
	switch {
	case err == nil:
		row := rec.Clone()
		row.ID = existing.ID
		row.Created = existing.Created
		if err := l.store.PutReconcileRecord(row); err != nil {
			return nil, fmt.Errorf("failed to put reconcile record %s: %w", rec.Key(), err)
		}
		return row, nil
	case errors.Is(err, storage.ErrNotFound):
		created, err := l.store.CreateReconcileRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("failed to create reconcile record %s: %w", rec.Key(), err)
		}
		return created, nil
	default:
		return nil, fmt.Errorf("failed to get reconcile record %s: %w", rec.Key(), err)
	}
}

// Get returns the record for a key, or storage.ErrNotFound
func (l *Ledger) Get(seq int64, signature string) (*types.ReconcileRecord, error) {
	return l.store.GetReconcileRecordByKey(seq, signature)
}

// GetByID returns the record with the given row ID
func (l *Ledger) GetByID(id uint64) (*types.ReconcileRecord, error) {
	return l.store.GetReconcileRecord(id)
}

// Update re-reads the record and applies mutator to the fresh row. The row
// is only written, and Updated only bumped, when mutator changed something.
func (l *Ledger) Update(id uint64, mutator func(*types.ReconcileRecord)) (*types.ReconcileRecord, error) {
	var current *types.ReconcileRecord
	updated, err := l.store.UpdateReconcileRecord(id, func(rec *types.ReconcileRecord) error {
		before := rec.Clone()
		mutator(rec)
		if cmp.Equal(before, rec) {
			current = before
			return errUnchanged
		}
		rec.Updated = l.clock.Now()
		return nil
	})
	if errors.Is(err, errUnchanged) {
		return current, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update reconcile record %d: %w", id, err)
	}
	return updated, nil
}

// Remove deletes the record for a key. When expected is non-nil the row is
// only deleted if its agent state still matches. Removing a missing record
// is not an error.
func (l *Ledger) Remove(seq int64, signature string, expected *types.AgentState) error {
	rec, err := l.store.GetReconcileRecordByKey(seq, signature)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get reconcile record %d/%s: %w", seq, signature, err)
	}

	err = l.store.DeleteReconcileRecord(rec.ID, func(current *types.ReconcileRecord) error {
		if expected != nil && current.StateByAgent != *expected {
			return fmt.Errorf("%w: have %q, want %q", ErrAgentStateMismatch, current.StateByAgent, *expected)
		}
		return nil
	})
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// ListNeedingAttention returns records in any of the given management
// states, or in types.AttentionStates when none are given
func (l *Ledger) ListNeedingAttention(states ...types.ManagementState) ([]*types.ReconcileRecord, error) {
	if len(states) == 0 {
		states = types.AttentionStates
	}
	recs, err := l.store.ListReconcileRecordsByState(states...)
	if err != nil {
		return nil, fmt.Errorf("failed to list reconcile records: %w", err)
	}
	return recs, nil
}

// List returns every record in the ledger
func (l *Ledger) List() ([]*types.ReconcileRecord, error) {
	return l.store.ListReconcileRecords()
}

// ListByResource returns the records pointing at one domain object
func (l *Ledger) ListByResource(rt types.ResourceType, id int64) ([]*types.ReconcileRecord, error) {
	return l.store.ListReconcileRecordsByResource(rt, id)
}

// MarkInterruptedByManagementServer moves every active record owned by a
// management server to INTERRUPTED and returns how many were changed
func (l *Ledger) MarkInterruptedByManagementServer(msid string) (int, error) {
	return l.markInterrupted(func(rec *types.ReconcileRecord) bool {
		return rec.ManagementServerID == msid
	})
}

// MarkInterruptedByHost moves every active record pinned to a host to
// INTERRUPTED and returns how many were changed
func (l *Ledger) MarkInterruptedByHost(hostID int64) (int, error) {
	return l.markInterrupted(func(rec *types.ReconcileRecord) bool {
		return rec.HostID == hostID
	})
}

func (l *Ledger) markInterrupted(match func(*types.ReconcileRecord) bool) (int, error) {
	states := make([]types.ManagementState, 0, len(interruptible))
	for s := range interruptible {
		states = append(states, s)
	}
	recs, err := l.store.ListReconcileRecordsByState(states...)
	if err != nil {
		return 0, fmt.Errorf("failed to list reconcile records: %w", err)
	}

	marked := 0
	for _, rec := range recs {
		if !match(rec) {
			continue
		}
		changed := false
		_, err := l.Update(rec.ID, func(r *types.ReconcileRecord) {
			// Re-check against the fresh row
			if match(r) && interruptible[r.StateByManagement] {
				r.StateByManagement = types.StateInterrupted
				changed = true
			}
		})
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return marked, err
		}
		if changed {
			marked++
		}
	}
	return marked, nil
}
