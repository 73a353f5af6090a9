package resolver

import (
	"errors"
	"fmt"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
)

// Verdict is the outcome of comparing ground truth with persisted state
type Verdict string

const (
	// Converged means persisted state now matches ground truth and the
	// record can be removed
	Converged Verdict = "converged"

	// Retry means the answer was ambiguous; the record is re-armed without
	// counting an attempt
	Retry Verdict = "retry"

	// Failed means the agent reported the probe itself failed
	Failed Verdict = "failed"
)

// Input is everything needed to decide one record
type Input struct {
	Record *types.ReconcileRecord
	Op     *codec.Operation

	// Previous is the answer stored on the record by an earlier probe or
	// heartbeat, nil when none was stored
	Previous *codec.Answer
	Answer   *codec.Answer
}

// Decision is a verdict plus the domain writes that realise it
type Decision struct {
	Verdict    Verdict
	Reason     string
	Volumes    []*types.Volume
	DropCopies []int64
}

// Empty reports whether applying the decision writes nothing
func (d *Decision) Empty() bool {
	return len(d.Volumes) == 0 && len(d.DropCopies) == 0
}

// Resolver rewrites volume state to match agent ground truth. It is the only
// writer of volume rows in the reconciliation path.
type Resolver struct {
	store  storage.DomainStore
	clock  clock.Clock
	logger zerolog.Logger
}

// New creates a resolver over the domain tables
func New(store storage.DomainStore, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.WallClock
	}
	return &Resolver{
		store:  store,
		clock:  clk,
		logger: log.WithComponent("resolver"),
	}
}

// Resolve decides what in's answer means for persisted state. It reads
// current rows but writes nothing; decisions only carry rows that differ
// from what is stored, so resolving the same input twice after applying
// the first decision yields an empty decision.
func (r *Resolver) Resolve(in Input) (*Decision, error) {
	d, err := r.resolve(in)
	if err != nil {
		return nil, err
	}
	metrics.DecisionsTotal.WithLabelValues(string(in.Op.Kind), string(d.Verdict)).Inc()
	return d, nil
}

func (r *Resolver) resolve(in Input) (*Decision, error) {
	if in.Answer == nil {
		return retry("no answer"), nil
	}
	if !in.Answer.Result && !in.Answer.Skipped {
		return &Decision{Verdict: Failed, Reason: in.Answer.Details}, nil
	}

	b := newBatch(r.store, r.clock)
	var (
		d   *Decision
		err error
	)
	switch in.Op.Kind {
	case codec.KindMigrateVM:
		d, err = r.resolveMigrateVM(b, in)
	case codec.KindCopyVolume:
		d, err = r.resolveCopy(b, in)
	case codec.KindMigrateVolume:
		d, err = r.resolveMigrateVolume(b, in)
	default:
		return nil, fmt.Errorf("%w: %q", codec.ErrUnknownKind, in.Op.Kind)
	}
	if err != nil {
		return nil, err
	}
	if d.Verdict == Converged {
		d.Volumes, d.DropCopies = b.changes()
	}
	return d, nil
}

// Apply writes a converged decision's rows in one transaction
func (r *Resolver) Apply(rec *types.ReconcileRecord, d *Decision) error {
	if d.Verdict != Converged || d.Empty() {
		return nil
	}
	if err := r.store.ApplyConvergence(d.Volumes, d.DropCopies); err != nil {
		return fmt.Errorf("failed to apply convergence: %w", err)
	}

	logger := log.WithRecord(r.logger, rec.RequestSequence, rec.OperationSignature)
	for _, v := range d.Volumes {
		logger.Info().
			Int64("volume_id", v.ID).
			Str("state", string(v.State)).
			Int64("instance_id", v.InstanceID).
			Msg("Volume converged")
	}
	return nil
}

func retry(format string, args ...interface{}) *Decision {
	return &Decision{Verdict: Retry, Reason: fmt.Sprintf(format, args...)}
}

func converged(format string, args ...interface{}) *Decision {
	return &Decision{Verdict: Converged, Reason: fmt.Sprintf(format, args...)}
}

// batch collects edits to volume rows and remembers the stored originals so
// only real changes are emitted
type batch struct {
	store    storage.DomainReader
	clock    clock.Clock
	original map[int64]*types.Volume
	edited   map[int64]*types.Volume
	order    []int64
	drops    []int64
}

func newBatch(store storage.DomainReader, clk clock.Clock) *batch {
	return &batch{
		store:    store,
		clock:    clk,
		original: make(map[int64]*types.Volume),
		edited:   make(map[int64]*types.Volume),
	}
}

// volume returns the working copy of a row, nil when it does not exist
func (b *batch) volume(id int64) (*types.Volume, error) {
	if id == 0 {
		return nil, nil
	}
	if v, ok := b.edited[id]; ok {
		return v, nil
	}
	v, err := b.store.GetVolume(id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get volume %d: %w", id, err)
	}
	b.track(v)
	return b.edited[id], nil
}

func (b *batch) track(v *types.Volume) *types.Volume {
	if w, ok := b.edited[v.ID]; ok {
		return w
	}
	orig := *v
	work := *v
	b.original[v.ID] = &orig
	b.edited[v.ID] = &work
	b.order = append(b.order, v.ID)
	return &work
}

func (b *batch) shadows(id int64) ([]*types.Volume, error) {
	rows, err := b.store.ListVolumesByLastID(id)
	if err != nil {
		return nil, fmt.Errorf("failed to list shadows of volume %d: %w", id, err)
	}
	out := make([]*types.Volume, 0, len(rows))
	for _, v := range rows {
		out = append(out, b.track(v))
	}
	return out, nil
}

func (b *batch) dropCopies(volumeID int64, states ...types.CopyState) error {
	copies, err := b.store.ListVolumeCopies(volumeID)
	if err != nil {
		return fmt.Errorf("failed to list copies of volume %d: %w", volumeID, err)
	}
	for _, c := range copies {
		for _, s := range states {
			if c.State == s {
				b.drops = append(b.drops, c.ID)
				break
			}
		}
	}
	return nil
}

func (b *batch) changes() ([]*types.Volume, []int64) {
	var out []*types.Volume
	now := b.clock.Now()
	for _, id := range b.order {
		v := b.edited[id]
		if cmp.Equal(v, b.original[id]) {
			continue
		}
		v.UpdatedAt = now
		out = append(out, v)
	}
	return out, b.drops
}

// ready marks v the surviving side, attached to instance
func ready(v *types.Volume, instance int64) {
	v.State = types.VolumeReady
	v.InstanceID = instance
}

// discard turns v into a detached placeholder for the normal deletion path
func discard(v *types.Volume) {
	v.State = types.VolumeDestroy
	v.InstanceID = 0
}

func adopt(v *types.Volume, f *codec.VolumeFacts) {
	if f == nil {
		return
	}
	if f.Path != "" {
		v.Path = f.Path
	}
	if f.Size > 0 {
		v.Size = f.Size
	}
}

func contains(paths []string, p string) bool {
	if p == "" {
		return false
	}
	for _, x := range paths {
		if x == p {
			return true
		}
	}
	return false
}
