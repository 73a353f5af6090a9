package resolver

import (
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestResolver(t *testing.T, volumes ...*types.Volume) (*Resolver, *storage.BoltStore) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	for _, v := range volumes {
		require.NoError(t, store.PutVolume(v))
	}
	return New(store, testclock.NewClock(epoch)), store
}

func volume(t *testing.T, store *storage.BoltStore, id int64) *types.Volume {
	t.Helper()
	v, err := store.GetVolume(id)
	require.NoError(t, err)
	return v
}

// resolveAndApply runs one full decision and returns it
func resolveAndApply(t *testing.T, r *Resolver, in Input) *Decision {
	t.Helper()
	if in.Record == nil {
		in.Record = &types.ReconcileRecord{RequestSequence: 1, OperationSignature: codec.Signature(in.Op)}
	}
	d, err := r.Resolve(in)
	require.NoError(t, err)
	require.NoError(t, r.Apply(in.Record, d))
	return d
}

func TestFailedAnswer(t *testing.T) {
	r, _ := newTestResolver(t)
	op := codec.NewMigrateVM(&codec.MigrateVM{VMID: 1, VMName: "v1"})

	d := resolveAndApply(t, r, Input{Op: op, Answer: &codec.Answer{Kind: codec.KindMigrateVM, Details: "libvirt unreachable"}})
	assert.Equal(t, Failed, d.Verdict)
	assert.Equal(t, "libvirt unreachable", d.Reason)

	d = resolveAndApply(t, r, Input{Op: op})
	assert.Equal(t, Retry, d.Verdict)
}

func vmMigration() (*codec.Operation, *types.Volume, *types.Volume) {
	op := codec.NewMigrateVM(&codec.MigrateVM{VMID: 1, VMName: "v1", SourceHostID: 1, DestHostID: 2})
	src := &types.Volume{ID: 10, Name: "volSrc", State: types.VolumeMigrating, PoolID: 1, Path: "/a", InstanceID: 1}
	dst := &types.Volume{ID: 11, Name: "volDst", State: types.VolumeMigrating, PoolID: 2, Path: "/b", LastID: 10}
	return op, src, dst
}

func vmAnswer(power codec.PowerState, paths ...string) *codec.Answer {
	return &codec.Answer{
		Kind:   codec.KindMigrateVM,
		Result: true,
		VM:     &codec.VMFacts{PowerState: power, DiskPaths: paths},
	}
}

func TestMigrateVM(t *testing.T) {
	t.Run("destination attached", func(t *testing.T) {
		op, src, dst := vmMigration()
		r, store := newTestResolver(t, src, dst)

		d := resolveAndApply(t, r, Input{Op: op, Answer: vmAnswer(codec.PowerOn, "/b")})
		require.Equal(t, Converged, d.Verdict)

		gotDst := volume(t, store, 11)
		assert.Equal(t, types.VolumeReady, gotDst.State)
		assert.Equal(t, int64(1), gotDst.InstanceID)
		assert.Equal(t, epoch, gotDst.UpdatedAt)

		gotSrc := volume(t, store, 10)
		assert.Equal(t, types.VolumeDestroy, gotSrc.State)
		assert.False(t, gotSrc.Attached())
	})

	t.Run("source still attached", func(t *testing.T) {
		op, src, dst := vmMigration()
		r, store := newTestResolver(t, src, dst)

		d := resolveAndApply(t, r, Input{Op: op, Answer: vmAnswer(codec.PowerOn, "/a")})
		require.Equal(t, Converged, d.Verdict)

		assert.Equal(t, types.VolumeReady, volume(t, store, 10).State)
		assert.Equal(t, int64(1), volume(t, store, 10).InstanceID)
		assert.Equal(t, types.VolumeDestroy, volume(t, store, 11).State)
	})

	t.Run("vm not running", func(t *testing.T) {
		op, src, dst := vmMigration()
		r, store := newTestResolver(t, src, dst)

		d := resolveAndApply(t, r, Input{Op: op, Answer: vmAnswer(codec.PowerOff, "/b")})
		assert.Equal(t, Retry, d.Verdict)
		assert.Equal(t, types.VolumeMigrating, volume(t, store, 10).State)
		assert.Equal(t, types.VolumeMigrating, volume(t, store, 11).State)
	})

	t.Run("indeterminate paths", func(t *testing.T) {
		for _, paths := range [][]string{{"/a", "/b"}, {"/c"}} {
			op, src, dst := vmMigration()
			r, store := newTestResolver(t, src, dst)

			d := resolveAndApply(t, r, Input{Op: op, Answer: vmAnswer(codec.PowerOn, paths...)})
			assert.Equal(t, Retry, d.Verdict)
			assert.Empty(t, d.Volumes)
			assert.Equal(t, types.VolumeMigrating, volume(t, store, 11).State)
		}
	})
}

func TestMigrateVMWithoutShadow(t *testing.T) {
	op, src, _ := vmMigration()
	r, store := newTestResolver(t, src)

	d := resolveAndApply(t, r, Input{Op: op, Answer: vmAnswer(codec.PowerOn, "/a")})
	assert.Equal(t, Retry, d.Verdict)
	assert.Contains(t, d.Reason, "volume 10")
	assert.Equal(t, types.VolumeMigrating, volume(t, store, 10).State)

	// Nothing migrating on a running VM is settled
	settled := &types.Volume{ID: 12, State: types.VolumeReady, PoolID: 1, Path: "/a", InstanceID: 1}
	r, _ = newTestResolver(t, settled)
	d = resolveAndApply(t, r, Input{Op: op, Answer: vmAnswer(codec.PowerOn, "/a")})
	assert.Equal(t, Converged, d.Verdict)
}

func TestConvergenceIsIdempotent(t *testing.T) {
	op, src, dst := vmMigration()
	r, store := newTestResolver(t, src, dst)
	in := Input{Op: op, Answer: vmAnswer(codec.PowerOn, "/b")}

	first := resolveAndApply(t, r, in)
	require.Equal(t, Converged, first.Verdict)
	afterFirst := []*types.Volume{volume(t, store, 10), volume(t, store, 11)}

	second := resolveAndApply(t, r, in)
	assert.Equal(t, Converged, second.Verdict)
	assert.True(t, second.Empty())
	assert.Equal(t, afterFirst, []*types.Volume{volume(t, store, 10), volume(t, store, 11)})
}

func primaryCopy() *codec.Operation {
	return codec.NewCopyVolume(&codec.CopyVolume{
		Source: &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 1, VolumeID: 20},
		Dest:   &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 2, VolumeID: 21},
	})
}

func copyAnswer(src, dst *codec.VolumeFacts) *codec.Answer {
	return &codec.Answer{
		Kind:    codec.KindCopyVolume,
		Result:  true,
		Volumes: &codec.VolumeReport{Source: src, Dest: dst},
	}
}

func copyRows() []*types.Volume {
	return []*types.Volume{
		{ID: 20, State: types.VolumeMigrating, PoolID: 1, Path: "/p1/20", Size: 100, InstanceID: 7},
		{ID: 21, State: types.VolumeCreating, PoolID: 2, LastID: 20},
	}
}

func TestCopyPrimaryToPrimary(t *testing.T) {
	present := func(size int64, state types.VolumeState) *codec.VolumeFacts {
		return &codec.VolumeFacts{Found: true, State: state, Path: "/p2/21", Size: size, StoreID: 2}
	}
	absent := &codec.VolumeFacts{Found: false}

	t.Run("destination reported ready", func(t *testing.T) {
		r, store := newTestResolver(t, copyRows()...)
		d := resolveAndApply(t, r, Input{Op: primaryCopy(), Answer: copyAnswer(present(100, types.VolumeReady), present(100, types.VolumeReady))})
		require.Equal(t, Converged, d.Verdict)

		dst := volume(t, store, 21)
		assert.Equal(t, types.VolumeReady, dst.State)
		assert.Equal(t, "/p2/21", dst.Path)
		assert.Equal(t, int64(7), dst.InstanceID)
		assert.Equal(t, types.VolumeDestroy, volume(t, store, 20).State)
	})

	t.Run("no previous answer", func(t *testing.T) {
		r, store := newTestResolver(t, copyRows()...)
		d := resolveAndApply(t, r, Input{Op: primaryCopy(), Answer: copyAnswer(nil, present(100, types.VolumeCreating))})
		assert.Equal(t, Retry, d.Verdict)
		assert.Equal(t, types.VolumeMigrating, volume(t, store, 20).State)
	})

	t.Run("size changed", func(t *testing.T) {
		r, _ := newTestResolver(t, copyRows()...)
		d := resolveAndApply(t, r, Input{
			Op:       primaryCopy(),
			Previous: copyAnswer(nil, present(60, types.VolumeCreating)),
			Answer:   copyAnswer(nil, present(100, types.VolumeCreating)),
		})
		assert.Equal(t, Retry, d.Verdict)
	})

	t.Run("size stable after agent completed", func(t *testing.T) {
		r, store := newTestResolver(t, copyRows()...)
		d := resolveAndApply(t, r, Input{
			Record:   &types.ReconcileRecord{StateByAgent: types.AgentStateCompleted},
			Op:       primaryCopy(),
			Previous: copyAnswer(nil, present(100, types.VolumeCreating)),
			Answer:   copyAnswer(nil, present(100, types.VolumeCreating)),
		})
		require.Equal(t, Converged, d.Verdict)
		assert.Equal(t, types.VolumeReady, volume(t, store, 21).State)
	})

	for name, agent := range map[string]types.AgentState{
		"size stable without agent state": types.AgentStateNone,
		"size stable after agent stopped": types.AgentStateInterrupted,
		"size stable after agent dangled": types.AgentStateDangledInBackend,
	} {
		t.Run(name, func(t *testing.T) {
			r, store := newTestResolver(t, copyRows()...)
			d := resolveAndApply(t, r, Input{
				Record:   &types.ReconcileRecord{StateByAgent: agent},
				Op:       primaryCopy(),
				Previous: copyAnswer(nil, present(100, types.VolumeCreating)),
				Answer:   copyAnswer(nil, present(100, types.VolumeCreating)),
			})
			assert.Equal(t, Retry, d.Verdict)
			assert.Equal(t, types.VolumeMigrating, volume(t, store, 20).State)
			assert.Equal(t, types.VolumeCreating, volume(t, store, 21).State)
		})
	}

	t.Run("copy never completed", func(t *testing.T) {
		r, store := newTestResolver(t, copyRows()...)
		d := resolveAndApply(t, r, Input{Op: primaryCopy(), Answer: copyAnswer(present(100, types.VolumeMigrating), absent)})
		require.Equal(t, Converged, d.Verdict)

		assert.Equal(t, types.VolumeReady, volume(t, store, 20).State)
		assert.Equal(t, int64(7), volume(t, store, 20).InstanceID)
		assert.Equal(t, types.VolumeDestroy, volume(t, store, 21).State)
	})
}

// Two answers with the same size while the agent still reports the copy in
// flight must not be taken as completion.
func TestAmbiguousInProgressCopy(t *testing.T) {
	r, store := newTestResolver(t, copyRows()...)
	rec := &types.ReconcileRecord{StateByAgent: types.AgentStateProcessingInBackend}
	sized := copyAnswer(nil, &codec.VolumeFacts{Found: true, State: types.VolumeCreating, Size: 512})

	var previous *codec.Answer
	for pass := 0; pass < 2; pass++ {
		d := resolveAndApply(t, r, Input{Record: rec, Op: primaryCopy(), Previous: previous, Answer: sized})
		assert.Equal(t, Retry, d.Verdict, "pass %d", pass)
		assert.Equal(t, types.VolumeMigrating, volume(t, store, 20).State)
		assert.Equal(t, types.VolumeCreating, volume(t, store, 21).State)
		previous = sized
	}
}

func TestCopySecondaryToPrimaryAborted(t *testing.T) {
	op := codec.NewCopyVolume(&codec.CopyVolume{
		Source: &codec.DataDescriptor{Role: codec.RoleSecondary, StoreID: 9, Path: "template/201"},
		Dest:   &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 3, VolumeID: 31},
	})

	for _, tt := range []struct {
		name   string
		answer *codec.Answer
	}{
		{"not found", copyAnswer(nil, &codec.VolumeFacts{Found: false})},
		{"destroyed", copyAnswer(nil, &codec.VolumeFacts{Found: true, State: types.VolumeDestroy})},
		{"skipped", &codec.Answer{Kind: codec.KindCopyVolume, Skipped: true, Details: "pool 3 has no such volume"}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(t,
				&types.Volume{ID: 30, State: types.VolumeMigrating, PoolID: 1},
				&types.Volume{ID: 31, Name: "volNew", State: types.VolumeCreating, PoolID: 3, LastID: 30},
			)
			require.NoError(t, store.PutVolumeCopy(&types.VolumeCopy{ID: 1, VolumeID: 30, StoreID: 3, State: types.CopyCopying}))
			require.NoError(t, store.PutVolumeCopy(&types.VolumeCopy{ID: 2, VolumeID: 30, StoreID: 4, State: types.CopyReady}))

			d := resolveAndApply(t, r, Input{Op: op, Answer: tt.answer})
			require.Equal(t, Converged, d.Verdict)

			assert.Equal(t, types.VolumeDestroy, volume(t, store, 31).State)
			assert.Equal(t, types.VolumeReady, volume(t, store, 30).State)

			copies, err := store.ListVolumeCopies(30)
			require.NoError(t, err)
			require.Len(t, copies, 1)
			assert.Equal(t, int64(2), copies[0].ID)
		})
	}
}

func TestCopyPrimaryToSecondary(t *testing.T) {
	op := codec.NewCopyVolume(&codec.CopyVolume{
		Source: &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 1, VolumeID: 40},
		Dest:   &codec.DataDescriptor{Role: codec.RoleSecondary, StoreID: 9, Path: "backup/40"},
	})
	setup := func(t *testing.T) (*Resolver, *storage.BoltStore) {
		r, store := newTestResolver(t,
			&types.Volume{ID: 40, State: types.VolumeReady, PoolID: 1, InstanceID: 3},
			&types.Volume{ID: 41, State: types.VolumeCreating, PoolID: 1, LastID: 40},
		)
		require.NoError(t, store.PutVolumeCopy(&types.VolumeCopy{ID: 5, VolumeID: 40, StoreID: 9, State: types.CopyCreating}))
		return r, store
	}

	t.Run("source back to ready", func(t *testing.T) {
		r, store := setup(t)
		d := resolveAndApply(t, r, Input{Op: op, Answer: copyAnswer(&codec.VolumeFacts{Found: true, State: types.VolumeReady}, nil)})
		require.Equal(t, Converged, d.Verdict)

		assert.Equal(t, types.VolumeDestroy, volume(t, store, 41).State)
		copies, err := store.ListVolumeCopies(40)
		require.NoError(t, err)
		assert.Empty(t, copies)
	})

	t.Run("source still busy", func(t *testing.T) {
		r, store := setup(t)
		d := resolveAndApply(t, r, Input{Op: op, Answer: copyAnswer(&codec.VolumeFacts{Found: true, State: types.VolumeMigrating}, nil)})
		assert.Equal(t, Retry, d.Verdict)
		assert.Equal(t, types.VolumeCreating, volume(t, store, 41).State)
	})
}

func liveMigration() *codec.Operation {
	return codec.NewMigrateVolume(&codec.MigrateVolume{
		Source: &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 1, VolumeID: 50},
		Dest:   &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 2, VolumeID: 50},
		VMID:   8,
		VMName: "i-2-8-VM",
	})
}

func liveRows() []*types.Volume {
	return []*types.Volume{
		{ID: 50, State: types.VolumeMigrating, PoolID: 1, Path: "/p1/50", InstanceID: 8},
		{ID: 51, State: types.VolumeCreating, PoolID: 2, Path: "/p2/51", LastID: 50},
	}
}

func liveAnswer(running bool, attached []string, src, dst *codec.VolumeFacts) *codec.Answer {
	return &codec.Answer{
		Kind:   codec.KindMigrateVolume,
		Result: true,
		Volumes: &codec.VolumeReport{
			Source:        src,
			Dest:          dst,
			VMRunning:     running,
			AttachedPaths: attached,
		},
	}
}

func TestMigrateVolume(t *testing.T) {
	srcFacts := &codec.VolumeFacts{Found: true, State: types.VolumeMigrating, Path: "/p1/50", Size: 10}
	dstFacts := &codec.VolumeFacts{Found: true, State: types.VolumeCreating, Path: "/p2/51", Size: 10}

	tests := []struct {
		name     string
		previous *codec.Answer
		answer   *codec.Answer
		winner   int64
		loser    int64
	}{
		{
			name:   "vm runs on destination",
			answer: liveAnswer(true, []string{"/p2/51"}, srcFacts, dstFacts),
			winner: 51, loser: 50,
		},
		{
			name:   "vm runs on source",
			answer: liveAnswer(true, []string{"/p1/50"}, srcFacts, dstFacts),
			winner: 50, loser: 51,
		},
		{
			name:     "destination stable",
			previous: liveAnswer(false, nil, srcFacts, dstFacts),
			answer:   liveAnswer(false, nil, srcFacts, dstFacts),
			winner:   51, loser: 50,
		},
		{
			name:   "destination absent",
			answer: liveAnswer(false, nil, srcFacts, &codec.VolumeFacts{Found: false}),
			winner: 50, loser: 51,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, store := newTestResolver(t, liveRows()...)
			rec := &types.ReconcileRecord{RequestSequence: 1, StateByAgent: types.AgentStateCompleted}
			d := resolveAndApply(t, r, Input{Record: rec, Op: liveMigration(), Previous: tt.previous, Answer: tt.answer})
			require.Equal(t, Converged, d.Verdict)

			// exactly one side survives, ready and attached
			winner := volume(t, store, tt.winner)
			assert.Equal(t, types.VolumeReady, winner.State)
			assert.Equal(t, int64(8), winner.InstanceID)

			loser := volume(t, store, tt.loser)
			assert.Equal(t, types.VolumeDestroy, loser.State)
			assert.False(t, loser.Attached())
		})
	}

	t.Run("destination still growing", func(t *testing.T) {
		r, store := newTestResolver(t, liveRows()...)
		grown := *dstFacts
		grown.Size = 20
		d := resolveAndApply(t, r, Input{
			Op:       liveMigration(),
			Previous: liveAnswer(false, nil, srcFacts, dstFacts),
			Answer:   liveAnswer(false, nil, srcFacts, &grown),
		})
		assert.Equal(t, Retry, d.Verdict)
		assert.Equal(t, types.VolumeMigrating, volume(t, store, 50).State)
		assert.Equal(t, types.VolumeCreating, volume(t, store, 51).State)
	})
}
