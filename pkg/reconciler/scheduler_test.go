package reconciler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/agent"
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/events"
	"github.com/cuemby/burrow/pkg/lease"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/resolver"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

const msid = "ms-1"

// scriptedTransport answers probes from a per-signature script
type scriptedTransport struct {
	mu      sync.Mutex
	answers map[string]func() (*codec.Answer, error)
	calls   map[string]int
}

func (s *scriptedTransport) Send(ctx context.Context, host *types.Host, probe *codec.Probe) (*codec.Answer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[probe.Signature]++
	fn, ok := s.answers[probe.Signature]
	if !ok {
		return nil, context.DeadlineExceeded
	}
	return fn()
}

func (s *scriptedTransport) set(sig string, fn func() (*codec.Answer, error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers[sig] = fn
}

func (s *scriptedTransport) count(sig string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[sig]
}

type notLeader struct{}

func (notLeader) IsLeader() bool { return false }

type harness struct {
	store     *storage.BoltStore
	clock     *testclock.Clock
	ledger    *ledger.Ledger
	tracker   *ledger.Tracker
	transport *scriptedTransport
	locker    *lease.StoreLocker
	broker    *events.Broker
	cfg       config.Config
	sched     *Scheduler
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := testclock.NewClock(epoch)
	cfg := config.ForServer(msid)
	cfg.Enabled = true
	cfg.MaxAttempts = 2
	for _, m := range mutate {
		m(&cfg)
	}

	h := &harness{
		store:     store,
		clock:     clk,
		ledger:    ledger.New(store, clk),
		transport: &scriptedTransport{answers: map[string]func() (*codec.Answer, error){}, calls: map[string]int{}},
		locker:    lease.NewStoreLocker(store, clk),
		broker:    events.NewBroker(),
		cfg:       cfg,
	}
	h.broker.Start()
	t.Cleanup(h.broker.Stop)
	h.tracker = ledger.NewTracker(h.ledger, msid)

	prober := agent.NewProber(h.transport, store, agent.NewStoreSelector(store), 1000, 100)
	task := NewTask(h.ledger, store, prober, resolver.New(store, clk), clk)
	h.sched = NewScheduler(config.Static(cfg), Deps{
		Ledger: h.ledger,
		Task:   task,
		Locker: h.locker,
		Broker: h.broker,
		Clock:  clk,
	})

	require.NoError(t, store.PutHost(&types.Host{ID: 1, Address: "agent-1:9443", Status: types.HostStatusUp, PoolIDs: []int64{1, 2}, LastHeartbeat: epoch}))
	return h
}

// liveMigration persists a live volume migration of volume 50 from pool 1
// to pool 2 and returns the record
func (h *harness) liveMigration(t *testing.T, seq int64) *types.ReconcileRecord {
	t.Helper()
	require.NoError(t, h.store.PutVolume(&types.Volume{ID: 50, State: types.VolumeMigrating, PoolID: 1, Path: "/p1/50", InstanceID: 8}))
	require.NoError(t, h.store.PutVolume(&types.Volume{ID: 51, State: types.VolumeCreating, PoolID: 2, Path: "/p2/51", LastID: 50}))
	require.NoError(t, h.store.PutVM(&types.VirtualMachine{ID: 8, Name: "i-2-8-VM", State: types.VMRunning, HostID: 1}))

	op := codec.NewMigrateVolume(&codec.MigrateVolume{
		Source: &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 1, VolumeID: 50},
		Dest:   &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 2, VolumeID: 50},
		VMID:   8,
		VMName: "i-2-8-VM",
	})
	require.NoError(t, h.tracker.Persist(1, seq, []*codec.Operation{op}))
	rec, err := h.ledger.Get(seq, codec.Signature(op))
	require.NoError(t, err)
	return rec
}

func (h *harness) setState(t *testing.T, rec *types.ReconcileRecord, ms types.ManagementState, as types.AgentState) {
	t.Helper()
	_, err := h.ledger.Update(rec.ID, func(r *types.ReconcileRecord) {
		r.StateByManagement = ms
		r.StateByAgent = as
	})
	require.NoError(t, err)
}

func (h *harness) record(t *testing.T, rec *types.ReconcileRecord) *types.ReconcileRecord {
	t.Helper()
	got, err := h.ledger.Get(rec.RequestSequence, rec.OperationSignature)
	require.NoError(t, err)
	return got
}

func (h *harness) gone(t *testing.T, rec *types.ReconcileRecord) bool {
	t.Helper()
	_, err := h.ledger.Get(rec.RequestSequence, rec.OperationSignature)
	if err != nil {
		require.ErrorIs(t, err, storage.ErrNotFound)
		return true
	}
	return false
}

func (h *harness) pass(t *testing.T) *PassResult {
	t.Helper()
	res, err := h.sched.RunPass(context.Background())
	require.NoError(t, err)
	return res
}

func runningOnDest() (*codec.Answer, error) {
	return &codec.Answer{
		Kind:   codec.KindMigrateVolume,
		Result: true,
		Volumes: &codec.VolumeReport{
			Source:        &codec.VolumeFacts{Found: true, State: types.VolumeMigrating, Path: "/p1/50"},
			Dest:          &codec.VolumeFacts{Found: true, State: types.VolumeCreating, Path: "/p2/51"},
			VMRunning:     true,
			AttachedPaths: []string{"/p2/51"},
		},
	}, nil
}

func TestPassConvergesInterruptedRecord(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateInterrupted, types.AgentStateProcessing)
	h.transport.set(rec.OperationSignature, runningOnDest)

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	res := h.pass(t)
	assert.True(t, res.Ran)
	assert.Equal(t, 1, res.Outcomes[OutcomeProbed])
	assert.True(t, h.gone(t, rec))

	dst, err := h.store.GetVolume(51)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeReady, dst.State)
	assert.Equal(t, int64(8), dst.InstanceID)
	src, err := h.store.GetVolume(50)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeDestroy, src.State)

	select {
	case ev := <-sub:
		assert.Equal(t, events.EventRecordConverged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no converged event")
	}
}

func TestDecisionTable(t *testing.T) {
	tests := []struct {
		name      string
		ms        types.ManagementState
		as        types.AgentState
		hostDown  bool
		age       time.Duration
		wantProbe bool
	}{
		{name: "timed out", ms: types.StateTimedOut, wantProbe: true},
		{name: "interrupted", ms: types.StateInterrupted, as: types.AgentStateCompleted, wantProbe: true},
		{name: "retry", ms: types.StateReconcileRetry, wantProbe: true},
		{name: "reconciling within grace", ms: types.StateReconciling, age: time.Minute},
		{name: "failed with attempts left", ms: types.StateReconcileFailed, wantProbe: true},
		{name: "created unacknowledged", ms: types.StateCreated},
		{name: "created running on live host", ms: types.StateCreated, as: types.AgentStateProcessingInBackend},
		{name: "created running on dead host", ms: types.StateCreated, as: types.AgentStateStarted, hostDown: true, wantProbe: true},
		{name: "created completed recently", ms: types.StateCreated, as: types.AgentStateCompleted, age: time.Minute},
		{name: "created completed long ago", ms: types.StateCreated, as: types.AgentStateFailed, age: 11 * time.Minute, wantProbe: true},
		{name: "created interrupted", ms: types.StateCreated, as: types.AgentStateInterrupted, wantProbe: true},
		{name: "created dangling", ms: types.StateCreated, as: types.AgentStateDangledInBackend, wantProbe: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			rec := h.liveMigration(t, 1)
			h.setState(t, rec, tt.ms, tt.as)
			if tt.hostDown {
				host, err := h.store.GetHost(1)
				require.NoError(t, err)
				host.Status = types.HostStatusDown
				require.NoError(t, h.store.PutHost(host))
				// a second host can still reach both pools
				require.NoError(t, h.store.PutHost(&types.Host{ID: 2, Address: "agent-2:9443", Status: types.HostStatusUp, PoolIDs: []int64{1, 2}}))
			}
			h.clock.Advance(tt.age)

			h.pass(t)
			if tt.wantProbe {
				assert.Equal(t, 1, h.transport.count(rec.OperationSignature))
				// the scripted transport has no answer, so the record is re-armed
				assert.Equal(t, types.StateReconcileRetry, h.record(t, rec).StateByManagement)
			} else {
				assert.Zero(t, h.transport.count(rec.OperationSignature))
				assert.Equal(t, tt.ms, h.record(t, rec).StateByManagement)
			}
		})
	}
}

func TestGracePeriodRearm(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateReconciling, types.AgentStateNone)

	h.pass(t)
	assert.Equal(t, types.StateReconciling, h.record(t, rec).StateByManagement)

	h.clock.Advance(h.cfg.GracePeriod + time.Second)
	res := h.pass(t)
	assert.Equal(t, 1, res.Outcomes[OutcomeRearm])
	assert.Equal(t, types.StateReconcileRetry, h.record(t, rec).StateByManagement)
	assert.Zero(t, h.transport.count(rec.OperationSignature))
}

func TestBoundedRetries(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateReconcileRetry, types.AgentStateFailed)
	h.transport.set(rec.OperationSignature, func() (*codec.Answer, error) {
		return &codec.Answer{Kind: codec.KindMigrateVolume, Details: "pool offline"}, nil
	})

	for pass := 1; pass <= 4; pass++ {
		h.pass(t)
		got := h.record(t, rec)
		assert.Equal(t, types.StateReconcileFailed, got.StateByManagement)
		want := pass
		if want > h.cfg.MaxAttempts {
			want = h.cfg.MaxAttempts
		}
		assert.Equal(t, want, got.RetryCount, "pass %d", pass)
	}
	// abandoned after max attempts: never probed again
	assert.Equal(t, h.cfg.MaxAttempts, h.transport.count(rec.OperationSignature))
}

func TestResourceRemoved(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateTimedOut, types.AgentStateNone)
	require.NoError(t, h.store.DeleteVolume(50))

	before, err := h.store.ListVolumes()
	require.NoError(t, err)

	res := h.pass(t)
	assert.Equal(t, 1, res.Outcomes[OutcomeAbandon])
	assert.True(t, h.gone(t, rec))
	assert.Zero(t, h.transport.count(rec.OperationSignature))

	after, err := h.store.ListVolumes()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestAmbiguousAnswerStoredForNextPass(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateInterrupted, types.AgentStateProcessingInBackend)

	size := int64(100)
	h.transport.set(rec.OperationSignature, func() (*codec.Answer, error) {
		return &codec.Answer{
			Kind:   codec.KindMigrateVolume,
			Result: true,
			Volumes: &codec.VolumeReport{
				Source: &codec.VolumeFacts{Found: true, State: types.VolumeMigrating},
				Dest:   &codec.VolumeFacts{Found: true, State: types.VolumeCreating, Size: size},
			},
		}, nil
	})

	h.pass(t)
	got := h.record(t, rec)
	assert.Equal(t, types.StateReconcileRetry, got.StateByManagement)
	assert.Zero(t, got.RetryCount)
	require.NotEmpty(t, got.AnswerPayload)

	// agent reports the same size but still copying
	h.pass(t)
	assert.Equal(t, types.StateReconcileRetry, h.record(t, rec).StateByManagement)

	// agent finished; size is unchanged against the stored answer
	h.setState(t, rec, types.StateReconcileRetry, types.AgentStateCompleted)
	h.pass(t)
	assert.True(t, h.gone(t, rec))
	dst, err := h.store.GetVolume(51)
	require.NoError(t, err)
	assert.Equal(t, types.VolumeReady, dst.State)
}

func TestPassPreconditions(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		h := newHarness(t, func(c *config.Config) { c.Enabled = false })
		res := h.pass(t)
		assert.False(t, res.Ran)
		assert.Equal(t, "disabled", res.Reason)
	})

	t.Run("lock held elsewhere", func(t *testing.T) {
		h := newHarness(t)
		ok, err := h.locker.Acquire(context.Background(), LockName, "ms-2", time.Minute)
		require.NoError(t, err)
		require.True(t, ok)

		res := h.pass(t)
		assert.False(t, res.Ran)
		assert.Equal(t, "locked", res.Reason)
	})

	t.Run("not leader", func(t *testing.T) {
		h := newHarness(t)
		h.sched.leadership = notLeader{}
		res := h.pass(t)
		assert.False(t, res.Ran)
		assert.Equal(t, "not_leader", res.Reason)

		// the lease is released for the leader
		ok, err := h.locker.Acquire(context.Background(), LockName, "ms-2", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestTriggerSkipsGraceForSignaledRecords(t *testing.T) {
	h := newHarness(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateCreated, types.AgentStateCompleted)
	h.transport.set(rec.OperationSignature, runningOnDest)

	h.sched.Start()
	h.sched.Trigger(rec.Key())

	require.Eventually(t, func() bool {
		_, err := h.ledger.Get(rec.RequestSequence, rec.OperationSignature)
		return err != nil
	}, 5*time.Second, 10*time.Millisecond)

	h.sched.Stop()
}

func TestShutdownInterruptsOwnedRecords(t *testing.T) {
	h := newHarness(t)
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	rec := h.liveMigration(t, 1)
	h.sched.Start()
	require.NoError(t, h.sched.Shutdown())

	assert.Equal(t, types.StateInterrupted, h.record(t, rec).StateByManagement)

	// Stop is idempotent
	h.sched.Stop()
}

func TestHostMonitor(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateCreated, types.AgentStateProcessing)

	mon := NewHostMonitor(config.Static(h.cfg), h.store, h.ledger, nil, h.broker, h.clock)

	require.NoError(t, mon.Check())
	assert.Equal(t, types.StateCreated, h.record(t, rec).StateByManagement)

	h.clock.Advance(h.cfg.HostTimeout + time.Second)
	require.NoError(t, mon.Check())

	host, err := h.store.GetHost(1)
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusDown, host.Status)
	assert.Equal(t, types.StateInterrupted, h.record(t, rec).StateByManagement)
}

func TestProbeOnAlternateHostSurvivesHostSweep(t *testing.T) {
	h := newHarness(t)
	rec := h.liveMigration(t, 1)
	h.setState(t, rec, types.StateInterrupted, types.AgentStateProcessingInBackend)

	dead, err := h.store.GetHost(1)
	require.NoError(t, err)
	dead.Status = types.HostStatusDown
	require.NoError(t, h.store.PutHost(dead))
	require.NoError(t, h.store.PutHost(&types.Host{ID: 2, Address: "agent-2:9443", Status: types.HostStatusUp, PoolIDs: []int64{1, 2}, LastHeartbeat: epoch}))

	mon := NewHostMonitor(config.Static(h.cfg), h.store, h.ledger, nil, h.broker, h.clock)

	var (
		during   *types.ReconcileRecord
		sweepErr error
	)
	h.transport.set(rec.OperationSignature, func() (*codec.Answer, error) {
		sweepErr = mon.Check()
		during, _ = h.ledger.Get(rec.RequestSequence, rec.OperationSignature)
		return &codec.Answer{
			Kind:   codec.KindMigrateVolume,
			Result: true,
			Volumes: &codec.VolumeReport{
				Source: &codec.VolumeFacts{Found: true, State: types.VolumeMigrating},
				Dest:   &codec.VolumeFacts{Found: true, State: types.VolumeCreating, Size: 100},
			},
		}, nil
	})

	h.pass(t)
	require.NoError(t, sweepErr)
	require.NotNil(t, during)
	assert.Equal(t, types.StateReconciling, during.StateByManagement)
	assert.Equal(t, int64(2), during.HostID)

	got := h.record(t, rec)
	assert.Equal(t, types.StateReconcileRetry, got.StateByManagement)
	assert.Equal(t, int64(2), got.HostID)
}
