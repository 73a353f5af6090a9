package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

var epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingTrigger struct {
	mu   sync.Mutex
	keys []types.RecordKey
}

func (r *recordingTrigger) Trigger(keys ...types.RecordKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, keys...)
}

type fixture struct {
	store   *storage.BoltStore
	ledger  *ledger.Ledger
	cluster *fakeCluster
	trigger *recordingTrigger
	clock   *testclock.Clock
	server  *Server
	op      *codec.Operation
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	clk := testclock.NewClock(epoch)
	l := ledger.New(store, clk)
	require.NoError(t, store.PutHost(&types.Host{ID: 1, Name: "kvm-1", Status: types.HostStatusDown, LastHeartbeat: epoch.Add(-time.Hour)}))
	require.NoError(t, store.PutHost(&types.Host{ID: 2, Name: "kvm-2", Status: types.HostStatusRemoved}))

	op := codec.NewMigrateVM(&codec.MigrateVM{VMID: 4, VMName: "i-2-4-VM", SourceHostID: 1, DestHostID: 3})
	require.NoError(t, ledger.NewTracker(l, "ms-1").Persist(1, 30, []*codec.Operation{op}))

	f := &fixture{
		store:   store,
		ledger:  l,
		cluster: &fakeCluster{leader: true},
		trigger: &recordingTrigger{},
		clock:   clk,
		op:      op,
	}
	f.server = NewServer(f.cluster, store, l, f.trigger, clk, "ms-1")
	return f
}

func (f *fixture) heartbeat(t *testing.T, hb *codec.HeartbeatReport) *wrapperspb.BytesValue {
	t.Helper()
	b, err := codec.EncodeHeartbeat(hb)
	require.NoError(t, err)
	return wrapperspb.Bytes(b)
}

func TestReportRefreshesHostAndTriggers(t *testing.T) {
	f := newFixture(t)
	sig := codec.Signature(f.op)

	_, err := f.server.Report(context.Background(), f.heartbeat(t, &codec.HeartbeatReport{
		HostID: 1,
		Operations: []codec.OperationReport{{
			RequestSequence: 30,
			Signature:       sig,
			State:           types.AgentStateCompleted,
			Answer: &codec.Answer{
				Kind:   codec.KindMigrateVM,
				Result: true,
				VM:     &codec.VMFacts{PowerState: codec.PowerOn},
			},
		}},
	}))
	require.NoError(t, err)

	host, err := f.store.GetHost(1)
	require.NoError(t, err)
	assert.Equal(t, types.HostStatusUp, host.Status)
	assert.True(t, host.LastHeartbeat.Equal(epoch))

	rec, err := f.ledger.Get(30, sig)
	require.NoError(t, err)
	assert.Equal(t, types.AgentStateCompleted, rec.StateByAgent)
	assert.NotEmpty(t, rec.AnswerPayload)

	assert.Equal(t, []types.RecordKey{{RequestSequence: 30, OperationSignature: sig}}, f.trigger.keys)
}

func TestReportWithoutAnswerDoesNotTrigger(t *testing.T) {
	f := newFixture(t)

	_, err := f.server.Report(context.Background(), f.heartbeat(t, &codec.HeartbeatReport{
		HostID: 1,
		Operations: []codec.OperationReport{{
			RequestSequence: 30,
			Signature:       codec.Signature(f.op),
			State:           types.AgentStateProcessing,
		}},
	}))
	require.NoError(t, err)
	assert.Empty(t, f.trigger.keys)
}

func TestReportErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		req  *wrapperspb.BytesValue
		code codes.Code
	}{
		{"malformed", wrapperspb.Bytes([]byte{0xff, 0xff}), codes.InvalidArgument},
		{"unknown host", f.heartbeat(t, &codec.HeartbeatReport{HostID: 99}), codes.NotFound},
		{"removed host", f.heartbeat(t, &codec.HeartbeatReport{HostID: 2}), codes.FailedPrecondition},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.server.Report(context.Background(), tt.req)
			require.Error(t, err)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestJoin(t *testing.T) {
	f := newFixture(t)

	req, err := JoinRequest("manager-2", "10.0.0.2:7946")
	require.NoError(t, err)
	_, err = f.server.Join(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"manager-2": "10.0.0.2:7946"}, f.cluster.voters)

	empty, err := JoinRequest("", "")
	require.NoError(t, err)
	_, err = f.server.Join(context.Background(), empty)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	f.cluster.err = errors.New("not leader")
	_, err = f.server.Join(context.Background(), req)
	assert.Equal(t, codes.Internal, status.Code(err))
}

func dial(t *testing.T, s *Server) *grpc.ClientConn {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = s.Serve(lis) }()
	t.Cleanup(s.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestLeaderOnlyOverGRPC(t *testing.T) {
	tests := []struct {
		name    string
		cluster *fakeCluster
		code    codes.Code
	}{
		{"leader", &fakeCluster{leader: true}, codes.OK},
		{"follower", &fakeCluster{leaderAddr: "10.0.0.1:7947"}, codes.FailedPrecondition},
		{"no leader", &fakeCluster{}, codes.Unavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			s := NewServer(tt.cluster, f.store, f.ledger, nil, f.clock, "ms-1")
			conn := dial(t, s)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			err := conn.Invoke(ctx, ReportMethod, f.heartbeat(t, &codec.HeartbeatReport{HostID: 1}), new(emptypb.Empty))
			assert.Equal(t, tt.code, status.Code(err))
			if tt.code == codes.FailedPrecondition {
				assert.Contains(t, err.Error(), "10.0.0.1:7947")
			}
		})
	}
}

func TestMethodName(t *testing.T) {
	assert.Equal(t, "Report", methodName(ReportMethod))
	assert.Equal(t, "Join", methodName(JoinMethod))
	assert.Equal(t, "plain", methodName("plain"))
}

func TestListRecords(t *testing.T) {
	f := newFixture(t)

	resp, err := f.server.ListRecords(context.Background(), wrapperspb.String(""))
	require.NoError(t, err)
	var recs []*types.ReconcileRecord
	require.NoError(t, json.Unmarshal(resp.GetValue(), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, codec.Signature(f.op), recs[0].OperationSignature)

	resp, err = f.server.ListRecords(context.Background(), wrapperspb.String(string(types.StateReconcileFailed)))
	require.NoError(t, err)
	recs = nil
	require.NoError(t, json.Unmarshal(resp.GetValue(), &recs))
	assert.Empty(t, recs)

	_, err = f.server.ListRecords(context.Background(), wrapperspb.String("BOGUS"))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestRemoveRecord(t *testing.T) {
	f := newFixture(t)
	sig := codec.Signature(f.op)

	req, err := RemoveRecordRequest(30, sig)
	require.NoError(t, err)
	_, err = f.server.RemoveRecord(context.Background(), req)
	require.NoError(t, err)

	_, err = f.ledger.Get(30, sig)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// already gone
	_, err = f.server.RemoveRecord(context.Background(), req)
	require.NoError(t, err)

	bad, err := RemoveRecordRequest(0, "")
	require.NoError(t, err)
	_, err = f.server.RemoveRecord(context.Background(), bad)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func batchValue(t *testing.T, b *codec.Batch) *wrapperspb.BytesValue {
	t.Helper()
	data, err := codec.EncodeBatch(b)
	require.NoError(t, err)
	return wrapperspb.Bytes(data)
}

func TestTrackAndCompleteOverGRPC(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, NewServer(f.cluster, f.store, f.ledger, nil, f.clock, "ms-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	vm := codec.NewMigrateVM(&codec.MigrateVM{VMID: 9, VMName: "i-2-9-VM", SourceHostID: 1, DestHostID: 2})
	vol := codec.NewMigrateVolume(&codec.MigrateVolume{
		Source: &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 1, VolumeID: 40},
		Dest:   &codec.DataDescriptor{Role: codec.RolePrimary, StoreID: 2, VolumeID: 40},
		VMID:   9,
		VMName: "i-2-9-VM",
	})
	batch := &codec.Batch{HostID: 1, RequestSequence: 55, Operations: []*codec.Operation{vm, vol}}

	require.NoError(t, conn.Invoke(ctx, TrackMethod, batchValue(t, batch), new(emptypb.Empty)))
	for _, op := range batch.Operations {
		rec, err := f.ledger.Get(55, codec.Signature(op))
		require.NoError(t, err)
		assert.Equal(t, types.StateCreated, rec.StateByManagement)
		assert.Equal(t, int64(1), rec.HostID)
		assert.Equal(t, "ms-1", rec.ManagementServerID)
	}

	batch.Answers = []*codec.Answer{
		{Kind: codec.KindMigrateVM, Result: true},
		{Kind: codec.KindMigrateVolume, Result: false, Details: "pool unreachable"},
	}
	require.NoError(t, conn.Invoke(ctx, CompleteMethod, batchValue(t, batch), new(emptypb.Empty)))

	_, err := f.ledger.Get(55, codec.Signature(vm))
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = f.ledger.Get(55, codec.Signature(vol))
	require.NoError(t, err, "a failed answer leaves the record for the reconciler")
}

func TestTrackRejectsMalformedBatch(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, NewServer(f.cluster, f.store, f.ledger, nil, f.clock, "ms-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := conn.Invoke(ctx, TrackMethod, wrapperspb.Bytes([]byte{0xff}), new(emptypb.Empty))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	noSeq := &codec.Batch{HostID: 1, Operations: []*codec.Operation{f.op}}
	err = conn.Invoke(ctx, TrackMethod, batchValue(t, noSeq), new(emptypb.Empty))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	missingParams := &codec.Batch{
		HostID:          1,
		RequestSequence: 56,
		Operations:      []*codec.Operation{{Kind: codec.KindMigrateVolume, Reconcile: true}},
	}
	err = conn.Invoke(ctx, TrackMethod, batchValue(t, missingParams), new(emptypb.Empty))
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	recs, err := f.ledger.List()
	require.NoError(t, err)
	assert.Len(t, recs, 1, "only the fixture record exists")
}

func TestTrackOnFollower(t *testing.T) {
	f := newFixture(t)
	conn := dial(t, NewServer(&fakeCluster{leaderAddr: "10.0.0.1:7947"}, f.store, f.ledger, nil, f.clock, "ms-1"))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	batch := &codec.Batch{HostID: 1, RequestSequence: 57, Operations: []*codec.Operation{f.op}}
	for _, method := range []string{TrackMethod, CompleteMethod} {
		err := conn.Invoke(ctx, method, batchValue(t, batch), new(emptypb.Empty))
		assert.Equal(t, codes.FailedPrecondition, status.Code(err), method)
	}
}
