package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"

	"github.com/cuemby/burrow/pkg/bridge"
	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/ledger"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ManagerServiceName is the gRPC service agents and joining managers call
const ManagerServiceName = "burrow.manager.v1.Manager"

// Full method names
const (
	ReportMethod       = "/" + ManagerServiceName + "/Report"
	JoinMethod         = "/" + ManagerServiceName + "/Join"
	ListRecordsMethod  = "/" + ManagerServiceName + "/ListRecords"
	RemoveRecordMethod = "/" + ManagerServiceName + "/RemoveRecord"
	TrackMethod        = "/" + ManagerServiceName + "/Track"
	CompleteMethod     = "/" + ManagerServiceName + "/Complete"
)

// Cluster is the raft view the API needs
type Cluster interface {
	IsLeader() bool
	LeaderAddr() string
	AddVoter(nodeID, address string) error
}

// Trigger receives the keys of records a heartbeat made ready for convergence
type Trigger interface {
	Trigger(keys ...types.RecordKey)
}

// ManagerServer is the gRPC contract of the manager service
type ManagerServer interface {
	Report(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Join(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	ListRecords(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error)
	RemoveRecord(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error)
	Track(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error)
	Complete(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error)
}

// Server implements the manager gRPC API
type Server struct {
	cluster Cluster
	hosts   storage.DomainStore
	ledger  *ledger.Ledger
	bridge  *bridge.Bridge
	tracker *ledger.Tracker
	trigger Trigger
	clock   clock.Clock
	grpc    *grpc.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server. trigger may be nil.
func NewServer(cluster Cluster, hosts storage.DomainStore, l *ledger.Ledger, trigger Trigger, clk clock.Clock, msid string, opts ...grpc.ServerOption) *Server {
	if clk == nil {
		clk = clock.WallClock
	}
	opts = append([]grpc.ServerOption{
		grpc.ChainUnaryInterceptor(
			MetricsInterceptor(),
			LeaderOnlyInterceptor(cluster, ReportMethod, JoinMethod, RemoveRecordMethod, TrackMethod, CompleteMethod),
		),
	}, opts...)

	s := &Server{
		cluster: cluster,
		hosts:   hosts,
		ledger:  l,
		bridge:  bridge.New(l, msid),
		tracker: ledger.NewTracker(l, msid),
		trigger: trigger,
		clock:   clk,
		grpc:    grpc.NewServer(opts...),
		logger:  log.WithComponent("api"),
	}
	RegisterManagerServer(s.grpc, s)
	return s
}

// Start listens on addr and serves until Stop
func (s *Server) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	s.logger.Info().Str("addr", addr).Msg("gRPC API listening")
	return s.Serve(lis)
}

// Serve serves on an existing listener
func (s *Server) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Stop gracefully stops the gRPC server
func (s *Server) Stop() {
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
}

// Report processes an agent heartbeat: it refreshes the host and hands the
// operation states to the bridge
func (s *Server) Report(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	hb, err := codec.DecodeHeartbeat(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode heartbeat: %v", err)
	}

	host, err := s.hosts.GetHost(hb.HostID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, status.Errorf(codes.NotFound, "host %d is not registered", hb.HostID)
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "get host: %v", err)
	}
	if host.Status == types.HostStatusRemoved {
		return nil, status.Errorf(codes.FailedPrecondition, "host %d was removed", hb.HostID)
	}

	recovered := host.Status != types.HostStatusUp
	host.LastHeartbeat = s.clock.Now()
	host.Status = types.HostStatusUp
	if err := s.hosts.PutHost(host); err != nil {
		return nil, status.Errorf(codes.Internal, "update host: %v", err)
	}
	if recovered {
		logger := log.WithHostID(host.ID)
		logger.Info().Msg("Host is up")
	}

	ready, err := s.bridge.Process(ctx, hb.HostID, hb.Operations)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "process operation reports: %v", err)
	}
	if len(ready) > 0 && s.trigger != nil {
		s.trigger.Trigger(ready...)
	}
	return &emptypb.Empty{}, nil
}

// Join adds a manager to the raft cluster as a voter
func (s *Server) Join(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	nodeID := fields["node_id"].GetStringValue()
	address := fields["address"].GetStringValue()
	if nodeID == "" || address == "" {
		return nil, status.Error(codes.InvalidArgument, "node_id and address are required")
	}
	if err := s.cluster.AddVoter(nodeID, address); err != nil {
		return nil, status.Errorf(codes.Internal, "add voter: %v", err)
	}
	s.logger.Info().Str("node_id", nodeID).Str("address", address).Msg("Manager joined")
	return &emptypb.Empty{}, nil
}

// ListRecords returns the ledger as JSON, filtered to one management state
// when the request names one
func (s *Server) ListRecords(ctx context.Context, req *wrapperspb.StringValue) (*wrapperspb.BytesValue, error) {
	var (
		recs []*types.ReconcileRecord
		err  error
	)
	if state := types.ManagementState(req.GetValue()); state != "" {
		if !state.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown state %q", state)
		}
		recs, err = s.ledger.ListNeedingAttention(state)
	} else {
		recs, err = s.ledger.List()
	}
	if err != nil {
		return nil, status.Errorf(codes.Internal, "list records: %v", err)
	}

	data, err := json.Marshal(recs)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode records: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// RemoveRecord deletes one ledger record by key. Removing a missing record
// succeeds.
func (s *Server) RemoveRecord(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	fields := req.GetFields()
	seq := int64(fields["sequence"].GetNumberValue())
	signature := fields["signature"].GetStringValue()
	if seq == 0 || signature == "" {
		return nil, status.Error(codes.InvalidArgument, "sequence and signature are required")
	}
	if err := s.ledger.Remove(seq, signature, nil); err != nil {
		return nil, status.Errorf(codes.Internal, "remove record: %v", err)
	}
	logger := log.WithRecord(s.logger, seq, signature)
	logger.Warn().Msg("Reconcile record removed by operator")
	return &emptypb.Empty{}, nil
}

// Track records the reconcilable operations of a batch the dispatch path
// just sent to an agent
func (s *Server) Track(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	batch, err := decodeBatch(req)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.Persist(batch.HostID, batch.RequestSequence, batch.Operations); err != nil {
		return nil, batchError("track batch", err)
	}
	return &emptypb.Empty{}, nil
}

// Complete drops the records of every operation the agent answered
// successfully when the batch finished normally
func (s *Server) Complete(ctx context.Context, req *wrapperspb.BytesValue) (*emptypb.Empty, error) {
	batch, err := decodeBatch(req)
	if err != nil {
		return nil, err
	}
	if err := s.tracker.ProcessAnswers(batch.RequestSequence, batch.Operations, batch.Answers); err != nil {
		return nil, batchError("complete batch", err)
	}
	return &emptypb.Empty{}, nil
}

func decodeBatch(req *wrapperspb.BytesValue) (*codec.Batch, error) {
	batch, err := codec.DecodeBatch(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode batch: %v", err)
	}
	if batch.RequestSequence == 0 {
		return nil, status.Error(codes.InvalidArgument, "batch without request sequence")
	}
	return batch, nil
}

func batchError(what string, err error) error {
	if errors.Is(err, codec.ErrMalformed) || errors.Is(err, codec.ErrUnknownKind) {
		return status.Errorf(codes.InvalidArgument, "%s: %v", what, err)
	}
	return status.Errorf(codes.Internal, "%s: %v", what, err)
}

// RemoveRecordRequest builds the RemoveRecord payload
func RemoveRecordRequest(seq int64, signature string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"sequence":  seq,
		"signature": signature,
	})
}

// JoinRequest builds the Join payload
func JoinRequest(nodeID, address string) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{
		"node_id": nodeID,
		"address": address,
	})
}

func reportHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagerServer).Report(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ReportMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ManagerServer).Report(ctx, req.(*wrapperspb.BytesValue))
	})
}

func joinHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagerServer).Join(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: JoinMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ManagerServer).Join(ctx, req.(*structpb.Struct))
	})
}

func listRecordsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagerServer).ListRecords(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListRecordsMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ManagerServer).ListRecords(ctx, req.(*wrapperspb.StringValue))
	})
}

func removeRecordHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagerServer).RemoveRecord(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: RemoveRecordMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ManagerServer).RemoveRecord(ctx, req.(*structpb.Struct))
	})
}

func trackHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagerServer).Track(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: TrackMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ManagerServer).Track(ctx, req.(*wrapperspb.BytesValue))
	})
}

func completeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ManagerServer).Complete(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: CompleteMethod}
	return interceptor(ctx, in, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ManagerServer).Complete(ctx, req.(*wrapperspb.BytesValue))
	})
}

var managerServiceDesc = grpc.ServiceDesc{
	ServiceName: ManagerServiceName,
	HandlerType: (*ManagerServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Report", Handler: reportHandler},
		{MethodName: "Join", Handler: joinHandler},
		{MethodName: "ListRecords", Handler: listRecordsHandler},
		{MethodName: "RemoveRecord", Handler: removeRecordHandler},
		{MethodName: "Track", Handler: trackHandler},
		{MethodName: "Complete", Handler: completeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "burrow/manager/v1/manager.proto",
}

// RegisterManagerServer registers the manager service
func RegisterManagerServer(s grpc.ServiceRegistrar, srv ManagerServer) {
	s.RegisterService(&managerServiceDesc, srv)
}
