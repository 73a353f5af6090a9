package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cuemby/burrow/pkg/codec"
	"github.com/cuemby/burrow/pkg/storage"
	"github.com/cuemby/burrow/pkg/types"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// ProbeServiceName is the gRPC service agents expose for probes
const ProbeServiceName = "burrow.agent.v1.Probe"

const describeMethod = "/" + ProbeServiceName + "/Describe"

// ProbeServer is the agent-side gRPC contract. Requests and responses carry
// codec-encoded probes and answers.
type ProbeServer interface {
	Describe(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

func describeHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ProbeServer).Describe(ctx, in)
	}
	info := &grpc.UnaryServerInfo{
		Server:     srv,
		FullMethod: describeMethod,
	}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(ProbeServer).Describe(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

var probeServiceDesc = grpc.ServiceDesc{
	ServiceName: ProbeServiceName,
	HandlerType: (*ProbeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Describe",
			Handler:    describeHandler,
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "burrow/agent/v1/probe.proto",
}

// RegisterProbeServer registers an agent's probe service
func RegisterProbeServer(s grpc.ServiceRegistrar, srv ProbeServer) {
	s.RegisterService(&probeServiceDesc, srv)
}

// Describer inspects local state for a probe. Agents implement it on top of
// their hypervisor and storage drivers.
type Describer interface {
	Describe(ctx context.Context, probe *codec.Probe) (*codec.Answer, error)
}

// Service adapts a Describer to the ProbeServer wire contract
type Service struct {
	describer Describer
}

// NewService creates the agent-side probe service
func NewService(d Describer) *Service {
	return &Service{describer: d}
}

// Describe decodes the probe, runs it and encodes the answer
func (s *Service) Describe(ctx context.Context, req *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	probe, err := codec.DecodeProbe(req.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode probe: %v", err)
	}

	answer, err := s.describer.Describe(ctx, probe)
	if err != nil {
		switch {
		case errors.Is(err, codec.ErrMalformed), errors.Is(err, codec.ErrUnknownKind):
			return nil, status.Errorf(codes.InvalidArgument, "describe: %v", err)
		case errors.Is(err, storage.ErrNotFound):
			return nil, status.Errorf(codes.NotFound, "describe: %v", err)
		case errors.Is(err, context.DeadlineExceeded):
			return nil, status.Errorf(codes.DeadlineExceeded, "describe: %v", err)
		default:
			return nil, status.Errorf(codes.Internal, "describe: %v", err)
		}
	}

	data, err := codec.EncodeAnswer(answer)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode answer: %v", err)
	}
	return wrapperspb.Bytes(data), nil
}

// GRPCTransport sends probes to agents over gRPC, keeping one connection
// per agent address
type GRPCTransport struct {
	dialOpts []grpc.DialOption

	mu    sync.Mutex
	conns map[string]*grpc.ClientConn
}

// NewGRPCTransport creates a transport. Connections use insecure credentials
// unless opts override them.
func NewGRPCTransport(opts ...grpc.DialOption) *GRPCTransport {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}, opts...)
	return &GRPCTransport{
		dialOpts: dialOpts,
		conns:    make(map[string]*grpc.ClientConn),
	}
}

func (t *GRPCTransport) conn(addr string) (*grpc.ClientConn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if c, ok := t.conns[addr]; ok {
		return c, nil
	}
	c, err := grpc.NewClient(addr, t.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", addr, err)
	}
	t.conns[addr] = c
	return c, nil
}

// Send delivers the probe and decodes the agent's answer
func (t *GRPCTransport) Send(ctx context.Context, host *types.Host, probe *codec.Probe) (*codec.Answer, error) {
	if host.Address == "" {
		return nil, fmt.Errorf("%w: host %d has no address", ErrNoEndpoint, host.ID)
	}
	req, err := codec.EncodeProbe(probe)
	if err != nil {
		return nil, err
	}

	c, err := t.conn(host.Address)
	if err != nil {
		return nil, err
	}

	out := new(wrapperspb.BytesValue)
	if err := c.Invoke(ctx, describeMethod, wrapperspb.Bytes(req), out); err != nil {
		if status.Code(err) == codes.Unavailable {
			return nil, fmt.Errorf("%w: %v", ErrHostDown, err)
		}
		return nil, err
	}
	return codec.DecodeAnswer(out.GetValue())
}

// Close closes every cached connection
func (t *GRPCTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var errs []error
	for addr, c := range t.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(t.conns, addr)
	}
	return errors.Join(errs...)
}
