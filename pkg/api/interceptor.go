package api

import (
	"context"
	"strings"

	"github.com/cuemby/burrow/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// LeaderOnlyInterceptor rejects the listed methods on a follower. They
// write through raft, which only the leader accepts.
func LeaderOnlyInterceptor(cluster Cluster, methods ...string) grpc.UnaryServerInterceptor {
	guarded := make(map[string]bool, len(methods))
	for _, m := range methods {
		guarded[m] = true
	}
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		if guarded[info.FullMethod] && !cluster.IsLeader() {
			leader := cluster.LeaderAddr()
			if leader == "" {
				return nil, status.Error(codes.Unavailable, "no leader elected")
			}
			return nil, status.Errorf(codes.FailedPrecondition, "not the leader, send to %s", leader)
		}
		return handler(ctx, req)
	}
}

// MetricsInterceptor counts requests and observes their latency by method
func MetricsInterceptor() grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		method := methodName(info.FullMethod)
		timer := metrics.NewTimer()

		resp, err := handler(ctx, req)

		timer.ObserveDurationVec(metrics.APIRequestDuration, method)
		metrics.APIRequestsTotal.WithLabelValues(method, status.Code(err).String()).Inc()
		return resp, err
	}
}

// methodName extracts the method from a full path
// (e.g., "/burrow.manager.v1.Manager/Report" -> "Report")
func methodName(full string) string {
	parts := strings.Split(full, "/")
	return parts[len(parts)-1]
}
