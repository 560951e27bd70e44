package server

import (
	"context"
	"log/slog"
	"path"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/abdhe/llm-dispatch/pkg/metrics"
)

// UnaryMetrics records request counts and latency per method.
func UnaryMetrics(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	metrics.ActiveRequests.Inc()
	defer metrics.ActiveRequests.Dec()

	resp, err := handler(ctx, req)

	method := path.Base(info.FullMethod)
	code := status.Code(err)
	metrics.RequestsTotal.WithLabelValues(method, code.String()).Inc()
	metrics.RequestLatency.WithLabelValues(method).Observe(time.Since(start).Seconds())
	slog.Debug("rpc", "method", method, "code", code.String(), "took", time.Since(start))
	return resp, err
}

// NewGRPCServer builds a gRPC server with the metrics interceptor and h
// registered.
func NewGRPCServer(h DispatcherServer, opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{
		grpc.MaxRecvMsgSize(16 * 1024 * 1024), // 16MB
		grpc.MaxSendMsgSize(64 * 1024 * 1024), // 64MB
		grpc.ChainUnaryInterceptor(UnaryMetrics),
	}, opts...)
	s := grpc.NewServer(opts...)
	Register(s, h)
	return s
}
