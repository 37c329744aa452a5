package transportgrpc

import (
	"go.uber.org/zap"
	"google.golang.org/grpc"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	grpcinterceptors "github.com/arklim/extension-license-service/internal/transport/grpc/interceptors"
)

// ServerDependencies encapsulates services required by the gRPC server layer.
type ServerDependencies struct {
	Health            *HealthReporter
	Metrics           *grpcinterceptors.GRPCMetrics
	Tracing           *grpcinterceptors.ServerTracing
	Logger            *zap.Logger
	ReflectionEnabled bool
}

// NewServer wires the health service with call metrics and, when configured, tracing.
func NewServer(deps ServerDependencies) *grpc.Server {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	options := []grpc.ServerOption{
		grpc.ChainUnaryInterceptor(deps.Metrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(deps.Metrics.StreamServerInterceptor()),
	}
	if opt := deps.Tracing.ServerOption(); opt != nil {
		options = append(options, opt)
	}
	server := grpc.NewServer(options...)

	health := deps.Health
	if health == nil {
		health = NewHealthReporter(nil, 0, logger)
	}
	healthpb.RegisterHealthServer(server, health.Server())

	// Register reflection service for tools like grpcurl.
	if deps.ReflectionEnabled {
		reflection.Register(server)
	}

	return server
}
