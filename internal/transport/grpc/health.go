package transportgrpc

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LicenseServiceName is the service name reported through grpc.health.v1.
const LicenseServiceName = "license.v1.LicenseService"

const defaultCheckInterval = 15 * time.Second

// DependencyCheck tests one backing dependency.
type DependencyCheck func(ctx context.Context) error

// HealthReporter keeps the gRPC health status in line with the readiness of
// Postgres and Redis.
type HealthReporter struct {
	server   *health.Server
	checks   map[string]DependencyCheck
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthReporter creates a reporter. Without checks the service is always SERVING.
func NewHealthReporter(checks map[string]DependencyCheck, interval time.Duration, logger *zap.Logger) *HealthReporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = defaultCheckInterval
	}

	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	server.SetServingStatus(LicenseServiceName, healthpb.HealthCheckResponse_SERVING)

	return &HealthReporter{
		server:   server,
		checks:   checks,
		interval: interval,
		logger:   logger,
	}
}

// Server exposes the grpc health implementation.
func (r *HealthReporter) Server() *health.Server {
	return r.server
}

// Refresh runs every check once and updates the serving status.
func (r *HealthReporter) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	names := make([]string, 0, len(r.checks))
	for name := range r.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := healthpb.HealthCheckResponse_SERVING
	for _, name := range names {
		checkCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := r.checks[name](checkCtx)
		cancel()
		if err != nil {
			r.logger.Warn("dependency check failed", zap.String("dependency", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	r.server.SetServingStatus(LicenseServiceName, status)
	return status
}

// Run refreshes on every interval until ctx is cancelled, then marks the
// server as shutting down.
func (r *HealthReporter) Run(ctx context.Context) error {
	r.Refresh(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.server.Shutdown()
			return nil
		case <-ticker.C:
			r.Refresh(ctx)
		}
	}
}
