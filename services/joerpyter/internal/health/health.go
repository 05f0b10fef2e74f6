// Package health exposes the kernel and its query server through the
// standard gRPC health checking service.
package health

import (
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/processHelpers"
)

// ServerService reports whether the query server is running
const ServerService = "joerpyter.server"

type Reporter struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

func NewReporter(logger *slog.Logger) *Reporter {
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServerService, healthpb.HealthCheckResponse_NOT_SERVING)

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)

	return &Reporter{
		grpcServer: grpcServer,
		health:     hs,
		logger:     logger.With("component", "health"),
	}
}

// Observe maps a supervisor state onto the server service status. It is
// meant to be registered with Supervisor.OnStateChange.
func (r *Reporter) Observe(state processHelpers.State) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if state == processHelpers.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.health.SetServingStatus(ServerService, status)
}

// Serve blocks until Stop is called or the listener fails
func (r *Reporter) Serve(lis net.Listener) error {
	r.logger.Info("Health service listening", "addr", lis.Addr().String())
	return r.grpcServer.Serve(lis)
}

// Stop marks every service NOT_SERVING and stops the gRPC server
func (r *Reporter) Stop() {
	r.health.Shutdown()
	r.grpcServer.GracefulStop()
}
