package health

import (
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	helpers "github.com/joerpyter/go-joerpyter/pkg/shared"
	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/processHelpers"
)

func startReporter(t *testing.T) (*Reporter, healthpb.HealthClient) {
	t.Helper()
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen failed: %v", err)
	}

	r := NewReporter(helpers.NopLogger())
	go func() { _ = r.Serve(lis) }()
	t.Cleanup(r.Stop)

	conn, err := grpc.NewClient(lis.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("client failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return r, healthpb.NewHealthClient(conn)
}

func check(t *testing.T, client healthpb.HealthClient, service string) healthpb.HealthCheckResponse_ServingStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		t.Fatalf("Check(%q) failed: %v", service, err)
	}
	return resp.GetStatus()
}

func TestReporterFollowsServerState(t *testing.T) {
	r, client := startReporter(t)

	if got := check(t, client, ""); got != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("overall status = %v, want SERVING", got)
	}

	tests := []struct {
		state processHelpers.State
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{processHelpers.StateNotStarted, healthpb.HealthCheckResponse_NOT_SERVING},
		{processHelpers.StateStarting, healthpb.HealthCheckResponse_NOT_SERVING},
		{processHelpers.StateRunning, healthpb.HealthCheckResponse_SERVING},
		{processHelpers.StateExited, healthpb.HealthCheckResponse_NOT_SERVING},
	}
	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			r.Observe(tt.state)
			if got := check(t, client, ServerService); got != tt.want {
				t.Errorf("status = %v, want %v", got, tt.want)
			}
		})
	}
}
