package server

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/gigapi/gigapi-ingest/core"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported for discovery.
const ServiceName = "gigapi.ingest"

// HealthReporter tells whether discovery is working.
type HealthReporter interface {
	Healthy() bool
}

// HealthServer exposes the standard gRPC health service, following the
// discovery health of the ingest service.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	reporter HealthReporter
	interval time.Duration
}

func NewHealthServer(reporter HealthReporter, interval time.Duration) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &HealthServer{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		reporter: reporter,
		interval: interval,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.update()
	return s
}

func (s *HealthServer) update() {
	status := healthpb.HealthCheckResponse_SERVING
	if s.reporter != nil && !s.reporter.Healthy() {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Serve answers health checks on lis until ctx is done.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				s.health.Shutdown()
				s.grpc.GracefulStop()
				return
			case <-ticker.C:
				s.update()
			}
		}
	}()
	core.Infof(ctx, "gRPC health server listening on %s", lis.Addr())
	if err := s.grpc.Serve(lis); err != nil {
		return fmt.Errorf("grpc health server failed: %w", err)
	}
	return nil
}

// ListenAndServe listens on port and calls Serve.
func (s *HealthServer) ListenAndServe(ctx context.Context, port int) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	return s.Serve(ctx, lis)
}
