package grpcserver

import (
	"context"
	"log/slog"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// PipelineService is the health service name reporting job pipeline readiness.
const PipelineService = "starlign.pipeline"

// HealthServer serves the standard gRPC health protocol.
type HealthServer struct {
	health *health.Server
	grpc   *grpc.Server
	log    *slog.Logger
}

func NewHealthServer(log *slog.Logger) *HealthServer {
	h := health.NewServer()
	g := grpc.NewServer(
		grpc.MaxRecvMsgSize(1024*1024),
		grpc.MaxSendMsgSize(1024*1024),
	)
	healthpb.RegisterHealthServer(g, h)
	h.SetServingStatus(PipelineService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthServer{health: h, grpc: g, log: log}
}

// SetServing reports whether the job pipeline accepts work.
func (s *HealthServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(PipelineService, st)
}

// Serve accepts connections on lis until ctx is done.
func (s *HealthServer) Serve(ctx context.Context, lis net.Listener) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.grpc.GracefulStop()
	}()
	s.log.Info("grpc health server starting", "addr", lis.Addr().String())
	return s.grpc.Serve(lis)
}

