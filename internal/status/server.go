package status

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/peer"
	grpcstatus "google.golang.org/grpc/status"
)

// WorkerService is the health service name probes can ask for besides "".
const WorkerService = "promoter.worker"

// HealthServer serves grpc.health.v1 backed by a Monitor.
type HealthServer struct {
	monitor  *Monitor
	health   *health.Server
	server   *grpc.Server
	listener net.Listener
	log      zerolog.Logger
}

func NewHealthServer(port int, monitor *Monitor, logger *zerolog.Logger) (*HealthServer, error) {
	addr := fmt.Sprintf(":%d", port)
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("grpc listen %s: %w", addr, err)
	}
	return newHealthServer(lis, monitor, logger), nil
}

func newHealthServer(lis net.Listener, monitor *Monitor, logger *zerolog.Logger) *HealthServer {
	srv := grpc.NewServer(grpc.UnaryInterceptor(LoggingUnaryInterceptor(logger)))
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	// NOT_SERVING until the first heartbeat is seen.
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(WorkerService, healthpb.HealthCheckResponse_NOT_SERVING)

	log := zerolog.Nop()
	if logger != nil {
		log = logger.With().Str("component", "health").Logger()
	}

	return &HealthServer{
		monitor:  monitor,
		health:   hs,
		server:   srv,
		listener: lis,
		log:      log,
	}
}

func (s *HealthServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Refresh re-evaluates the heartbeat and publishes the serving status.
func (s *HealthServer) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	h, err := s.monitor.Check(ctx)
	switch {
	case err != nil:
		s.log.Warn().Err(err).Msg("heartbeat check failed")
	case h.Healthy:
		st = healthpb.HealthCheckResponse_SERVING
	default:
		s.log.Debug().Dur("age", h.Age).Msg("worker heartbeat stale")
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(WorkerService, st)
	return st
}

// Watch refreshes the status every interval until ctx is cancelled.
func (s *HealthServer) Watch(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	s.Refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Refresh(ctx)
		}
	}
}

func (s *HealthServer) Serve() error {
	s.log.Info().Str("addr", s.Addr()).Msg("gRPC health listening")
	return s.server.Serve(s.listener)
}

func (s *HealthServer) Shutdown(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.server.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn().Msg("gRPC graceful shutdown timed out; forcing stop")
		s.server.Stop()
	}
}

func LoggingUnaryInterceptor(logger *zerolog.Logger) grpc.UnaryServerInterceptor {
	base := zerolog.Nop()
	if logger != nil {
		base = logger.With().Str("component", "grpc").Logger()
	}

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		code := codes.OK
		if err != nil {
			code = grpcstatus.Code(err)
		}
		remote := "unknown"
		if p, ok := peer.FromContext(ctx); ok && p.Addr != nil {
			remote = p.Addr.String()
		}

		base.Debug().
			Str("method", info.FullMethod).
			Str("remote", remote).
			Str("code", code.String()).
			Dur("duration", time.Since(start)).
			Msg("grpc request")
		return resp, err
	}
}
