package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
)

const defaultRefreshInterval = 5 * time.Second

// Server exposes the aggregate over the standard gRPC health protocol. The
// empty service name carries the aggregate; each component is also served
// under its own name.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *grpchealth.Server
	aggregator *Aggregator
	refresh    time.Duration
}

// NewServer listens on addr. refresh sets how often statuses are
// re-probed; zero uses the default.
func NewServer(addr string, aggregator *Aggregator, refresh time.Duration) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if refresh <= 0 {
		refresh = defaultRefreshInterval
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := grpchealth.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	return &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		aggregator: aggregator,
		refresh:    refresh,
	}, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve answers health checks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	slog.Info("health server listening", "addr", s.Addr())

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	s.update(ctx)
	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.health.Shutdown()
			s.grpcServer.GracefulStop()
			err := <-serveErr
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve gRPC health: %w", err)
		case err := <-serveErr:
			if err == nil || errors.Is(err, grpc.ErrServerStopped) {
				return nil
			}
			return fmt.Errorf("serve gRPC health: %w", err)
		case <-ticker.C:
			s.update(ctx)
		}
	}
}

func (s *Server) update(ctx context.Context) {
	report := s.aggregator.Check(ctx)
	s.health.SetServingStatus("", servingStatus(report.Status))
	for _, c := range report.Components {
		s.health.SetServingStatus(c.Name, servingStatus(c.Status))
		if c.Status == StatusDown {
			slog.Warn("component down", "name", c.Name, "required", c.Required, "error", c.Error)
		}
	}
}

func servingStatus(s Status) grpc_health_v1.HealthCheckResponse_ServingStatus {
	if s == StatusUp {
		return grpc_health_v1.HealthCheckResponse_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_NOT_SERVING
}
