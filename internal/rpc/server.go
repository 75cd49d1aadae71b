package rpc

import (
	"context"
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Config holds gRPC server configuration.
type Config struct {
	Address string
}

// Server hosts the admin API and the standard health service.
type Server struct {
	cfg    Config
	srv    *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer registers admin on a new gRPC server. The health status stays
// NOT_SERVING until Start or Serve.
func NewServer(cfg Config, admin AdminHandler, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:    cfg,
		srv:    grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler())),
		health: health.NewServer(),
		logger: logger.Named("grpc"),
	}
	if admin != nil {
		RegisterAdmin(s.srv, admin)
	}
	healthpb.RegisterHealthServer(s.srv, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	if s.cfg.Address == "" {
		return fmt.Errorf("grpc address is empty")
	}
	lis, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		s.Stop()
		_ = lis.Close()
	}()
	go func() {
		if err := s.Serve(lis); err != nil {
			s.logger.Warn("grpc server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("grpc server listening", zap.String("address", lis.Addr().String()))
	return nil
}

// Serve serves on lis until Stop.
func (s *Server) Serve(lis net.Listener) error {
	s.setServing(true)
	return s.srv.Serve(lis)
}

// Stop shuts down the server.
func (s *Server) Stop() {
	if s.srv != nil {
		s.setServing(false)
		s.srv.GracefulStop()
	}
}

func (s *Server) setServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}
