// Package health serves the standard gRPC health-checking protocol so
// orchestrators can probe the lobby server without speaking WebSocket.
package health

import (
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/cory-johannsen/cardlobby/internal/config"
)

// LobbyService is the service name reported alongside the overall ("") status.
const LobbyService = "cardlobby.Lobby"

// Server exposes grpc.health.v1.Health on its own listener.
type Server struct {
	cfg    config.HealthConfig
	logger *zap.Logger
	grpc   *grpc.Server
	status *grpchealth.Server

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates a health server. Both services start as NOT_SERVING.
//
// Precondition: logger must be non-nil.
func NewServer(cfg config.HealthConfig, logger *zap.Logger) *Server {
	status := grpchealth.NewServer()
	status.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	status.SetServingStatus(LobbyService, healthpb.HealthCheckResponse_NOT_SERVING)

	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, status)

	return &Server{
		cfg:    cfg,
		logger: logger,
		grpc:   gs,
		status: status,
	}
}

// Start binds the configured address, marks every service SERVING, and
// serves until Stop is called.
//
// Postcondition: The listener is closed when this method returns.
func (s *Server) Start() error {
	start := time.Now()
	lis, err := net.Listen("tcp", s.cfg.Addr())
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Addr(), err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.SetServing(true)
	s.logger.Info("gRPC health server listening",
		zap.String("addr", lis.Addr().String()),
		zap.Duration("startup", time.Since(start)),
	)
	return s.grpc.Serve(lis)
}

// Stop marks every service NOT_SERVING and drains in-flight checks.
func (s *Server) Stop() {
	s.status.Shutdown()
	s.grpc.GracefulStop()
}

// SetServing flips the lobby and overall status together.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.status.SetServingStatus("", st)
	s.status.SetServingStatus(LobbyService, st)
}

// Addr returns the actual listening address, or empty string if not yet listening.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return ""
}
