package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/docdb-driver/drc/internal/config"
)

// RouterService is the gRPC health service name reported by the server.
const RouterService = "drc.Router"

// Server runs the diagnostics HTTP API, the gRPC health service and the
// metrics endpoint.
type Server struct {
	config  config.ServerConfig
	logger  *zap.Logger
	handler http.Handler
	metrics http.Handler
	health  *health.Server

	httpServer    *http.Server
	metricsServer *http.Server
	grpcServer    *grpc.Server

	mu        sync.Mutex
	addrs     map[string]net.Addr
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// New creates a new server instance. metrics may be nil, in which case no
// metrics listener is started.
func New(cfg config.ServerConfig, handler, metrics http.Handler, logger *zap.Logger) (*Server, error) {
	if handler == nil {
		return nil, errors.New("diagnostics handler is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		config:  cfg,
		logger:  logger,
		handler: handler,
		metrics: metrics,
		health:  health.NewServer(),
		addrs:   make(map[string]net.Addr),
	}
	// Not serving until the configured collections are primed.
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus(RouterService, healthpb.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Start starts the server
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		err = s.start()
	})
	return err
}

func (s *Server) start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startGRPCServer(); err != nil {
		return fmt.Errorf("failed to start gRPC server: %w", err)
	}

	if s.metrics != nil {
		if err := s.startMetricsServer(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	s.logger.Info("Diagnostics server started",
		zap.Stringer("http_addr", s.Addr("http")),
		zap.Stringer("grpc_addr", s.Addr("grpc")),
	)
	return nil
}

// SetServing flips the gRPC health status of the router service.
func (s *Server) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(RouterService, st)
}

// Addr returns the bound address of the "http", "grpc" or "metrics"
// listener, or nil if it is not running.
func (s *Server) Addr(name string) net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addrs[name]
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() {
		s.logger.Info("Stopping diagnostics server")
		s.health.Shutdown()

		shutdownCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()

		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv == nil {
				continue
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				s.logger.Error("Failed to shutdown HTTP server", zap.String("addr", srv.Addr), zap.Error(err))
			}
		}

		if s.grpcServer != nil {
			s.grpcServer.GracefulStop()
		}

		s.wg.Wait()
		s.logger.Info("Diagnostics server stopped")
	})
	return nil
}

func (s *Server) listen(name string, port int) (net.Listener, error) {
	lis, err := net.Listen("tcp", net.JoinHostPort(s.config.Host, fmt.Sprint(port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s port: %w", name, err)
	}
	s.mu.Lock()
	s.addrs[name] = lis.Addr()
	s.mu.Unlock()
	return lis, nil
}

func (s *Server) serveHTTP(name string, srv *http.Server, lis net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := srv.Serve(lis); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.String("listener", name), zap.Error(err))
		}
	}()
}

// startHTTPServer starts the diagnostics API
func (s *Server) startHTTPServer() error {
	lis, err := s.listen("http", s.config.Port)
	if err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:         lis.Addr().String(),
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}
	s.serveHTTP("http", s.httpServer, lis)
	return nil
}

// startGRPCServer starts the gRPC health service
func (s *Server) startGRPCServer() error {
	lis, err := s.listen("grpc", s.config.GRPCPort)
	if err != nil {
		return err
	}

	s.grpcServer = grpc.NewServer(
		grpc.UnaryInterceptor(loggingInterceptor(s.logger)),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpcServer.Serve(lis); err != nil {
			s.logger.Error("gRPC server error", zap.Error(err))
		}
	}()
	return nil
}

// startMetricsServer starts the Prometheus metrics server
func (s *Server) startMetricsServer() error {
	lis, err := s.listen("metrics", s.config.MetricsPort)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.metrics)

	s.metricsServer = &http.Server{
		Addr:        lis.Addr().String(),
		Handler:     mux,
		ReadTimeout: s.config.ReadTimeout,
	}
	s.serveHTTP("metrics", s.metricsServer, lis)
	return nil
}

// loggingInterceptor provides request logging for gRPC
func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		duration := time.Since(start)

		if err != nil {
			logger.Warn("gRPC request failed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
				zap.Error(err),
			)
		} else {
			logger.Debug("gRPC request completed",
				zap.String("method", info.FullMethod),
				zap.Duration("duration", duration),
			)
		}
		return resp, err
	}
}
