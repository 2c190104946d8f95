package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"

	"github.com/KevoDB/slabkv/pkg/common/log"
	"github.com/KevoDB/slabkv/pkg/config"
	"github.com/KevoDB/slabkv/pkg/engine"
	grpcservice "github.com/KevoDB/slabkv/pkg/grpc/service"
	"github.com/KevoDB/slabkv/pkg/grpc/transport"
)

// Server represents the slabkv server
type Server struct {
	eng            *engine.Engine
	listener       net.Listener
	grpcServer     *grpc.Server
	metricsServer  *http.Server
	metricsHandler http.Handler
	config         *config.Config
	logger         log.Logger
}

// NewServer creates a new server instance. metrics may be nil.
func NewServer(eng *engine.Engine, cfg *config.Config, metrics http.Handler, logger log.Logger) *Server {
	return &Server{
		eng:            eng,
		config:         cfg,
		metricsHandler: metrics,
		logger:         logger.WithField("component", "server"),
	}
}

// Start initializes the listener and gRPC server
func (s *Server) Start() error {
	var err error
	s.listener, err = net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.ListenAddr, err)
	}

	s.grpcServer, err = transport.NewServer(transport.ServerOptionsFromConfig(s.config, s.logger))
	if err != nil {
		s.listener.Close()
		return err
	}
	grpcservice.RegisterSlabStoreServer(s.grpcServer, grpcservice.NewSlabStoreService(s.eng, s.logger))

	if s.metricsHandler != nil && s.config.Telemetry.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metricsHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.Telemetry.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.logger.Error("metrics server failed: %v", err)
			}
		}()
	}

	s.logger.Info("Listening on %s", s.listener.Addr())
	return nil
}

// Addr returns the address the server is listening on
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Serve starts serving requests (blocking)
func (s *Server) Serve() error {
	if s.grpcServer == nil {
		return fmt.Errorf("server not initialized, call Start() first")
	}
	return s.grpcServer.Serve(s.listener)
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.grpcServer != nil {
		s.logger.Info("Gracefully stopping gRPC server")

		stopped := make(chan struct{})
		go func() {
			s.grpcServer.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			s.logger.Info("gRPC server stopped gracefully")
		case <-ctx.Done():
			s.logger.Warn("Context deadline exceeded, forcing server stop")
			s.grpcServer.Stop()
		}
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop metrics server: %w", err)
		}
	}

	return nil
}
