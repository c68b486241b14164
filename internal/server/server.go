// ABOUTME: Observability servers: HTTP for metrics, health and the read API, gRPC for health checks
// ABOUTME: Starts both listeners, blocks until the context ends, then shuts them down gracefully

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"

	"github.com/beanlab/rubber-duck-sub000/internal/conversation"
	"github.com/beanlab/rubber-duck-sub000/internal/store"
)

// shutdownTimeout bounds graceful shutdown.
const shutdownTimeout = 5 * time.Second

// UsageQuerier answers usage and per-thread report queries.
type UsageQuerier interface {
	GetUsageStats(ctx context.Context, filter store.UsageFilter) ([]*store.UsageStats, error)
	GetThreadUsage(ctx context.Context, threadID string) ([]*store.UsageRecord, error)
	GetThreadFeedback(ctx context.Context, threadID string) ([]*store.FeedbackRecord, error)
}

// Config holds the server's addresses and data sources. Empty addresses
// disable the corresponding server.
type Config struct {
	HTTPAddr string
	GRPCAddr string

	Gatherer prometheus.Gatherer
	// Ready reports whether the service can take conversations.
	Ready  func() error
	Usage  UsageQuerier
	Events *conversation.EventBroadcaster
	Logger *slog.Logger
}

// Server runs the HTTP and gRPC listeners.
type Server struct {
	config     Config
	httpServer *http.Server
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

// New builds the servers. Nothing listens until Run.
func New(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config: cfg,
		health: health.NewServer(),
		logger: logger.With("component", "server"),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.grpcServer = grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)
	healthpb.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)

	return s
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/ready", s.handleReady)
	mux.Handle("/metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/api/stats/usage", s.handleUsageStats)
	mux.HandleFunc("/api/thread", s.handleThreadReport)
	mux.HandleFunc("/api/events", s.handleEvents)
	return mux
}

// Run starts the listeners and blocks until ctx is cancelled or a server
// fails. Returns nil on graceful shutdown.
func (s *Server) Run(ctx context.Context) error {
	httpLn, grpcLn, err := s.listen()
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	if httpLn != nil {
		go func() {
			s.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
			if err := s.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("HTTP server: %w", err)
			}
		}()
	}
	if grpcLn != nil {
		go func() {
			s.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := s.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, shutting down servers")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The original context is already done.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (s *Server) listen() (httpLn, grpcLn net.Listener, err error) {
	if s.config.HTTPAddr != "" {
		httpLn, err = net.Listen("tcp", s.config.HTTPAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
		}
	}
	if s.config.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", s.config.GRPCAddr)
		if err != nil {
			if httpLn != nil {
				_ = httpLn.Close()
			}
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return httpLn, grpcLn, nil
}

// Shutdown marks the service NOT_SERVING and stops both servers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.health.Shutdown()

	err := s.httpServer.Shutdown(ctx)

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-ctx.Done():
		s.grpcServer.Stop()
	}

	if err != nil {
		return fmt.Errorf("HTTP shutdown: %w", err)
	}
	return nil
}

// handleHealth returns 200 OK if the process is alive.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK once the service can take conversations.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.config.Ready != nil {
		if err := s.config.Ready(); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(err.Error()))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
