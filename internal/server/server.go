// Package server provides the HTTP server that wires all services together.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/voxrelay/voxrelay/internal/blob"
	"github.com/voxrelay/voxrelay/internal/broadcast"
	"github.com/voxrelay/voxrelay/internal/bus"
	"github.com/voxrelay/voxrelay/internal/config"
	"github.com/voxrelay/voxrelay/internal/gateway"
	"github.com/voxrelay/voxrelay/internal/hub"
	"github.com/voxrelay/voxrelay/internal/metrics"
	"github.com/voxrelay/voxrelay/internal/pipeline"
	"github.com/voxrelay/voxrelay/internal/pkg/logger"
	"github.com/voxrelay/voxrelay/internal/pkg/middleware"
	"github.com/voxrelay/voxrelay/internal/pkg/security"
	"github.com/voxrelay/voxrelay/internal/registry"
	"github.com/voxrelay/voxrelay/internal/transport"
)

// Server is the main HTTP server that wires all services together.
type Server struct {
	cfg        *config.Config
	version    string
	log        *logger.Logger
	httpServer *http.Server
	handler    http.Handler

	// Services
	registry registry.Registry
	store    blob.Store
	bus      bus.Bus
	metrics  *metrics.Metrics
	coord    *pipeline.Coordinator

	// hub is nil when delivery goes through the managed gateway.
	hub *hub.Hub

	httpLimiter   *middleware.RateLimiter
	socketLimiter *middleware.RateLimiter

	mu      sync.RWMutex
	started bool
	stopped bool
}

// New creates a new server with all dependencies. Nothing is listening until
// Start is called.
func New(ctx context.Context, cfg *config.Config, version string, log *logger.Logger) (_ *Server, err error) {
	if version == "" {
		version = "dev"
	}
	s := &Server{
		cfg:     cfg,
		version: version,
		log:     log,
	}
	defer func() {
		if err != nil {
			s.closeServices()
		}
	}()

	if cfg.Observability.MetricsEnabled {
		s.metrics = metrics.New()
	}

	s.registry, err = registry.New(cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}

	s.store, err = blob.New(ctx, cfg.Blob)
	if err != nil {
		return nil, fmt.Errorf("failed to create blob store: %w", err)
	}

	s.bus, err = bus.NewBus(cfg.Bus, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create bus: %w", err)
	}
	if s.metrics != nil {
		s.bus = bus.NewInstrumentedBus(s.bus, s.metrics)
	}

	senders, err := s.buildTransport(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	deps := pipeline.Deps{
		Registry: s.registry,
		Store:    s.store,
		Bus:      s.bus,
		Senders:  senders,
		Log:      log,
	}
	bcfg := broadcast.Config{Echo: cfg.Broadcast.Echo, Concurrency: cfg.Broadcast.Concurrency}
	if s.metrics != nil {
		deps.Broadcaster = broadcast.New(bcfg, log, s.metrics)
		deps.Metrics = s.metrics
		s.registerGauges()
	} else {
		deps.Broadcaster = broadcast.New(bcfg, log, nil)
	}
	s.coord = pipeline.New(deps, cfg.Events)

	if cfg.Security.RateLimit > 0 {
		s.httpLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(cfg.Security.RateLimit),
			Burst:             cfg.Security.RateLimit * 2,
		})
	}

	s.handler = s.setupRoutes()
	return s, nil
}

func (s *Server) buildTransport(ctx context.Context) (transport.SenderFactory, error) {
	tc := s.cfg.Transport
	if tc.Type == "apigw" {
		return transport.NewAPIGatewayFactory(ctx, transport.APIGatewayConfig{
			Region:   tc.Region,
			Endpoint: tc.Endpoint,
		})
	}

	var limiter hub.Limiter
	if n := s.cfg.Security.SocketRateLimit; n > 0 {
		s.socketLimiter = middleware.NewRateLimiter(middleware.RateLimiterConfig{
			RequestsPerSecond: float64(n),
			Burst:             n * 2,
		})
		limiter = s.socketLimiter
	}

	s.hub = hub.New(hub.Config{
		Stage:           s.cfg.Server.Stage,
		SendBuffer:      tc.SendBuffer,
		PongWait:        tc.PongWait,
		WriteWait:       tc.WriteWait,
		MaxMessageBytes: tc.MaxMessageBytes,
		AllowedOrigins:  splitList(s.cfg.Security.AllowedOrigins),
	}, s.log, limiter)
	return s.hub, nil
}

func (s *Server) registerGauges() {
	s.metrics.Gauge("registry_connections", "Connections in the registry", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		n, err := s.registry.Count(ctx)
		if err != nil {
			return -1
		}
		return float64(n)
	})
	if s.hub != nil {
		s.metrics.Gauge("hub_sockets", "WebSocket connections attached to this process", func() float64 {
			return float64(s.hub.Count())
		})
	}
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start listens on the configured address and serves until Stop.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve subscribes the pipeline to the bus and serves HTTP on ln until Stop.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.started || s.stopped {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("server already started")
	}

	if err := s.coord.Start(ctx); err != nil {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("failed to start pipeline: %w", err)
	}

	s.started = true
	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}
	srv := s.httpServer
	s.mu.Unlock()

	attrs := []any{
		"addr", ln.Addr().String(),
		"transport", s.cfg.Transport.Type,
		"registry", s.cfg.Registry.Type,
		"bus", s.cfg.Bus.Type,
	}
	if s.cfg.Registry.Type == "redis" {
		attrs = append(attrs, "registry_url", security.RedactURL(s.cfg.Registry.RedisURL))
	}
	if s.cfg.Bus.Type == "redis" {
		attrs = append(attrs, "bus_url", security.RedactURL(s.cfg.Bus.RedisURL))
	}
	s.log.Info("Starting HTTP server", attrs...)
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully stops the server: sockets first, then HTTP, then services.
// It is safe to call on a server that never started.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return nil
	}
	s.stopped = true

	s.log.Info("Shutting down server...")

	timeout := s.cfg.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if s.hub != nil {
		if err := s.hub.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("Hub shutdown incomplete", "error", err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.log.Error("HTTP shutdown error", "error", err)
		}
	}

	s.closeServices()

	s.started = false
	s.log.Info("Server stopped")

	return nil
}

func (s *Server) closeServices() {
	if s.bus != nil {
		if err := s.bus.Close(); err != nil {
			s.log.Warn("Bus close error", "error", err)
		}
	}
	if s.registry != nil {
		if err := s.registry.Close(); err != nil {
			s.log.Warn("Registry close error", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.log.Warn("Blob store close error", "error", err)
		}
	}
	if s.httpLimiter != nil {
		s.httpLimiter.Stop()
	}
	if s.socketLimiter != nil {
		s.socketLimiter.Stop()
	}
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)

	if s.hub != nil {
		mux.Handle("GET /ws", s.hub.Handler(s.coord))
	} else {
		gateway.NewHandler(s.coord, s.log, s.cfg.Server.MaxBodyBytes).RegisterRoutes(mux)
	}

	if s.metrics != nil {
		path := s.cfg.Observability.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, s.metrics.Handler())
	}

	var handler http.Handler = mux
	if s.httpLimiter != nil {
		handler = s.httpLimiter.Middleware(handler)
	}
	if s.metrics != nil {
		handler = metrics.HTTPMiddleware(s.metrics, handler)
	}
	handler = wrapWithLogging(handler, s.log)
	return middleware.RequestID(handler)
}

// Health returns the server health status.
func (s *Server) Health() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.started && !s.stopped
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
