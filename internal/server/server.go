// Package server exposes a coordinator over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	apperrors "github.com/3leaps/starship/internal/errors"
	"github.com/3leaps/starship/internal/server/handlers"
	"github.com/3leaps/starship/internal/server/middleware"
	"github.com/3leaps/starship/pkg/coordinator"
	"github.com/3leaps/starship/pkg/protocol"
)

// Timeouts bounds the underlying http.Server.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Server is the coordinator HTTP server.
type Server struct {
	host     string
	port     int
	logger   *zap.Logger
	coord    *coordinator.Coordinator
	health   *handlers.HealthManager
	version  handlers.VersionInfo
	timeouts Timeouts

	router chi.Router

	mu       sync.Mutex
	http     *http.Server
	listener net.Listener
}

// Option customizes a Server.
type Option func(*Server)

// WithCoordinator mounts the worker protocol routes for c.
func WithCoordinator(c *coordinator.Coordinator) Option {
	return func(s *Server) { s.coord = c }
}

// WithLogger sets the request logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithHealthManager serves health probes from m instead of the
// process-wide manager.
func WithHealthManager(m *handlers.HealthManager) Option {
	return func(s *Server) { s.health = m }
}

// WithVersion sets the payload of /version.
func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

// WithTimeouts sets the http.Server timeouts.
func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// New creates a server listening on host:port. Port 0 picks a free port on
// Start.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:    host,
		port:    port,
		logger:  zap.NewNop(),
		version: handlers.VersionInfo{Version: "dev"},
		timeouts: Timeouts{
			Read:  30 * time.Second,
			Write: 30 * time.Second,
			Idle:  120 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery)

	r.NotFound(apperrors.NotFoundHandler)
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler)

	if s.health != nil {
		r.Get("/health", s.health.HealthHandler)
		r.Get("/health/live", s.health.LivenessHandler)
		r.Get("/health/ready", s.health.HealthHandler)
		r.Get("/health/startup", s.health.StartupHandler)
	} else {
		r.Get("/health", handlers.HealthHandler)
		r.Get("/health/live", handlers.LivenessHandler)
		r.Get("/health/ready", handlers.ReadinessHandler)
		r.Get("/health/startup", handlers.StartupHandler)
	}
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.coord != nil {
		jobs := handlers.NewJobsHandler(s.coord, s.logger)
		r.Get(protocol.PathNextJob, jobs.NextJob)
		r.Post(protocol.PathNextJob, jobs.Report)
		r.Get(protocol.PathStatus, jobs.Status)
		r.Get(protocol.PathJob, jobs.Job)
	}
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port, or the bound port once started on
// port 0.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		if addr, ok := s.listener.Addr().(*net.TCPAddr); ok {
			return addr.Port
		}
	}
	return s.port
}

// Addr returns host:port.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.host, strconv.Itoa(s.Port()))
}

// Listen binds the listening socket without serving.
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return nil
	}
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen on %s:%d: %w", s.host, s.port, err)
	}
	s.listener = ln
	s.http = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: s.timeouts.Read,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	return nil
}

// Start serves until Shutdown is called. It returns nil after a clean
// shutdown.
func (s *Server) Start() error {
	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	srv, ln := s.http, s.listener
	s.mu.Unlock()

	s.logger.Info("Coordinator listening", zap.String("addr", ln.Addr().String()))
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}
