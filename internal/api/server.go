// Package api serves a read-only HTTP view of a running dispatch: its
// status, a live event stream and the run journal.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/mattjoyce/batchwrap/internal/auth"
	"github.com/mattjoyce/batchwrap/internal/dispatch"
	"github.com/mattjoyce/batchwrap/internal/events"
	"github.com/mattjoyce/batchwrap/internal/journal"
)

// StatusSource reports the current state of a run.
type StatusSource interface {
	Status() dispatch.Status
}

// RunStore is the part of the journal the API reads.
type RunStore interface {
	Runs(ctx context.Context, limit int) ([]journal.Run, error)
	Get(ctx context.Context, id string) (journal.Run, error)
	PointErrors(ctx context.Context, runID string) ([]journal.PointError, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// Tokens enables bearer authentication; empty leaves the API open.
	Tokens []auth.TokenConfig
}

// Server represents the HTTP API server
type Server struct {
	config    Config
	status    StatusSource
	hub       *events.Hub
	runs      RunStore
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
	ready     chan struct{}
	addr      string
}

// New creates a server. runs may be nil when no journal is configured.
func New(config Config, status StatusSource, hub *events.Hub, runs RunStore, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		status:    status,
		hub:       hub,
		runs:      runs,
		logger:    logger,
		startedAt: time.Now(),
		ready:     make(chan struct{}),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Addr returns the bound address once Start is listening.
func (s *Server) Addr() string {
	<-s.ready
	return s.addr
}

// Start serves until ctx is cancelled (blocking).
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		close(s.ready)
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	s.addr = ln.Addr().String()
	close(s.ready)

	s.server = &http.Server{
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("status API starting", "listen", s.addr)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("status API shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/openapi.json", s.handleOpenAPI)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.With(s.requireScopes(auth.ScopeStatus)).Get("/status", s.handleStatus)
		r.With(s.requireScopes(auth.ScopeEvents)).Get("/events", s.handleEvents)
		r.With(s.requireScopes(auth.ScopeRuns)).Get("/runs", s.handleListRuns)
		r.With(s.requireScopes(auth.ScopeRuns)).Get("/runs/{runID}", s.handleGetRun)
	})

	return r
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
