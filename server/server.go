// Package server is the HTTP job transport: it admits one job at a time,
// hands it to the request handler and records the outcome.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"kontextworker/db"
	"kontextworker/handler"
	"kontextworker/lifecycle"
	"kontextworker/logging"
	"kontextworker/metrics"
)

// Config configures the Server.
type Config struct {
	Addr string

	ReadTimeout time.Duration
	// WriteTimeout is zero by default: a cold job includes engine
	// construction and can run for minutes.
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// MaxBodyBytes caps job request bodies.
	MaxBodyBytes int64

	DefaultHistoryLimit int
	MaxHistoryLimit     int

	// LogSkipPaths are not request-logged.
	LogSkipPaths []string
}

// DefaultConfig returns a Config listening on addr.
func DefaultConfig(addr string) Config {
	return Config{
		Addr:                addr,
		ReadTimeout:         60 * time.Second,
		IdleTimeout:         120 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		MaxBodyBytes:        100 << 20,
		DefaultHistoryLimit: 20,
		MaxHistoryLimit:     500,
		LogSkipPaths:        []string{"/health", "/metrics", "/events"},
	}
}

// JobRunner runs one parsed job. *handler.Handler implements it.
type JobRunner interface {
	Handle(ctx context.Context, req handler.Request) (handler.Response, *handler.Result, error)
}

// EngineState reports the engine lifecycle. *lifecycle.Manager implements it.
type EngineState interface {
	State() lifecycle.State
}

// History persists finished jobs. *db.Repository implements it.
type History interface {
	InsertJob(ctx context.Context, rec db.JobRecord) error
	RecentJobs(ctx context.Context, limit int) ([]db.JobRecord, error)
}

// FatalFunc ends the process after logging. It is swapped out in tests.
type FatalFunc func(msg string, fields ...zap.Field)

// Deps are the collaborators a Server needs. Store, Collector, History and
// Events are optional.
type Deps struct {
	Runner    JobRunner
	Engine    EngineState
	Store     *metrics.Store
	Collector *metrics.Collector
	History   History
	Events    *Broadcaster
	Logger    *logging.Logger
	Fatal     FatalFunc
}

// Server serves job requests and status endpoints.
type Server struct {
	config     Config
	deps       Deps
	logger     *logging.Logger
	admission  *semaphore.Weighted
	busy       atomic.Bool
	mux        *http.ServeMux
	httpServer *http.Server
}

// New wires routes and middleware. It does not start listening.
func New(config Config, deps Deps) (*Server, error) {
	if deps.Runner == nil {
		return nil, errors.New("server: job runner is required")
	}
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	if deps.Fatal == nil {
		deps.Fatal = deps.Logger.Fatal
	}
	if config.DefaultHistoryLimit <= 0 {
		config.DefaultHistoryLimit = 20
	}
	if config.MaxHistoryLimit < config.DefaultHistoryLimit {
		config.MaxHistoryLimit = config.DefaultHistoryLimit
	}

	s := &Server{
		config:    config,
		deps:      deps,
		logger:    deps.Logger.Named("server"),
		admission: semaphore.NewWeighted(1),
		mux:       http.NewServeMux(),
	}
	if deps.Events != nil {
		deps.Events.initial = s.snapshot
	}
	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         config.Addr,
		Handler:      s.Handler(),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.mux.HandleFunc("POST /{$}", s.handleJob(false))
	s.mux.HandleFunc("POST /run", s.handleJob(true))
	s.mux.HandleFunc("POST /runsync", s.handleJob(true))
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /jobs", s.handleJobs)

	if s.deps.Events != nil {
		s.mux.Handle("GET /events", s.deps.Events)
	}
	if reg := s.deps.Collector.Registry(); reg != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	}
}

func (s *Server) snapshot() InitialData {
	state := lifecycle.Unloaded
	if s.deps.Engine != nil {
		state = s.deps.Engine.State()
	}
	return InitialData{EngineState: state.String(), Busy: s.busy.Load()}
}

// Handler returns the routed handler wrapped in middleware.
func (s *Server) Handler() http.Handler {
	return Chain(s.mux,
		Recovery(s.logger),
		RequestLogger(s.logger, s.config.LogSkipPaths),
	)
}

// ListenAndServe blocks until the server stops. A clean Shutdown returns nil.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.httpServer.Addr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("job transport listening", zap.String("addr", ln.Addr().String()))
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server error: %w", err)
	}
	return nil
}

// Shutdown stops accepting jobs and waits for the in-flight one, bounded
// by the configured shutdown timeout.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down job transport")
	if s.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.ShutdownTimeout)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("http shutdown error: %w", err)
	}
	return nil
}
