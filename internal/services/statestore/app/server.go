// Package server hosts a persisted-state backend: the REST protocol over HTTP
// on top of a SQLite store, plus a gRPC health endpoint. When a codec is
// configured it also hosts a state store over that same database and serves
// the state API for session-owning clients.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/formstate/internal/platform/logging"
	"github.com/louisbranch/formstate/internal/platform/timeouts"
	statestore "github.com/louisbranch/formstate/internal/services/statestore"
	"github.com/louisbranch/formstate/internal/services/statestore/api"
	"github.com/louisbranch/formstate/internal/services/statestore/codec"
	"github.com/louisbranch/formstate/internal/services/statestore/storage"
	"github.com/louisbranch/formstate/internal/services/statestore/storage/rest"
	statesqlite "github.com/louisbranch/formstate/internal/services/statestore/storage/sqlite"
)

// HealthService is the gRPC health service name reported while the backend serves.
const HealthService = "formstate.statestore.Backend"

// Config describes one backend server.
type Config struct {
	HTTPAddr   string
	GRPCAddr   string
	DBPath     string
	Collection string
	// Username and Password, when Username is set, are required on every REST request.
	Username string
	Password string
	// Codec enables the hosted state store and its API. Nil serves the REST
	// backend only.
	Codec *codec.Codec
	// State sizes the hosted state store.
	State  statestore.Config
	Logger *slog.Logger
}

// Server hosts the REST backend and its health endpoint.
type Server struct {
	httpListener net.Listener
	grpcListener net.Listener
	httpServer   *http.Server
	grpcServer   *grpc.Server
	health       *health.Server
	store        *statesqlite.Store
	scope        *statestore.Scope
	lock         *flock.Flock
	logger       *slog.Logger
}

// New opens the database, takes its lock file and binds both listeners.
func New(cfg Config) (*Server, error) {
	logger := logging.OrNop(cfg.Logger)
	if strings.TrimSpace(cfg.DBPath) == "" {
		cfg.DBPath = filepath.Join("data", "statestore.db")
	}

	lock, err := acquireLock(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	s := &Server{lock: lock, logger: logger}

	s.store, err = statesqlite.Open(cfg.DBPath, statesqlite.WithCollection(cfg.Collection), statesqlite.WithLogger(logger))
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("open state sqlite store: %w", err)
	}

	s.httpListener, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.HTTPAddr, err)
	}
	s.grpcListener, err = net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("listen on %s: %w", cfg.GRPCAddr, err)
	}

	mux := http.NewServeMux()
	restHandler := rest.NewHandler(s.store,
		rest.WithHandlerCollection(s.store.Collection()),
		rest.WithRequiredCredentials(cfg.Username, cfg.Password),
		rest.WithHandlerLogger(logger),
	)
	mux.Handle("/rest/", restHandler.Instrumented())
	if cfg.Codec != nil {
		s.scope = statestore.NewScope(statestore.NewFactory(cfg.State, s.sharedBackend, cfg.Codec, statestore.WithLogger(logger)))
		apiHandler := api.NewHandler(s.scope,
			api.WithCredentials(cfg.Username, cfg.Password),
			api.WithLogger(logger),
		).Instrumented()
		mux.Handle("/state/", apiHandler)
		mux.Handle("/sessions/", apiHandler)
		mux.Handle("/stats", apiHandler)
	}
	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}

	s.grpcServer = grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	s.health = health.NewServer()
	grpc_health_v1.RegisterHealthServer(s.grpcServer, s.health)
	s.health.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	s.health.SetServingStatus(HealthService, grpc_health_v1.HealthCheckResponse_SERVING)
	return s, nil
}

// sharedBackend hands the hosted store the server's database. The server owns
// the database, so closing the store leaves it open.
func (s *Server) sharedBackend(context.Context) (storage.Backend, error) {
	if s.store == nil {
		return nil, errors.New("state database is closed")
	}
	return serverOwned{s.store}, nil
}

type serverOwned struct {
	storage.Backend
}

func (serverOwned) Close() error { return nil }

func acquireLock(dbPath string) (*flock.Flock, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	lock := flock.New(dbPath + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("database %s is in use by another server", dbPath)
	}
	return lock, nil
}

// HTTPAddr returns the REST listener address.
func (s *Server) HTTPAddr() string {
	if s == nil || s.httpListener == nil {
		return ""
	}
	return s.httpListener.Addr().String()
}

// GRPCAddr returns the health listener address.
func (s *Server) GRPCAddr() string {
	if s == nil || s.grpcListener == nil {
		return ""
	}
	return s.grpcListener.Addr().String()
}

// Run creates and serves a backend server until context cancellation.
func Run(ctx context.Context, cfg Config) error {
	server, err := New(cfg)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve runs both listeners until ctx is cancelled or one of them fails.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	if s.scope != nil {
		// Opening the store clears entries orphaned by sessions that ended
		// while the server was down.
		if _, err := s.scope.Store(ctx); err != nil {
			return fmt.Errorf("open hosted state store: %w", err)
		}
	}
	s.logger.Info("state backend listening", "http", s.HTTPAddr(), "grpc", s.GRPCAddr())
	serveErr := make(chan error, 2)
	go func() {
		if err := s.httpServer.Serve(s.httpListener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- fmt.Errorf("serve HTTP: %w", err)
			return
		}
		serveErr <- nil
	}()
	go func() {
		if err := s.grpcServer.Serve(s.grpcListener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			serveErr <- fmt.Errorf("serve gRPC: %w", err)
			return
		}
		serveErr <- nil
	}()

	var err error
	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	s.shutdown()
	return err
}

func (s *Server) shutdown() {
	if s.health != nil {
		s.health.Shutdown()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
	defer cancel()
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("http shutdown", "error", err)
		}
	}
	if s.grpcServer != nil {
		s.grpcServer.GracefulStop()
	}
}

// Close releases every server resource. It is safe to call more than once.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.httpServer != nil {
		_ = s.httpServer.Close()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.httpListener != nil {
		_ = s.httpListener.Close()
	}
	if s.grpcListener != nil {
		_ = s.grpcListener.Close()
	}
	if s.scope != nil {
		if err := s.scope.Close(); err != nil {
			s.logger.Warn("close hosted state store", "error", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("close state store", "error", err)
		}
		s.store = nil
	}
	if s.lock != nil {
		if err := s.lock.Unlock(); err != nil {
			s.logger.Warn("release database lock", "error", err)
		}
		s.lock = nil
	}
}
