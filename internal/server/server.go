// Package server provides the WebSocket gateway: it serves the skeleton
// detector over /ws and exposes the run ledger over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/felippe-mendonca/dataset-creator/internal/server/api"
	_ "github.com/felippe-mendonca/dataset-creator/internal/server/docs"
	"github.com/felippe-mendonca/dataset-creator/internal/store"
	"github.com/felippe-mendonca/dataset-creator/internal/transport"
)

const shutdownTimeout = 5 * time.Second

// Config holds the server configuration.
type Config struct {
	// Handler answers requests received on /ws.
	Handler transport.Handler
	// Workers is the number of requests handled concurrently per connection.
	Workers int
	Store   *store.Store
	Logger  *slog.Logger
}

// Server represents the HTTP server of the gateway.
type Server struct {
	config  Config
	mux     *http.ServeMux
	start   time.Time
	log     *slog.Logger
	clients atomic.Int64

	// base is cancelled on shutdown to stop every connection.
	base   context.Context
	cancel context.CancelFunc
}

// New creates a new Server with the given configuration.
func New(config Config) *Server {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Server{
		config: config,
		mux:    http.NewServeMux(),
		start:  time.Now(),
		log:    config.Logger,
		base:   base,
		cancel: cancel,
	}
	s.setupRoutes()
	return s
}

//go:generate swag init -g server.go -d .,./api -o docs

// setupRoutes configures all HTTP routes for the server.
// @title dataset-creator gateway
// @version 1.0
// @description Read-only view of the request run ledger.
// @BasePath /api
func (s *Server) setupRoutes() {
	s.mux.HandleFunc("/api/health", s.handleHealth)
	s.mux.Handle("/swagger/", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	if s.config.Handler != nil {
		s.mux.Handle("/ws", NewServiceHandler(s))
	}

	if s.config.Store != nil {
		runs := api.NewRunsHandler(s.config.Store)
		s.mux.Handle("/api/runs", runs)
		s.mux.Handle("/api/runs/", runs)
	}
}

// ServeHTTP implements the http.Handler interface.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Clients returns the number of open WebSocket connections.
func (s *Server) Clients() int {
	return int(s.clients.Load())
}

// handleHealth handles GET requests to /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]interface{}{
		"status":  "ok",
		"uptime":  time.Since(s.start).String(),
		"clients": s.Clients(),
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		http.Error(w, "Failed to encode response", http.StatusInternalServerError)
		return
	}
}

// ListenAndServe serves on addr until ctx is done, then closes every
// connection.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("gateway listening", "addr", addr)

	select {
	case err := <-errCh:
		s.cancel()
		return err
	case <-ctx.Done():
	}

	s.cancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
