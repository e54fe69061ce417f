// Package api exposes the query surface over HTTP: search, index status,
// chat administration, and health endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/evanli-dev/chatsearch/internal/backup"
	"github.com/evanli-dev/chatsearch/internal/coordinator"
	"github.com/evanli-dev/chatsearch/internal/cursor"
	"github.com/evanli-dev/chatsearch/internal/index"
	"github.com/evanli-dev/chatsearch/internal/query"
	"github.com/evanli-dev/chatsearch/pkg/config"
	"github.com/evanli-dev/chatsearch/pkg/health"
	"github.com/evanli-dev/chatsearch/pkg/logger"
	"github.com/evanli-dev/chatsearch/pkg/middleware"
)

// Searcher is the query capability the server depends on. Satisfied by both
// the plain engine and the cached engine.
type Searcher interface {
	Search(ctx context.Context, req query.Request) (*query.Result, error)
}

// Server is the HTTP query surface.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// Deps collects the server's collaborators.
type Deps struct {
	Searcher Searcher
	Store    *index.Store
	Cursors  *cursor.Tracker
	Coord    *coordinator.Coordinator
	Backups  *backup.Manager
	Health   *health.Checker
}

// NewServer builds the router and wraps it with the middleware chain.
func NewServer(cfg config.ServerConfig, deps Deps) *Server {
	h := &handlers{
		searcher: deps.Searcher,
		store:    deps.Store,
		cursors:  deps.Cursors,
		coord:    deps.Coord,
		backups:  deps.Backups,
		logger:   logger.WithComponent("api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/search", h.search)
	mux.HandleFunc("GET /api/v1/status", h.status)
	mux.HandleFunc("POST /api/v1/chats/{chatID}/clear", h.clearChat)
	mux.HandleFunc("POST /api/v1/snapshots", h.snapshot)
	if deps.Health != nil {
		mux.HandleFunc("GET /healthz", deps.Health.LiveHandler())
		mux.HandleFunc("GET /readyz", deps.Health.ReadyHandler())
	}

	var handler http.Handler = mux
	handler = middleware.Timeout(cfg.RequestTimeout)(handler)
	handler = middleware.Metrics(handler)
	handler = middleware.RequestID(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		logger: logger.WithComponent("api"),
	}
}

// Start blocks serving HTTP until the listener closes.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
