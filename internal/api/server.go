// Package api is the HTTP surface of the sync server: batch ingestion,
// change fetch, the websocket change feed, and a status endpoint.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hearthware/homesync/internal/registry"
	"github.com/hearthware/homesync/internal/security"
	"github.com/hearthware/homesync/internal/store"
)

// Server is the HTTP API server.
type Server struct {
	port       int
	store      *store.Store
	registry   *registry.Registry
	feed       *Feed
	jwtSecret  []byte
	maxBatch   int
	logger     *slog.Logger
	httpServer *http.Server
	startedAt  time.Time
}

// NewServer creates a new API server. maxBatch caps items per sync request;
// zero means the protocol default.
func NewServer(
	port int,
	st *store.Store,
	reg *registry.Registry,
	jwtSecret []byte,
	maxBatch int,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		port:      port,
		store:     st,
		registry:  reg,
		feed:      NewFeed(logger),
		jwtSecret: jwtSecret,
		maxBatch:  maxBatch,
		logger:    logger.With("component", "api"),
	}
}

// Handler builds the route tree. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	auth := security.AuthMiddleware(s.jwtSecret)
	rbac := security.RBACMiddleware()
	mux.Handle("/sync", auth(rbac(http.HandlerFunc(s.handleSync))))
	mux.Handle("/sync/changes", auth(rbac(http.HandlerFunc(s.handleChanges))))
	mux.Handle(security.FeedPath, auth(rbac(http.HandlerFunc(s.handleFeed))))
	mux.HandleFunc("/api/status", s.handleStatus)

	return s.corsMiddleware(s.loggingMiddleware(mux))
}

// Start starts the HTTP server and blocks until ctx is cancelled or the
// listener fails.
func (s *Server) Start(ctx context.Context) error {
	s.startedAt = time.Now()
	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.port),
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "port", s.port)

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// corsMiddleware adds CORS headers
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleStatus returns server status
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.respondJSON(w, map[string]interface{}{
		"version":     "0.1.0",
		"uptime":      time.Since(s.startedAt).Seconds(),
		"collections": len(s.registry.Types()),
	})
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON", "error", err)
		http.Error(w, "internal server error", http.StatusInternalServerError)
	}
}
