// Package server exposes the editor-facing HTTP API: lock operations,
// utterance edits, and window review transitions, all as idempotent
// request/response endpoints over the shared store.
package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/quillaudio/scriptorium/internal/errors"
	"github.com/quillaudio/scriptorium/internal/server/middleware"
)

// VersionInfo identifies the running build on /version.
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
}

// Server is the editor API server.
type Server struct {
	host    string
	port    int
	db      *sql.DB
	log     *zap.Logger
	version VersionInfo
	now     func() time.Time
}

// New builds a server over the given store. A nil logger is replaced with
// a no-op logger.
func New(db *sql.DB, host string, port int, version VersionInfo, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		host:    host,
		port:    port,
		db:      db,
		log:     log,
		version: version,
		now:     time.Now,
	}
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Handler builds the routing tree with the full middleware chain.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.RequestLogger(s.log))

	r.NotFound(apperrors.NotFoundHandler())
	r.MethodNotAllowed(apperrors.MethodNotAllowedHandler())

	r.Get("/healthz", s.handleHealth)
	r.Get("/version", s.handleVersion)

	r.Route("/api", func(r chi.Router) {
		r.Get("/recordings", s.handleListRecordings)
		r.Route("/recordings/{recordingID}", func(r chi.Router) {
			r.Get("/", s.handleGetRecording)
			r.Get("/windows", s.handleListWindows)
			r.Get("/export-runs", s.handleListExportRuns)

			r.Route("/windows/{windowIndex}", func(r chi.Router) {
				r.Get("/", s.handleGetWindow)

				r.Post("/lock", s.handleAcquireLock)
				r.Put("/lock", s.handleRefreshLock)
				r.Delete("/lock", s.handleReleaseLock)

				r.Post("/verify", s.handleVerifyAll)
				r.Post("/approve", s.handleApprove)
				r.Post("/reject", s.handleReject)
				r.Post("/requeue", s.handleRequeue)
			})
		})
		r.Patch("/utterances/{utteranceID}", s.handleUpdateUtterance)
	})

	return r
}

// Start runs the server until ctx is cancelled, then shuts down gracefully
// within shutdownTimeout.
func (s *Server) Start(ctx context.Context, readTimeout, writeTimeout, idleTimeout, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.Handler(),
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.log.Info("server shutting down")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
