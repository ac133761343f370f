// Package server provides the HTTP API for upload cycles and the exclusion
// ledger.
//
// Endpoints:
//
//	GET    /health
//	POST   /api/v1/sessions/{session}/uploads  start an upload cycle (?name=&timeout=); returns its id immediately
//	GET    /api/v1/sessions/{session}/cycle    the session's current cycle
//	GET    /api/v1/cycles/{id}                 poll cycle state
//	GET    /api/v1/cycles/{id}/result          download the result of a ready cycle
//	GET    /api/v1/exclusions                  providers at or over quota
//	POST   /api/v1/exclusions                  count or fully exclude providers
//	DELETE /api/v1/exclusions                  reset the ledger
//	GET    /api/v1/config                      stored tunables
//	GET    /api/v1/config/{key}                one stored tunable
//	PUT    /api/v1/config                      upsert tunables
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/tomasbasham/eoa/internal/cycle"
	"github.com/tomasbasham/eoa/internal/ledger"
)

const (
	// DefaultMaxUploadBytes bounds the size of an uploaded dataset.
	DefaultMaxUploadBytes = 64 << 20

	// DefaultSessionTTL is how long a finished session is kept.
	DefaultSessionTTL = 24 * time.Hour

	pruneInterval = 10 * time.Minute
)

// Options configures a Server.
type Options struct {
	Sessions *cycle.Sessions
	Ledger   *ledger.Ledger

	// TargetsQuota and PersistenceDays are used when a request names none.
	TargetsQuota    int
	PersistenceDays int

	// UploadTimeout bounds a cycle whose request names no timeout. Zero
	// means every upload request must carry one.
	UploadTimeout time.Duration

	MaxUploadBytes int64

	// SessionTTL is how long a session whose cycle has finished is kept
	// before it is evicted along with that cycle.
	SessionTTL time.Duration

	// AllowedOrigins for CORS. Defaults to any origin.
	AllowedOrigins []string

	Logger *slog.Logger
}

// Server holds the dependencies shared across HTTP handlers.
type Server struct {
	sessions *cycle.Sessions
	ledger   *ledger.Ledger
	opts     Options
	logger   *slog.Logger
	router   chi.Router
}

// New creates a Server wired to the given sessions and ledger.
func New(opts Options) *Server {
	if opts.TargetsQuota <= 0 {
		opts.TargetsQuota = ledger.DefaultTargetsQuota
	}
	if opts.PersistenceDays <= 0 {
		opts.PersistenceDays = ledger.DefaultPersistenceDays
	}
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = DefaultMaxUploadBytes
	}
	if opts.SessionTTL <= 0 {
		opts.SessionTTL = DefaultSessionTTL
	}
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &Server{
		sessions: opts.Sessions,
		ledger:   opts.Ledger,
		opts:     opts,
		logger:   opts.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		ok(w, map[string]string{"status": "ok"})
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/sessions/{session}/uploads", s.handleCreateUpload)
		r.Get("/sessions/{session}/cycle", s.handleCurrentCycle)
		r.Get("/cycles/{id}", s.handleGetCycle)
		r.Get("/cycles/{id}/result", s.handleGetResult)

		r.Get("/exclusions", s.handleListExclusions)
		r.Post("/exclusions", s.handleAddExclusions)
		r.Delete("/exclusions", s.handleResetExclusions)

		r.Get("/config", s.handleGetConfig)
		r.Get("/config/{key}", s.handleGetConfigValue)
		r.Put("/config", s.handleSetConfig)
	})

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully
// and waits for in-flight cycles to finish.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("server listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	pruneCtx, stopPruning := context.WithCancel(ctx)
	defer stopPruning()
	if s.sessions != nil {
		go s.prune(pruneCtx, min(s.opts.SessionTTL, pruneInterval))
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gracefully")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if s.sessions != nil {
		s.sessions.Wait()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// prune evicts finished sessions every interval until ctx is done.
func (s *Server) prune(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.sessions.Prune(ctx, now.Add(-s.opts.SessionTTL))
		}
	}
}
