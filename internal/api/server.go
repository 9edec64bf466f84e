// Package api exposes the scan service over HTTP.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/eargollo/cfss/internal/api/handlers"
	"github.com/eargollo/cfss/internal/app"
	"github.com/eargollo/cfss/internal/backup"
	"github.com/eargollo/cfss/internal/importer"
	"github.com/eargollo/cfss/internal/scheduler"
)

// Deps are the services the HTTP layer routes to.
type Deps struct {
	Service *app.Service
	Imports *importer.Manager
	Backups *backup.Manager
	Sched   *scheduler.Scheduler
	Version string
	// LockWait bounds how long a scan action waits for a circuit rebuild.
	LockWait time.Duration
}

// Server holds the HTTP server and all handler dependencies.
type Server struct {
	addr string
	srv  *http.Server
}

// NewRouter wires all routes.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	statusH := &handlers.StatusHandler{Service: d.Service, Manager: d.Imports, Sched: d.Sched, Version: d.Version}
	circuitsH := &handlers.CircuitsHandler{Service: d.Service}
	seqH := &handlers.SequencesHandler{Service: d.Service, LockWait: d.LockWait}
	importsH := &handlers.ImportsHandler{Manager: d.Imports, Service: d.Service, Backups: d.Backups}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", statusH.ServeHTTP)

		r.Get("/circuits", circuitsH.List)
		r.Get("/circuits/{circuit}", circuitsH.Get)
		r.Delete("/circuits/{circuit}", circuitsH.Delete)
		r.Get("/circuits/{circuit}/jumpers", circuitsH.Jumpers)
		r.Get("/circuits/{circuit}/rows/{row}", circuitsH.Row)

		r.Route("/sequences/{seq}", func(r chi.Router) {
			r.Get("/", seqH.Get)
			r.Get("/progress", seqH.Progress)
			r.Delete("/progress", seqH.Reset)
			r.Post("/record", seqH.Record)
			r.Post("/verify", seqH.Verify)
			r.Post("/advance", seqH.Advance)
			r.Post("/retreat", seqH.Retreat)
			r.Post("/seek", seqH.Seek)
			r.Post("/search", seqH.Search)
		})
		r.Delete("/progress", seqH.ResetAll)

		r.Post("/imports", importsH.Create)
		r.Get("/imports/current", importsH.Current)
		r.Delete("/imports/current", importsH.Cancel)
		r.Get("/imports/last", importsH.Last)
		r.Get("/migrations", importsH.Migrations)
		r.Get("/backups", importsH.ListBackups)
	})
	return r
}

// New wires all routes and returns a Server ready to Run.
func New(addr string, d Deps) *Server {
	return &Server{
		addr: addr,
		srv:  &http.Server{Addr: addr, Handler: NewRouter(d), ReadHeaderTimeout: 10 * time.Second},
	}
}

// Run starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", s.addr)
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutting down HTTP server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
