// Package server assembles the HTTP control API: a chi router over the job
// queue with the standard middleware chain and error envelopes.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	apperrors "github.com/regenrek/moltlets/internal/errors"
	"github.com/regenrek/moltlets/internal/server/handlers"
	"github.com/regenrek/moltlets/internal/server/middleware"
	"github.com/regenrek/moltlets/pkg/jobqueue"
)

// Server is the HTTP control API.
type Server struct {
	host    string
	port    int
	router  chi.Router
	httpSrv *http.Server
}

// New builds the server and its routes.
func New(host string, port int, queue *jobqueue.Queue, version string, logger *zap.Logger) *Server {
	jobs := &handlers.Jobs{Queue: queue, Logger: logger}
	health := &handlers.Health{Version: version}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logging(logger))

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		apperrors.NotFound(w, req, "no such route: "+req.URL.Path)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, req *http.Request) {
		apperrors.MethodNotAllowed(w, req)
	})

	r.Get("/health", health.HealthHandler)
	r.Get("/version", health.VersionHandler)

	r.Route("/v1/jobs", func(r chi.Router) {
		r.Post("/enqueue", jobs.Enqueue)
		r.Get("/", jobs.List)
		r.Get("/{id}", jobs.Get)
		r.Post("/{id}/cancel", jobs.Cancel)
	})

	return &Server{host: host, port: port, router: r}
}

// Handler returns the root handler (used directly by tests).
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Start runs the server until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.host, s.port),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}
