// Package server is the operator-facing HTTP API: webhook ingress, build
// cancellation, health, and metrics.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scottylabs/kennel/internal/logfields"
	"github.com/scottylabs/kennel/internal/pipeline"
	"github.com/scottylabs/kennel/internal/store"
	"github.com/scottylabs/kennel/internal/webhook"
)

type Server struct {
	store *store.Store
	addr  string
	mux   *chi.Mux
	log   *slog.Logger
}

func New(st *store.Store, queues *pipeline.Queues, addr string, log *slog.Logger) *Server {
	s := &Server{
		store: st,
		addr:  addr,
		log:   log.With(slog.String("component", "api")),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Post("/builds/{id}/cancel", s.handleCancelBuild)
	r.Method(http.MethodPost, "/webhook/{project}", webhook.NewHandler(st, queues, log))
	r.Handle("/metrics", promhttp.Handler())

	s.mux = r
	return s
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api listening", slog.String("addr", s.addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Handler exposes the mux for tests.
func (s *Server) Handler() http.Handler { return s.mux }

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleCancelBuild flips a queued or running build to cancelled. The build
// worker observes the status at its next checkpoint and stops.
func (s *Server) handleCancelBuild(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		http.Error(w, "invalid build id", http.StatusBadRequest)
		return
	}

	cancelled, err := s.store.Builds.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrBuildNotFound) {
			http.Error(w, "build not found", http.StatusNotFound)
			return
		}
		s.log.Error("cancel build failed", logfields.BuildID(id), logfields.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if !cancelled {
		http.Error(w, "build is not queued or building", http.StatusBadRequest)
		return
	}

	s.log.Info("build cancelled via api", logfields.BuildID(id))
	w.WriteHeader(http.StatusOK)
}
