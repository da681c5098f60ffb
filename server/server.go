// Package server exposes the auction core over HTTP: a JSON API for
// bidders and sellers, health endpoints for orchestration, and a
// websocket stream of lifecycle events.
package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/atomic"
)

// RouteRegistrar registers a component's routes on the shared router.
type RouteRegistrar interface {
	RegisterRoutes(r chi.Router)
}

// Config holds the HTTP server parameters.
type Config struct {
	ListenAddr string

	// DrainDuration is how long the server stays up after /drain before
	// load balancers are expected to have noticed the readiness flip.
	DrainDuration time.Duration

	// GracefulShutdownDuration bounds the wait for in-flight requests.
	GracefulShutdownDuration time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// Server wraps the HTTP listener with readiness tracking and graceful
// shutdown.
type Server struct {
	cfg     Config
	isReady atomic.Bool
	srv     *http.Server
}

// New builds the server and mounts the given registrars plus the standard
// health endpoints.
func New(cfg Config, registrars ...RouteRegistrar) *Server {
	s := &Server{cfg: cfg}

	mux := chi.NewRouter()
	mux.Use(middleware.RequestID)
	mux.Use(middleware.RealIP)
	mux.Use(middleware.Recoverer)

	for _, registrar := range registrars {
		registrar.RegisterRoutes(mux)
	}

	mux.Get("/livez", s.handleLiveness)
	mux.Get("/readyz", s.handleReadiness)
	mux.Get("/drain", s.handleDrain)
	mux.Get("/undrain", s.handleUndrain)

	s.srv = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	s.isReady.Store(true)
	return s
}

func (s *Server) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"alive"}`))
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.isReady.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(`{"status":"not ready"}`))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if !s.isReady.Swap(false) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already draining"}`))
		return
	}
	log.Printf("INFO: Server marked not ready, draining for %s", s.cfg.DrainDuration)
	go func() {
		time.Sleep(s.cfg.DrainDuration)
		log.Printf("INFO: Drain period completed")
	}()
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"draining"}`))
}

func (s *Server) handleUndrain(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.isReady.Swap(true) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"already ready"}`))
		return
	}
	log.Printf("INFO: Server marked ready")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ready"}`))
}

// Handler exposes the assembled router.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// RunInBackground starts serving on the configured address.
func (s *Server) RunInBackground() {
	go func() {
		log.Printf("INFO: HTTP server listening on %s", s.cfg.ListenAddr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("ERROR: HTTP server failed: %v", err)
		}
	}()
}

// Shutdown stops the listener, waiting up to the configured grace period
// for in-flight requests.
func (s *Server) Shutdown() {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.GracefulShutdownDuration)
	defer cancel()
	if err := s.srv.Shutdown(ctx); err != nil {
		log.Printf("ERROR: Graceful shutdown failed: %v", err)
		return
	}
	log.Printf("INFO: HTTP server stopped")
}
