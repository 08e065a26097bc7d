// Package server exposes enrollment, verification, and identification over HTTP.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/andresmejia3/facegate/internal/camera"
	"github.com/andresmejia3/facegate/internal/config"
	"github.com/andresmejia3/facegate/internal/embedder"
	"github.com/andresmejia3/facegate/internal/gallery"
	"github.com/andresmejia3/facegate/internal/store"
)

// Options wires the server to its collaborators.
type Options struct {
	Config   *config.Config
	Repo     store.Repository
	Camera   *camera.Manager
	Embedder embedder.Embedder
	Gallery  *gallery.Gallery
}

// Server represents the web server
type Server struct {
	cfg        *config.Config
	repo       store.Repository
	cam        *camera.Manager
	emb        embedder.Embedder
	gallery    *gallery.Gallery
	router     *chi.Mux
	httpServer *http.Server

	mu            sync.Mutex
	enrollments   map[string]*enrollment
	verifications map[string]*verification
}

// New creates the server and its routes.
func New(opts Options) *Server {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	g := opts.Gallery
	if g == nil {
		g = gallery.New(cfg.Matching.Threshold)
	}

	r := chi.NewRouter()
	s := &Server{
		cfg:           cfg,
		repo:          opts.Repo,
		cam:           opts.Camera,
		emb:           opts.Embedder,
		gallery:       g,
		router:        r,
		enrollments:   make(map[string]*enrollment),
		verifications: make(map[string]*verification),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:        cfg.Server.Addr,
		Handler:     r,
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: SSE streams stay open for the whole enrollment.
		IdleTimeout: 60 * time.Second,
	}
	return s
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("starting web server", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown cancels every live session, releasing the camera, then stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down web server")

	s.mu.Lock()
	enrollments, verifications := s.enrollments, s.verifications
	s.enrollments = make(map[string]*enrollment)
	s.verifications = make(map[string]*verification)
	s.mu.Unlock()

	for _, e := range enrollments {
		e.idle.stop()
		e.session.Cancel()
	}
	for _, v := range verifications {
		v.idle.stop()
		v.session.Cancel()
	}

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// Router returns the chi router for testing
func (s *Server) Router() *chi.Mux {
	return s.router
}
