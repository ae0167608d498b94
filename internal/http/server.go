// Package http expone el engine por HTTP: verificación y firma, más la
// superficie de administración del cache de claves.
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dropDatabas3/shakend/internal/engine"
	"github.com/dropDatabas3/shakend/internal/observability/logger"
)

// Server es el servidor HTTP del servicio.
type Server struct {
	eng  *engine.Engine
	http *http.Server
}

// NewServer arma el router y el http.Server en addr.
func NewServer(addr string, eng *engine.Engine) *Server {
	s := &Server{eng: eng}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/verify", s.handleVerify)
		r.Post("/sign", s.handleSign)
		r.Get("/keys", s.handleListKeys)
		r.Delete("/keys", s.handleEvictKey)
		r.Post("/reload", s.handleReload)
	})

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler expone el router (para tests con httptest).
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start bloquea sirviendo hasta Shutdown o error.
func (s *Server) Start() error {
	logger.Component("http").Info("sirviendo", logger.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown apaga el servidor con gracia.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
