// Package api serves the HTTP surface over the store, the CSV engines, and
// the acquisition service.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/acquire"
	"github.com/openbem/bem-engine/internal/config"
	"github.com/openbem/bem-engine/internal/metrics"
	"github.com/openbem/bem-engine/internal/store"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// NewRouter assembles the middleware chain and every route.
func NewRouter(st *store.Store, svc *acquire.Service, version string, startTime time.Time, log zerolog.Logger) chi.Router {
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(middleware.StripSlashes)
	r.Use(metrics.InstrumentHandler)
	r.Use(Logger(log))
	r.Use(Recoverer)

	health := NewHealthHandler(st, svc, version, startTime)
	r.Get("/healthz", health.ServeHTTP)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	NewTimeseriesHandler(st).Routes(r)
	NewTimeseriesDataHandler(st).Routes(r)
	NewEventsHandler(st).Routes(r)
	NewAcquisitionHandler(svc).Routes(r)
	return r
}

func NewServer(cfg config.HTTP, st *store.Store, svc *acquire.Service, version string, startTime time.Time, log zerolog.Logger) *Server {
	return &Server{
		http: &http.Server{
			Addr:         cfg.Addr,
			Handler:      NewRouter(st, svc, version, startTime, log),
			ReadTimeout:  cfg.ReadTimeout.Duration(),
			WriteTimeout: cfg.WriteTimeout.Duration(),
			IdleTimeout:  cfg.IdleTimeout.Duration(),
		},
		log: log,
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
