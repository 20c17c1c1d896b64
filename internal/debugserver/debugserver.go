// Package debugserver exposes the optional health/readiness/liveness/metrics
// HTTP surface, grounded on the teacher's internal/api.Handler.RegisterRoutes
// wiring. The teacher mounted those same three health routes alongside a
// full S3 object CRUD surface; this module has no HTTP object surface at
// all (EncryptionContext is a library, not a gateway), so only the
// observability routes survive, under their own package rather than
// bundled into an "api" package that would otherwise be empty.
package debugserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/kenchrcum/xmlenc/internal/config"
	"github.com/kenchrcum/xmlenc/internal/metrics"
	"github.com/kenchrcum/xmlenc/internal/middleware"
)

// Server hosts the health/readiness/liveness/metrics endpoints.
type Server struct {
	cfg                   config.DebugServerConfig
	metrics               *metrics.Metrics
	logger                *logrus.Logger
	keyManagerHealthCheck func(context.Context) error

	httpServer *http.Server
}

// New creates a debug server. keyManagerHealthCheck may be nil, in which
// case readiness never consults the key manager.
func New(cfg config.DebugServerConfig, m *metrics.Metrics, logger *logrus.Logger, keyManagerHealthCheck func(context.Context) error) *Server {
	return &Server{
		cfg:                   cfg,
		metrics:               m,
		logger:                logger,
		keyManagerHealthCheck: keyManagerHealthCheck,
	}
}

// router builds the mux.Router serving this server's routes.
func (s *Server) router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ready", s.handleReady).Methods("GET")
	r.HandleFunc("/live", s.handleLive).Methods("GET")
	r.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	r.Use(middleware.RecoveryMiddleware(s.logger))
	r.Use(middleware.LoggingMiddleware(s.logger))
	return r
}

// ListenAndServe starts the HTTP listener and blocks until it exits or ctx
// is cancelled. A no-op if the server is disabled in configuration.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if !s.cfg.Enabled {
		s.logger.Info("debug server disabled, not starting")
		return nil
	}

	s.httpServer = &http.Server{
		Addr:         s.cfg.Addr,
		Handler:      s.router(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", s.cfg.Addr).Info("starting debug server")
		errCh <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.HealthHandler()(w, r)
	s.metrics.RecordOperation(r.Context(), "health", time.Since(start), 0)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.ReadinessHandler(s.keyManagerHealthCheck)(w, r)
	s.metrics.RecordOperation(r.Context(), "ready", time.Since(start), 0)
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	metrics.LivenessHandler()(w, r)
	s.metrics.RecordOperation(r.Context(), "live", time.Since(start), 0)
}
