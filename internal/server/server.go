// Package server provides the operational HTTP server.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/devrev/snapback/internal/config"
	"github.com/devrev/snapback/internal/handler"
	"github.com/devrev/snapback/internal/health"
	"github.com/devrev/snapback/internal/metrics"
	"github.com/devrev/snapback/internal/middleware"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server represents the HTTP server.
type Server struct {
	router      *mux.Router
	httpServer  *http.Server
	handlers    *handler.Handlers
	healthCheck *health.HealthChecker
	gatherer    prometheus.Gatherer
	metrics     *metrics.Metrics
	logger      *zap.Logger
	cfg         *config.Config
}

// NewServer creates a new HTTP server. gatherer is served on the metrics
// path when metrics are enabled.
func NewServer(
	cfg *config.Config,
	handlers *handler.Handlers,
	healthCheck *health.HealthChecker,
	gatherer prometheus.Gatherer,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Server {
	router := mux.NewRouter()

	s := &Server{
		router:      router,
		handlers:    handlers,
		healthCheck: healthCheck,
		gatherer:    gatherer,
		metrics:     m,
		logger:      logger,
		cfg:         cfg,
		httpServer: &http.Server{
			Addr:         net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
			Handler:      router,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: cfg.Server.WriteTimeout,
		},
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	chain := middleware.Chain(
		middleware.Recovery(s.logger),
		middleware.RequestID,
		middleware.Logging(s.logger, s.metrics),
	)
	s.router.Use(chain)

	s.router.HandleFunc("/health/live", s.healthCheck.LivenessHandler).Methods(http.MethodGet)
	s.router.HandleFunc("/health/ready", s.healthCheck.ReadinessHandler).Methods(http.MethodGet)
	if s.cfg.Metrics.Enabled && s.gatherer != nil {
		s.router.Handle(s.cfg.Metrics.Path, promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	// Clock inspection endpoints polled by peers
	s.router.HandleFunc("/users/clock_status/{wallet}", s.handlers.GetClockStatus).Methods(http.MethodGet)
	s.router.HandleFunc("/users/batch_clock_status", s.handlers.GetBatchClockStatus).Methods(http.MethodPost)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/sync-health/success-rates", s.handlers.ComputeSuccessRates).Methods(http.MethodPost)
	v1.HandleFunc("/users/{wallet}/reconcile", s.handlers.TriggerReconcile).Methods(http.MethodPost)
	v1.HandleFunc("/reconfig-mode", s.handlers.GetReconfigMode).Methods(http.MethodGet)
	v1.HandleFunc("/reconfig-mode", s.handlers.SetReconfigMode).Methods(http.MethodPut)

	s.router.NotFoundHandler = http.HandlerFunc(s.handlers.NotFound)
	s.router.MethodNotAllowedHandler = http.HandlerFunc(s.handlers.MethodNotAllowed)
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", zap.String("address", s.httpServer.Addr))

	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return fmt.Errorf("http server on %s: %w", s.httpServer.Addr, err)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// Handler returns the http.Handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ShutdownTimeout returns the configured graceful shutdown timeout.
func (s *Server) ShutdownTimeout() time.Duration {
	if s.cfg.Server.ShutdownTimeout > 0 {
		return s.cfg.Server.ShutdownTimeout
	}
	return 10 * time.Second
}
