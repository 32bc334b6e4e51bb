// Package core provides the status API for MomentWatch. It exposes the latest
// report of every sensor and a freshness-based health check over a chi router,
// with logging, panic recovery and request correlation applied before requests
// reach the handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"momentwatch/internal/config"
	"momentwatch/internal/types"
)

// MetricsCollector records API request telemetry.
type MetricsCollector interface {
	RecordRequest(method, endpoint, status string, duration time.Duration)
}

// SensorDirectory is the read side of the sensor report store.
type SensorDirectory interface {
	Get(region string) (types.Report, bool)
	List() []types.Report
	LastUpdated(region string) (time.Time, bool)
}

// Server encapsulates all dependencies for the status API, allowing for easy
// injection during testing.
type Server struct {
	Config  *config.Config
	Sensors SensorDirectory
	Logger  *slog.Logger
	Metrics MetricsCollector

	// Regions lists every configured sensor, including those that have not
	// reported yet.
	Regions []string

	// HealthProbes are evaluated by GET /health.
	HealthProbes []HealthProbe

	router *chi.Mux
}

// NewServer validates the critical dependencies and prepares the router.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction so tests can customize registration.
func NewServer(cfg *config.Config, sensors SensorDirectory, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if sensors == nil {
		return nil, fmt.Errorf("sensor directory must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	return &Server{
		Config:  cfg,
		Sensors: sensors,
		Logger:  logger,
		Regions: append([]string(nil), cfg.Moment.Regions...),
		router:  chi.NewRouter(),
	}, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Shutdown releases server resources. The report store is in memory, so there
// is nothing to flush beyond logging the transition.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.InfoContext(ctx, "server shutdown complete")
	return nil
}
