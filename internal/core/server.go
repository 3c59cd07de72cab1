// Package core provides the API chassis for the PalletSpace link service.
// It creates a chi router and enforces cross-cutting concerns (security,
// logging, observability, error handling) before requests reach
// domain-specific handlers.
package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"palletspace/internal/config"
	"palletspace/internal/telemetry"
)

// Server encapsulates all dependencies for the PalletSpace API, allowing for
// easy injection during testing and distinct configuration for different
// environments.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator
	Metrics   telemetry.Collector

	// V1RouteRegistrars are populated by the application entry point before
	// MountRoutes is called. This indirection avoids import cycles between
	// core and handler packages.
	V1RouteRegistrars []func(chi.Router)

	// HealthProbes are the subsystem checks executed by GET /health.
	HealthProbes []HealthProbe

	// Internal router
	router *chi.Mux

	// onShutdown hooks run in registration order during Shutdown.
	onShutdown []func(context.Context) error
}

// NewServer initializes dependencies, sets up the router, and prepares the
// server for route mounting. It performs a "fail-fast" check on critical
// configuration.
//
// The caller is responsible for mounting routes (via MountRoutes) after
// construction. This separation allows tests to customize route registration.
func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger must not be nil")
	}

	s := &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(logger),
		Metrics:   telemetry.Noop{},
		router:    chi.NewRouter(),
	}

	return s, nil
}

// Handler returns the http.Handler interface for the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Router returns the underlying chi.Mux for route registration.
// This is used internally by route-mounting methods and tests.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// RegisterOnShutdown adds a hook that Shutdown will invoke, in registration
// order. Used by main to release resources (database pool, background loops)
// that the server depends on.
func (s *Server) RegisterOnShutdown(fn func(context.Context) error) {
	s.onShutdown = append(s.onShutdown, fn)
}

// Shutdown performs a graceful termination of server resources by running the
// registered shutdown hooks. The first hook error aborts the sequence and is
// returned to the caller.
func (s *Server) Shutdown(ctx context.Context) error {
	s.Logger.Info("server shutdown initiated")

	for _, fn := range s.onShutdown {
		if err := fn(ctx); err != nil {
			s.Logger.Error("error during server shutdown", "error", err)
			return fmt.Errorf("running shutdown hook: %w", err)
		}
	}

	s.Logger.Info("server shutdown complete")
	return nil
}
