// Package core is the HTTP chassis of the CrewDesk admin API: a chi router
// with the shared middleware chain, JSON response helpers, request
// validation and health probes. Domain handlers mount themselves through
// route registrars so core never imports them.
package core

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"crewdesk/internal/config"
)

// RouteRegistrar mounts a group of routes on a router.
type RouteRegistrar func(r chi.Router)

// Server holds the router and everything the middleware chain needs.
type Server struct {
	Config    *config.Config
	Logger    *slog.Logger
	Validator *Validator

	// HealthProbes are run by GET /health.
	HealthProbes []HealthProbe

	// AdminRoutes are mounted under /v1 behind AdminAuth.
	AdminRoutes []RouteRegistrar
	// PublicRoutes are mounted under /v1 without the admin key. Callers
	// authenticate some other way (webhook signatures).
	PublicRoutes []RouteRegistrar

	router *chi.Mux
}

func NewServer(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config must not be nil")
	}
	if logger == nil {
		return nil, errors.New("logger must not be nil")
	}
	return &Server{
		Config:    cfg,
		Logger:    logger,
		Validator: NewValidator(),
		router:    chi.NewRouter(),
	}, nil
}

// Handler returns the router. Call MountRoutes first.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Router() *chi.Mux {
	return s.router
}
