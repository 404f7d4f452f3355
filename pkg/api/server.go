package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"

	"github.com/keystonehq/keystone/pkg/audit"
	"github.com/keystonehq/keystone/pkg/config"
	"github.com/keystonehq/keystone/pkg/httputil"
	"github.com/keystonehq/keystone/pkg/iam"
	"github.com/keystonehq/keystone/pkg/identity"
	"github.com/keystonehq/keystone/pkg/middleware"
	"github.com/keystonehq/keystone/pkg/observability"
)

// Server assembles the HTTP surface: the IAM and audit routes behind
// authentication on the main port, and liveness/readiness plus metrics
// on a separate health port so probes never compete with traffic.
type Server struct {
	router  *mux.Router
	health  *mux.Router
	logger  *observability.Logger
	metrics *observability.Metrics
}

// Dependencies carries everything the server wires together
type Dependencies struct {
	Config   *config.Config
	Service  *iam.Service
	Recorder audit.Recorder
	DB       *sql.DB
	Redis    *redis.Client
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewServer builds the routers. The verifier comes from the auth mode:
// oidc in production, a static token for development.
func NewServer(ctx context.Context, deps Dependencies) (*Server, error) {
	if deps.Logger == nil {
		deps.Logger = observability.GetLogger(ctx)
	}

	verifier, err := buildVerifier(ctx, deps.Config)
	if err != nil {
		return nil, err
	}

	s := &Server{
		router:  mux.NewRouter(),
		health:  mux.NewRouter(),
		logger:  deps.Logger,
		metrics: deps.Metrics,
	}
	s.setupRoutes(deps, verifier)
	s.setupHealthRoutes(deps)
	return s, nil
}

func buildVerifier(ctx context.Context, cfg *config.Config) (middleware.TokenVerifier, error) {
	switch cfg.Auth.Mode {
	case "oidc":
		verifier, err := middleware.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuerURL, cfg.Auth.OIDCClientID)
		if err != nil {
			return nil, fmt.Errorf("failed to create OIDC verifier: %w", err)
		}
		return verifier, nil
	case "static":
		return middleware.NewStaticVerifier(cfg.Auth.StaticToken, identity.Identity{
			UserID:     1,
			Email:      "admin@localhost",
			SuperAdmin: true,
		}), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Auth.Mode)
	}
}

func (s *Server) setupRoutes(deps Dependencies, verifier middleware.TokenVerifier) {
	s.router.Use(httputil.RequestIDMiddleware)
	s.router.Use(httputil.RecoveryMiddleware(s.logger))
	s.router.Use(httputil.LoggingMiddleware(s.logger))
	if s.metrics != nil {
		s.router.Use(httputil.MetricsMiddleware(s.metrics))
	}

	auth := middleware.NewAuthMiddleware(verifier, false)
	s.router.Use(auth.Handler)
	s.router.Use(middleware.TenantMiddleware)

	iam.NewHandlers(deps.Service).RegisterRoutes(s.router)
	audit.NewHandlers(deps.Recorder, s.logger).RegisterRoutes(s.router)
}

func (s *Server) setupHealthRoutes(deps Dependencies) {
	checker := observability.NewHealthChecker(deps.DB, deps.Redis)
	s.health.HandleFunc("/healthz", checker.Liveness).Methods("GET")
	s.health.HandleFunc("/readyz", checker.Readiness).Methods("GET")
	if s.metrics != nil && deps.Config.Observability.MetricsEnabled {
		s.health.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	}
}

// Handler returns the main API handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// HealthHandler returns the health and metrics handler
func (s *Server) HealthHandler() http.Handler {
	return s.health
}

// HTTPServers builds the two listeners from the configured addresses
func (s *Server) HTTPServers(cfg *config.Config) (*http.Server, *http.Server) {
	main := &http.Server{
		Addr:         cfg.Server.Host + ":" + cfg.Server.Port,
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	health := &http.Server{
		Addr:    cfg.Server.Host + ":" + cfg.Server.HealthPort,
		Handler: s.health,
	}
	return main, health
}
