package transport

import (
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/rl0ve/uipath-process-app-training/internal/auth"
	"github.com/rl0ve/uipath-process-app-training/internal/config"
	"github.com/rl0ve/uipath-process-app-training/internal/detail"
	"github.com/rl0ve/uipath-process-app-training/internal/session"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config     *config.Config
	Logger     *zap.Logger
	Auth       *auth.Service
	Workspaces *session.Workspaces
	// Resolver serves synchronous detail requests; selections resolve through
	// the workspace's own Selection.
	Resolver detail.DetailResolver

	HealthHandler  http.Handler
	ReadyHandler   http.Handler
	MetricsHandler http.Handler
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics and sign-in endpoints
// bypass the session middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	ck := newCookies(cfg.Session)

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders(frameOrigins(cfg.Vendor)...))

	r.Method(http.MethodGet, "/ui/health", orNotFound(deps.HealthHandler))
	r.Method(http.MethodGet, "/ui/ready", orNotFound(deps.ReadyHandler))
	r.Method(http.MethodGet, "/metrics", orNotFound(deps.MetricsHandler))

	r.Group(func(r chi.Router) {
		r.Use(RequestLogging(logger))

		r.Get("/auth/login", handleLogin(deps.Auth, ck, logger))
		r.Get("/auth/callback", handleCallback(deps.Auth, ck, logger))
		r.Post("/auth/logout", handleLogout(deps.Auth, ck, deps.Workspaces, logger))

		p := &pages{
			auth:       deps.Auth,
			cookies:    ck,
			vendor:     cfg.Vendor,
			workspaces: deps.Workspaces,
			logger:     logger,
		}
		r.With(HandlerTimeout(cfg.Server.HandlerTimeout)).Get("/", p.handleDashboard)
		r.With(HandlerTimeout(cfg.Server.HandlerTimeout)).Post("/instances/{instanceId}/cancel", p.handleCancel)
	})

	a := &api{workspaces: deps.Workspaces, resolver: deps.Resolver}
	r.Route("/api", func(r chi.Router) {
		r.Use(RequireSession(deps.Auth, cfg, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))

		r.Get("/session", handleSession)
		r.Get("/processes", a.handleProcesses)
		r.Get("/instances", a.handleInstances)
		r.Post("/instances/filter", a.handleFilter)
		r.Post("/instances/next", a.handleNext)
		r.Post("/instances/previous", a.handlePrevious)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/instances/{instanceId}/select", a.handleSelect)
		r.Get("/instances/{instanceId}/detail", a.handleResolve)
		r.Post("/instances/{instanceId}/cancel", a.handleCancel)
		r.Get("/detail", a.handleDetail)
	})

	return r
}

// frameOrigins returns the vendor origin that serves embedded task pages.
func frameOrigins(vendor config.VendorConfig) []string {
	u, err := url.Parse(vendor.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return []string{u.Scheme + "://" + u.Host}
}

func orNotFound(h http.Handler) http.Handler {
	if h == nil {
		return http.NotFoundHandler()
	}
	return h
}
