// Package api serves the portal's ops HTTP API: connection listing and
// control, user lifecycle, and stats. Authentication is a bearer JWT; the
// connection listing is cached because it fans out to every node.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/creamcroissant/vpnportal/internal/auth/token"
	"github.com/creamcroissant/vpnportal/internal/cache"
	"github.com/creamcroissant/vpnportal/internal/config"
	"github.com/creamcroissant/vpnportal/internal/connection"
	"github.com/creamcroissant/vpnportal/internal/repository"
)

// RouterOptions bundles the dependencies of the ops API.
type RouterOptions struct {
	Manager  *connection.Manager
	Store    repository.Store
	Profiles *config.Profiles
	Cache    cache.Store
	Tokens   *token.Manager
	// Registry enables the HTTP metrics middleware and the /metrics
	// endpoint; nil disables both.
	Registry  *prometheus.Registry
	Logger    *slog.Logger
	RateLimit int64
}

// NewRouter assembles the chi router with the portal's middleware stack.
func NewRouter(opts RouterOptions) http.Handler {
	handler := NewHandler(opts.Manager, opts.Store, opts.Profiles, opts.Cache, opts.Logger)

	r := chi.NewRouter()
	r.Use(chiMiddleware.Recoverer)
	r.Use(RequestID)
	r.Use(AccessLog(opts.Logger))
	if opts.Registry != nil {
		metrics := NewMetrics(opts.Registry)
		r.Use(metrics.Middleware)
	}

	r.Get("/healthz", handler.Healthz)
	if opts.Registry != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		r.Use(BearerAuth(opts.Tokens))
		if opts.RateLimit > 0 {
			r.Use(RateLimit(opts.Cache, opts.RateLimit, time.Minute))
		}

		r.Get("/connections", handler.Connections)
		r.Post("/connect", handler.Connect)
		r.Post("/disconnect", handler.Disconnect)
		r.Post("/authorizations/revoke", handler.RevokeAuthKey)

		r.Post("/users/{userID}/disable", handler.DisableUser)
		r.Post("/users/{userID}/enable", handler.EnableUser)
		r.Delete("/users/{userID}", handler.DeleteUser)

		r.Get("/stats/aggregate", handler.AggregateStats)
	})

	return r
}
