// Package server implements the HTTP transport layer for the Conduit gateway.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/conduitproxy/conduit/internal/app"
	"github.com/conduitproxy/conduit/internal/auth"
	"github.com/conduitproxy/conduit/internal/cache"
	"github.com/conduitproxy/conduit/internal/circuitbreaker"
	"github.com/conduitproxy/conduit/internal/crypto"
	"github.com/conduitproxy/conduit/internal/prompts"
	"github.com/conduitproxy/conduit/internal/storage"
	"github.com/conduitproxy/conduit/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Auth           *auth.Authenticator
	Orchestrator   *app.Orchestrator
	Keys           *app.KeyManager
	Store          storage.Store
	Cache          *cache.Manager       // nil = cache admin endpoints report empty stats
	Breaker        *circuitbreaker.Breaker
	Prompts        *prompts.Renderer    // nil = prompt endpoints 404
	Cipher         *crypto.Cipher       // encrypts deployment credentials on admin writes
	ReadyCheck     ReadyChecker         // nil = always ready (for tests)
	Metrics        *telemetry.Metrics   // nil = no metrics middleware
	MetricsHandler http.Handler         // nil = no /metrics endpoint
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/health", s.handleHealth)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	// Client-facing API (any valid key)
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Post("/v1/chat/completions", s.handleChatCompletion)
		r.Get("/v1/models", s.handleListModels)
	})

	// Admin API (master key only)
	r.Route("/admin/v1", func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.requireMaster)

		r.Route("/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Get("/{id}", s.handleGetKey)
			r.Delete("/{id}", s.handleRevokeKey)
		})

		r.Route("/models/deployments", func(r chi.Router) {
			r.Get("/", s.handleListDeployments)
			r.Post("/", s.handleCreateDeployment)
			r.Get("/{id}", s.handleGetDeployment)
			r.Patch("/{id}", s.handleUpdateDeployment)
			r.Delete("/{id}", s.handleDeleteDeployment)
		})

		r.Route("/guardrails/rules", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Get("/{id}", s.handleGetRule)
			r.Patch("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Route("/prompts", func(r chi.Router) {
			r.Get("/", s.handleListPrompts)
			r.Post("/", s.handleCreatePrompt)
			r.Delete("/{id}", s.handleDeletePrompt)
			r.Post("/{name}/render", s.handleRenderPrompt)
		})

		r.Delete("/cache", s.handleCacheClear)
		r.Get("/cache/stats", s.handleCacheStats)

		r.Get("/analytics/spend", s.handleAnalyticsSpend)
		r.Get("/analytics/usage", s.handleAnalyticsUsage)

		r.Get("/health", s.handleAdminHealth)
		r.Get("/audit", s.handleListAuditEvents)
	})

	return r
}

type server struct {
	deps Deps
}
