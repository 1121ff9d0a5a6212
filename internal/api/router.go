package api

import (
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig holds settings for the API router.
// Passed from main.go so the router can configure CORS and auth from env vars.
type RouterConfig struct {
	// BackendAPIKey is the key that must be provided in X-API-Key or Authorization: Bearer <key>.
	// If empty, auth middleware is skipped (development mode).
	BackendAPIKey string

	// CorsAllowedOrigins is a comma-separated list of allowed origins.
	// If empty, defaults to "*" (development mode).
	CorsAllowedOrigins string
}

func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Global middleware (applied to all routes including /health)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)

	// CORS: restrict origins when configured, otherwise allow all (dev mode)
	allowedOrigins := []string{"*"}
	if cfg.CorsAllowedOrigins != "" {
		origins := strings.Split(cfg.CorsAllowedOrigins, ",")
		trimmed := make([]string, 0, len(origins))
		for _, o := range origins {
			if s := strings.TrimSpace(o); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			allowedOrigins = trimmed
		}
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-User-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check — public, no auth required
	r.Get("/health", h.Health)

	// Payment processor webhook — authenticated by signature, not API key
	r.Post("/webhooks/stripe", h.StripeWebhook)

	// API routes — protected by API key auth
	r.Route("/v1", func(r chi.Router) {
		// Apply auth middleware only to /v1 routes
		if cfg.BackendAPIKey != "" {
			r.Use(APIKeyAuth(cfg.BackendAPIKey))
		}

		// Renders
		r.Post("/render", h.SubmitRender)
		r.Post("/render/batch", h.SubmitBatch)
		r.Get("/jobs/{id}", h.GetJobStatus)
		r.Get("/videos/{id}", h.GetVideoLinks)
		r.Get("/batch/{id}/status", h.GetBatchStatus)
		r.Get("/batch/{id}/videos", h.GetBatchVideos)

		// Tokens
		r.Get("/tokens/balance", h.GetBalance)
		r.Get("/tokens/history", h.GetTransactionHistory)
		r.Get("/tokens/packages", h.ListPackages)
		r.Post("/tokens/checkout", h.CreateCheckout)

		// Operations
		r.Post("/ops/sync", h.TriggerSync)
		r.Post("/ops/expire", h.TriggerExpiration)
		r.Get("/ops/stats", h.GetStats)
	})

	return r
}
