package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/ridewire/internal/api/middleware"
	"github.com/eldtechnologies/ridewire/internal/handlers"
	"github.com/eldtechnologies/ridewire/internal/models"
)

// Options configures the router.
type Options struct {
	Handlers handlers.Deps
	// Gateway serves websocket upgrades on /ws.
	Gateway http.Handler
	// Verifier checks operator bearer tokens on /admin.
	Verifier     middleware.Verifier
	AdminKeyHash string
	// RateLimit is applied when Handlers.Redis is set.
	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(64 * 1024)) // 64KB max body
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// Rate limiting (requires Redis)
	if opts.Handlers.Redis != nil {
		limiter := middleware.NewRateLimiter(opts.Handlers.Redis.Client(), logger, opts.RateLimit)
		r.Use(limiter.Middleware)
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "Sec-WebSocket-Protocol"},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(opts.Handlers)
	auth := middleware.NewAuthMiddleware(opts.Verifier, opts.AdminKeyHash, logger)

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	if opts.Gateway != nil {
		r.Method(http.MethodGet, "/ws", opts.Gateway)
	}

	// Admin routes (operator token or admin key)
	r.Route("/admin", func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePermission(models.PermZonesWrite))
			r.Post("/zones", h.CreateZone)
			r.Put("/zones/{id}", h.UpdateZone)
			r.Delete("/zones/{id}", h.DeleteZone)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.RequirePermission(""))
			r.Get("/zones", h.ListZones)
			r.Get("/zones/{id}", h.GetZone)
			r.Get("/requests/{id}", h.GetRequest)
			r.Get("/identities/{id}/location", h.IdentityLocation)
			r.Get("/sessions", h.Sessions)
			r.Get("/channels", h.ListChannels)
		})
	})

	return r
}
