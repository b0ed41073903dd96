package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/eldtechnologies/confab/internal/api/middleware"
	"github.com/eldtechnologies/confab/internal/handlers"
)

// maxBodyBytes fits a full completion prompt of maximum-length turns.
const maxBodyBytes = 1 << 20

// Options configures the router beyond the handler dependencies.
type Options struct {
	RateLimit middleware.RateLimiterConfig
}

// NewRouter creates and configures the HTTP router.
func NewRouter(logger zerolog.Logger, deps handlers.Deps, opts Options) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware (order matters!)
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(maxBodyBytes))
	r.Use(middleware.ValidateRequest)

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	var nonces middleware.NonceStore = middleware.NewMemoryNonceStore()
	var limiter *middleware.RateLimiter
	if deps.Redis != nil {
		nonces = deps.Redis
		limiter = middleware.NewRateLimiter(deps.Redis.Client(), logger, opts.RateLimit)
	} else {
		limiter = middleware.NewRateLimiter(nil, logger, opts.RateLimit)
	}
	r.Use(limiter.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{
			"Accept", "Content-Type",
			middleware.HeaderUser, middleware.HeaderNonce, middleware.HeaderTimestamp, middleware.HeaderSignature,
		},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	h := handlers.NewHandler(deps)
	auth := middleware.NewAuthMiddleware(deps.DB, nonces, logger)

	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/", h.Root)
	r.Get("/api", h.Root)
	r.Get("/health", h.Health)
	r.Get("/stats", h.Stats)
	r.Post("/register", h.Register)
	r.Get("/who/{id}", h.Who)

	// Signed routes
	r.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)

		r.Post("/sessions", h.CreateSession)
		r.Get("/sessions", h.ListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/invite", h.RotateInvite)
			r.Post("/join", h.JoinSession)
			r.Get("/messages", h.GetMessages)
			r.Post("/messages", h.PostMessage)
			r.Get("/messages/{messageID}", h.GetMessage)
			r.Get("/feed", h.Feed)
			r.Post("/completions", h.Complete)
		})
	})

	return r
}
