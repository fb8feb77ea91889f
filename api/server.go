/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client IP from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontend
  6. RateLimit:  Token bucket per client IP (optional)

  /api routes other than /api/health additionally require a bearer token
  (auth.go); the token's user becomes the acting user of every mutation.

ROUTE GROUPS:
  /api/health          Liveness (public)
  /metrics             Prometheus (public)
  /api/products/*      Catalog
  /api/transactions/*  Sales and voids
  /api/refunds         Refund batches
  /api/items/*         Refund history per line
  /api/audit           Audit trail
  /api/admin/*         Reconciliation
  /api/scenarios/*     Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/clinic-pos/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	JWTSecret      string
	AllowedOrigins []string
	RateLimiter    *RateLimiter // nil disables rate limiting
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   opts.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))
	if opts.RateLimiter != nil {
		r.Use(opts.RateLimiter.Middleware)
	}

	r.Method(http.MethodGet, "/metrics", observability.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(Authenticate(opts.JWTSecret))

			// Product routes
			r.Route("/products", func(r chi.Router) {
				r.Get("/", h.ListProducts)
				r.Post("/", h.CreateProduct)
				r.Get("/{id}", h.GetProduct)
			})

			// Transaction routes
			r.Route("/transactions", func(r chi.Router) {
				r.Get("/", h.ListTransactions)
				r.Post("/", h.CreateTransaction)
				r.Get("/{id}", h.GetTransaction)
				r.Post("/{id}/void", h.VoidTransaction)
			})

			// Refund routes
			r.Post("/refunds", h.RefundItems)
			r.Get("/items/{id}/refunds", h.ListItemRefunds)

			// Admin routes
			r.Get("/audit", h.ListAudit)
			r.Route("/admin", func(r chi.Router) {
				r.Get("/reconciliation", h.GetReconciliation)
				r.Post("/reconciliation/run", h.RunReconciliation)
			})

			// Scenario routes
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
			})
		})
	})

	return r
}
