/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     zerolog request line + Prometheus request metrics
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /credit/*       Accounts and fund movements
  /giftcards/*    Provisioning and redemption lifecycle
  /brands         Brand catalogue
  /inventory/*    Card loading and health
  /billing/*      Billing ledger reads
  /healthz        Liveness + store reachability
  /metrics        Prometheus scrape endpoint

SEE ALSO:
  - handlers.go: Handler implementations
  - middleware.go: Request logging
  - cli/serve.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterConfig tunes the outer HTTP surface.
type RouterConfig struct {
	// CORSOrigins defaults to any origin.
	CORSOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, cfg RouterConfig) *chi.Mux {
	origins := cfg.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.log, h.metrics))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", ActorHeader},
		ExposedHeaders: []string{"Retry-After"},
		MaxAge:         300,
	}))

	r.Route("/credit", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Get("/{id}/transactions", h.GetTransactions)
			r.Post("/{id}/status", h.SetAccountStatus)
		})
		r.Post("/allocate", h.Allocate)
		r.Post("/purchase", h.Purchase)
		r.Post("/adjust", h.Adjust)
		r.Post("/refund", h.Refund)
	})

	r.Route("/giftcards", func(r chi.Router) {
		r.Post("/provision", h.Provision)
		r.Get("/redemptions/{code}", h.GetRedemption)
		r.Post("/redemptions/{id}/delivered", h.MarkDelivered)
		r.Post("/redemptions/{id}/redrive", h.Redrive)
	})

	r.Post("/brands", h.SaveBrand)

	r.Route("/inventory", func(r chi.Router) {
		r.Post("/units", h.LoadUnits)
		r.Get("/health", h.GetHealth)
		r.Get("/snapshot", h.GetSnapshot)
	})

	r.Route("/billing", func(r chi.Router) {
		r.Get("/summary", h.GetBillingSummary)
		r.Get("/entries", h.GetBillingEntries)
	})

	r.Get("/healthz", h.Healthz)
	r.Method(http.MethodGet, "/metrics", h.metrics.Handler())

	return r
}
