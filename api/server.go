/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from proxy headers
  3. Logging:    zerolog access log (see logging.Middleware)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

  Authenticated routes add the bearer token check and a per-actor rate
  limit (see ratelimit.go).

ROUTE GROUPS:
  /health                 Liveness, public
  /api/scenarios/*        Dev seed loaders, public, dev mode only
  /api/*                  Everything else, bearer token required

SEE ALSO:
  - handlers.go: Handler implementations and the endpoint table
  - auth.go: Token validation
  - cmd/server/main.go: Server startup
*/
package api

import (
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/shifta/marketplace-engine/logging"
)

// NewRouter creates a new router with all routes configured. origins lists
// the CORS allowed origins; go-chi/cors treats an empty list as any origin.
func NewRouter(h *Handler, auth *Authenticator, origins []string) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.Middleware(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)

	r.Route("/api", func(r chi.Router) {
		if h.DevMode {
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Post("/load", h.LoadScenario)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware)
			r.Use(RateLimit(h.Limiter, h.RequestsPerMinute, time.Minute))

			r.Route("/shifts", func(r chi.Router) {
				r.Get("/", h.ListOpenShifts)
				r.Post("/", h.CreateShift)
				r.Get("/facility", h.ListFacilityShifts)
				r.Get("/professional", h.ListProfessionalShifts)
				r.Post("/{id}/apply", h.Apply)
				r.Post("/{id}/clock-in", h.ClockIn)
				r.Post("/{id}/clock-out", h.ClockOut)
				r.Post("/{id}/cancel", h.CancelShift)
				r.Post("/{id}/broadcast", h.BroadcastToShift)
			})

			r.Route("/applications", func(r chi.Router) {
				r.Post("/{id}/manage", h.ManageApplication)
				r.Post("/{id}/cancel", h.CancelApplication)
				r.Post("/{id}/approve-start", h.ApproveStart)
				r.Post("/{id}/release-funds", h.ReleaseFunds)
			})

			r.Route("/billing", func(r chi.Router) {
				r.Get("/balance", h.WalletBalance)
				r.Get("/transactions", h.ListTransactions)
				r.Post("/withdraw", h.Withdraw)
			})

			r.Route("/facility", func(r chi.Router) {
				r.Get("/qrcode", h.FacilityQRCode)
				r.Get("/dashboard", h.FacilityDashboard)
			})

			r.Get("/notifications", h.ListNotifications)

			r.Route("/admin", func(r chi.Router) {
				r.Post("/facilities", h.SaveFacility)
				r.Post("/professionals", h.SaveProfessional)
				r.Post("/deposits", h.Deposit)
				r.Post("/credit-limits", h.AdjustCreditLimit)
				r.Post("/reconcile", h.Reconcile)
				r.Get("/jobs", h.ListJobs)
			})
		})
	})

	return r
}
