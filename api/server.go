/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. Logger:     Request logging
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. RequestID:  Unique ID per request for tracing
  4. CORS:       Cross-origin requests for the admin console

ROUTE GROUPS:
  /api/admin/migration  Migration state and trigger (not gated)
  /api/codes/*          Codes, redemptions, per-code audit (gated)
  /api/admin/*          Resync and full audit (gated)
  /metrics              Prometheus exposition

SEE ALSO:
  - handlers.go: Handler implementations and the migration gate
  - cmd/referral/main.go: Server startup
*/
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, allowedOrigins []string) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Handle("/metrics", h.metrics.handler())

	r.Route("/api", func(r chi.Router) {
		// Operators must be able to see and drive the migration itself
		r.Get("/admin/migration", h.GetMigrationState)
		r.Post("/admin/migrate", h.TriggerMigration)

		r.Group(func(r chi.Router) {
			r.Use(h.RequireMigrated)

			r.Route("/codes", func(r chi.Router) {
				r.Get("/", h.ListCodes)
				r.Post("/", h.CreateCode)
				r.Get("/lookup/{code}", h.LookupCode)
				r.Get("/{id}", h.GetCode)
				r.Put("/{id}/active", h.SetCodeActive)
				r.Get("/{id}/redemptions", h.ListRedemptions)
				r.Post("/{id}/redemptions", h.RecordRedemption)
				r.Get("/{id}/reconcile", h.ReconcileCode)
				r.Post("/{id}/repair", h.RepairCode)
			})

			r.Post("/admin/resync", h.ResyncRewardRate)
			r.Get("/admin/audit", h.Audit)
		})
	})

	return r
}
