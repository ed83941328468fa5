/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, echoed in access logs
  2. Recoverer:  Panic recovery (500 instead of crash)
  3. Logger:     zap access log (Warn 4xx, Error 5xx)
  4. Metrics:    Prometheus duration/count per route pattern
  5. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /healthz, /metrics        Probes
  /api/login                Admin login
  /api/guest/*              Public resident lookup
  /api/residents/*          Resident management        (admin)
  /api/payments/*           Payment ledger             (admin)
  /api/credentials/*        Tags and tag sales         (admin)
  /api/admin/*              Credential sync            (admin)
  /api/scenarios/*          Demo scenarios             (admin)

SEE ALSO:
  - handlers.go: Handler implementations
  - auth.go: RequireAdmin
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/warp/dues-engine/observability"
)

// RouterOptions configures NewRouter.
type RouterOptions struct {
	// Metrics is optional; when nil /metrics is not mounted.
	Metrics        *observability.Metrics
	AllowedOrigins []string
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:5173", "http://localhost:8080"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(observability.ZapLoggerMiddleware(h.Logger))
	if opts.Metrics != nil {
		r.Use(opts.Metrics.Middleware)
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Healthz)
	if opts.Metrics != nil {
		r.Handle("/metrics", opts.Metrics.Handler())
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/login", h.Login)

		// Guest routes
		r.Route("/guest", func(r chi.Router) {
			r.Get("/search", h.GuestSearch)
			r.Get("/residents/{id}/status", h.GuestStatus)
		})

		r.Group(func(r chi.Router) {
			r.Use(h.Auth.RequireAdmin(h.Logger))

			// Resident routes
			r.Route("/residents", func(r chi.Router) {
				r.Get("/", h.ListResidents)
				r.Post("/", h.CreateResident)
				r.Get("/{id}", h.GetResident)
				r.Put("/{id}", h.UpdateResident)
				r.Delete("/{id}", h.DeleteResident)
				r.Get("/{id}/status", h.GetResidentStatus)
				r.Post("/{id}/resync", h.ResyncResident)
				r.Post("/{id}/credentials/{credentialID}", h.LinkCredential)
				r.Delete("/{id}/credentials/{credentialID}", h.UnlinkCredential)
			})

			// Payment routes
			r.Route("/payments", func(r chi.Router) {
				r.Get("/", h.ListPayments)
				r.Post("/", h.AllocatePayment)
				r.Get("/history", h.PaymentHistory)
				r.Get("/{id}", h.GetPayment)
				r.Put("/{id}", h.UpdatePayment)
				r.Delete("/{id}", h.DeletePayment)
			})

			// Credential routes
			r.Route("/credentials", func(r chi.Router) {
				r.Get("/", h.ListCredentials)
				r.Post("/", h.CreateCredential)
				r.Get("/stock", h.CredentialStock)
				r.Get("/sales", h.ListSales)
				r.Get("/sales/total", h.SalesTotal)
				r.Delete("/sales", h.ResetSales)
				r.Get("/{id}", h.GetCredential)
				r.Delete("/{id}", h.DeleteCredential)
				r.Patch("/{id}/toggle", h.ToggleCredential)
				r.Post("/{id}/sell", h.SellCredential)
			})

			// Admin routes
			r.Route("/admin", func(r chi.Router) {
				r.Get("/sync", h.GetSyncStatus)
				r.Post("/sync", h.SyncCredentials)
			})

			// Scenario routes
			r.Route("/scenarios", func(r chi.Router) {
				r.Get("/", h.ListScenarios)
				r.Get("/current", h.GetCurrentScenario)
				r.Post("/load", h.LoadScenario)
				r.Post("/reset", h.ResetDatabase)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "Route not found", nil)
	})

	return r
}
