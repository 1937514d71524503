/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request, shown in the request log
  2. Logger:     Request logging
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for dashboards
  Withdrawal requests additionally pass AffiliateLimiter.

ROUTE GROUPS:
  /api/health           Liveness and store reachability
  /api/affiliates/*     Per-affiliate ledger
  /api/withdrawals/*    Settlement of withdrawal requests
  /api/commissions/*    Commission lifecycle

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that authenticates
  callers and restricts the settlement routes to operators.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/ledgerd: Server startup
*/
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions tunes NewRouter. The zero value allows any origin and
// applies no rate limit.
type RouterOptions struct {
	CORSOrigins []string
	Limiter     *AffiliateLimiter
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"Retry-After"},
	}))

	limit := func(next http.Handler) http.Handler { return next }
	if opts.Limiter != nil {
		limit = opts.Limiter.Middleware
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", h.Health)

		r.Route("/affiliates/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/commissions", h.ListCommissions)
			r.Post("/commissions", h.RecordCommission)
			r.Get("/withdrawals", h.ListWithdrawals)
			r.With(limit).Post("/withdrawals", h.RequestWithdrawal)
			r.Get("/audit", h.Audit)
		})

		r.Route("/withdrawals/{id}", func(r chi.Router) {
			r.Get("/", h.GetWithdrawal)
			r.Post("/approve", h.ApproveWithdrawal)
			r.Post("/complete", h.CompleteWithdrawal)
			r.Post("/reject", h.RejectWithdrawal)
		})

		r.Route("/commissions/{id}", func(r chi.Router) {
			r.Post("/approve", h.ApproveCommission)
			r.Post("/settle", h.SettleCommission)
			r.Post("/cancel", h.CancelCommission)
		})
	})

	return r
}
