/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind proxies
  3. Logger:     One structured (slog) line per request
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests, origins from config

ROUTE GROUPS:
  /api/accounts/*       Registration, accruals, ledger, tree, snapshots
  /api/events/*         Inbound sale, reversal and purchase events
  /api/admin/*          Monthly reset trigger
  /api/tables           Rate tables in use
  /metrics              Prometheus scrape endpoint (when configured)
  /healthz              Liveness with a storage ping

SECURITY NOTE:
  No authentication middleware. /api/events and /api/admin must sit
  behind the deployment's gateway.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions carries the router's non-handler dependencies.
type RouterOptions struct {
	CORSOrigins []string
	Metrics     http.Handler // mounted at /metrics when set
	Logger      *slog.Logger
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	if opts.Logger == nil {
		opts.Logger = h.Log
	}
	origins := opts.CORSOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(opts.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
	}))

	r.Get("/healthz", h.Health)
	if opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", opts.Metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/accounts", func(r chi.Router) {
			r.Post("/", h.CreateAccount)
			r.Get("/{id}", h.GetAccount)
			r.Put("/{id}/parent", h.Reparent)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/tree", h.GetTree)
			r.Get("/{id}/snapshots", h.ListSnapshots)
			r.Get("/{id}/reconcile", h.Reconcile)
		})

		r.Get("/referral-codes/{code}", h.ResolveReferralCode)

		r.Route("/events", func(r chi.Router) {
			r.Post("/sales", h.SaleCompleted)
			r.Post("/reversals", h.SaleReversed)
			r.Post("/purchases", h.PurchaseCompleted)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Post("/reset", h.TriggerReset)
		})

		r.Get("/tables", h.GetTables)
	})

	return r
}

// requestLogger logs method, path, status and latency of every request.
func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				log.InfoContext(r.Context(), "http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"elapsed", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
