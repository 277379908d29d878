/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address from X-Forwarded-For / X-Real-IP
  3. Logger:     Request logging through logrus
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for frontends

ROUTE GROUPS:
  /api/partners/*       Partners and offers
  /api/points/*         Points operations
  /api/members/*        Balances and history
  /api/campaigns/*      Microcredit campaigns and pledges
  /api/supports/*       Support lifecycle and token redemption
  /api/entries          Ledger queries
  /api/admin/*          Reconcile and receipt verification
  /api/scenarios/*      Demo data
  /metrics              Prometheus exposition
  /healthz              Liveness

SECURITY NOTE:
  No authentication middleware. Deploy behind a gateway that
  authenticates partners and members.

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// RouterOptions configure NewRouter.
type RouterOptions struct {
	AllowedOrigins []string
	// Gatherer backs /metrics; nil omits the endpoint.
	Gatherer prometheus.Gatherer
}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	origins := opts.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Route("/partners", func(r chi.Router) {
			r.Post("/", h.CreatePartner)
			r.Get("/{id}", h.GetPartner)
			r.Post("/{id}/offers", h.CreateOffer)
		})

		r.Route("/points", func(r chi.Router) {
			r.Post("/earn", h.Earn)
			r.Post("/redeem", h.Redeem)
			r.Post("/redeem-offer", h.RedeemOffer)
		})

		r.Route("/members/{id}", func(r chi.Router) {
			r.Get("/balance", h.GetBalance)
			r.Get("/history", h.GetHistory)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Get("/", h.ListCampaigns)
			r.Post("/", h.CreateCampaign)
			r.Get("/{id}", h.GetCampaign)
			r.Patch("/{id}", h.EditCampaign)
			r.Post("/{id}/publish", h.PublishCampaign)
			r.Get("/{id}/supports", h.ListSupports)
			r.Post("/{id}/pledges", h.Pledge)
		})

		r.Route("/supports/{id}", func(r chi.Router) {
			r.Get("/", h.GetSupport)
			r.Get("/replay", h.ReplaySupport)
			r.Post("/confirm", h.ConfirmSupport)
			r.Post("/revert", h.RevertSupport)
			r.Post("/redeem", h.RedeemTokens)
		})

		r.Get("/entries", h.ListEntries)

		r.Route("/admin", func(r chi.Router) {
			r.Get("/reconcile", h.ReconcileStatus)
			r.Post("/reconcile", h.TriggerReconcile)
			r.Post("/verify", h.VerifyReceipts)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Get("/current", h.GetCurrentScenario)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with logrus.
func requestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			entry := log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       r.URL.Path,
				"status":     ww.Status(),
				"bytes":      ww.BytesWritten(),
				"duration":   time.Since(start).String(),
				"request_id": middleware.GetReqID(r.Context()),
				"remote":     r.RemoteAddr,
			})
			if ww.Status() >= http.StatusInternalServerError {
				entry.Warn("request")
			} else {
				entry.Debug("request")
			}
		})
	}
}
