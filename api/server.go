/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. RealIP:     Client address behind a proxy
  3. Logger:     Structured request log (zap)
  4. Recoverer:  Panic recovery (500 instead of crash)
  5. CORS:       Cross-origin requests for the back office

ROUTE GROUPS:
  /api/periods/*     Invoice generation
  /api/payments/*    Payment allocation
  /api/dunning/*     Dunning runs
  /api/vpi/*         Index adjustment
  /api/reports/*     Arrears exports
  /api/tenants/*     Tenant seeding and history
  /api/scenarios/*   Demo data
  /ws                Notification hub
  /health            Liveness

SECURITY NOTE:
  No authentication middleware. The service is expected to run behind the
  back office gateway, which authenticates users and injects scope_id.

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
	"go.uber.org/zap"
)

// NewRouter creates a new router with all routes configured. An empty
// origins list allows any origin.
func NewRouter(h *Handler, origins []string) *chi.Mux {
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.Logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
		ExposedHeaders:   []string{"Content-Disposition"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", h.Health)
	r.Get("/ws", h.WebSocket)

	// API routes
	r.Route("/api", func(r chi.Router) {
		r.Post("/periods/generate", h.GeneratePeriod)

		r.Route("/payments", func(r chi.Router) {
			r.Post("/", h.CreatePayment)
			r.Post("/preview", h.PreviewPayment)
		})

		r.Post("/dunning/check", h.CheckDunning)

		r.Route("/vpi", func(r chi.Router) {
			r.Post("/check", h.CheckVpi)
			r.Post("/apply", h.ApplyVpi)
		})

		r.Get("/reports/arrears", h.ArrearsReport)

		r.Route("/tenants/{id}", func(r chi.Router) {
			r.Put("/", h.PutTenant)
			r.Get("/", h.GetTenant)
			r.Get("/invoices", h.ListTenantInvoices)
			r.Get("/rent-history", h.GetRentHistory)
		})

		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request in place of middleware.Logger.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Info("request",
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
					zap.Int("status", ww.Status()),
					zap.Int("bytes", ww.BytesWritten()),
					zap.Duration("duration", time.Since(start)),
					zap.String("request_id", middleware.GetReqID(r.Context())),
					zap.String("remote", r.RemoteAddr))
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
