package routes

import (
	"net/http"

	csrf "filippo.io/csrf/gorilla"
	"github.com/agjmills/hoard/internal/accounts"
	"github.com/agjmills/hoard/internal/auth"
	"github.com/agjmills/hoard/internal/billing"
	"github.com/agjmills/hoard/internal/config"
	"github.com/agjmills/hoard/internal/files"
	"github.com/agjmills/hoard/internal/handlers"
	"github.com/agjmills/hoard/internal/logger"
	"github.com/agjmills/hoard/internal/middleware"
	"github.com/agjmills/hoard/internal/plans"
	"github.com/agjmills/hoard/internal/storage"
	"github.com/agjmills/hoard/internal/store"
	"github.com/alexedwards/scs/v2"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
)

// Deps is everything the HTTP layer is built from.
type Deps struct {
	Config         *config.Config
	Store          store.Store
	Storage        storage.StorageBackend
	SessionManager *scs.SessionManager
	Catalog        *plans.Catalog
	Accounts       *accounts.Service
	Files          *files.Service
	Billing        *billing.Service
	Validate       *validator.Validate
	// Degraded reports whether the store is serving from memory. Nil when
	// the fallback is disabled.
	Degraded func() bool
	Version  string
}

// Setup mounts the JSON API on r.
//
// Cross-origin protection uses filippo.io/csrf, which judges requests by their
// Fetch Metadata headers (Sec-Fetch-Site, Origin) rather than tokens:
// cross-site and same-site browser writes are rejected, same-origin ones pass,
// and requests without those headers (curl, API clients) pass because they do
// not carry ambient cookies. It never reads the body, so streaming uploads
// stay behind it.
//
// When CORS origins are configured, rs/cors answers preflights for them and
// allows credentialed requests; CSRF then has to be disabled or the origins
// must be same-site with the API.
func Setup(r chi.Router, d Deps) {
	cfg := d.Config
	sm := d.SessionManager

	authHandler := handlers.NewAuthHandler(d.Accounts, cfg, sm)
	planHandler := handlers.NewPlanHandler(d.Catalog)
	paymentHandler := handlers.NewPaymentHandler(d.Billing)
	fileHandler := handlers.NewFileHandler(d.Files, cfg)
	adminHandler := handlers.NewAdminHandler(d.Accounts, d.Files, d.Billing)
	healthHandler := handlers.NewHealthHandler(d.Store, d.Storage, d.Degraded, d.Version)
	supportHandler := handlers.NewSupportHandler(d.Validate)

	if len(cfg.CORSAllowedOrigins) > 0 {
		r.Use(newCORS(cfg.CORSAllowedOrigins).Handler)
	}

	trusted := middleware.ParseTrustedCIDRs(cfg.TrustedProxyCIDRs)
	rateLimit := middleware.RateLimit(middleware.NewAuthLimiter(), trusted)
	csrfMiddleware := newCSRF(cfg)
	requireAuth := auth.RequireAuth(d.Store, sm)

	r.NotFound(middleware.NotFoundHandler)
	r.MethodNotAllowed(middleware.MethodNotAllowedHandler)

	r.Get("/health", healthHandler.Health)
	r.Handle("/metrics", promhttp.Handler())

	// Public reads.
	r.Get("/uploads/{accountID}/{name}", fileHandler.Serve)
	r.Get("/api/plans", planHandler.List)
	r.Get("/api/file/{id}", fileHandler.Get)
	r.With(rateLimit).Post("/api/support", supportHandler.Submit)

	r.Group(func(r chi.Router) {
		r.Use(sm.LoadAndSave)

		r.Group(func(r chi.Router) {
			r.Use(rateLimit)
			r.Use(csrfMiddleware)
			r.Post("/api/register", authHandler.Register)
			r.Post("/api/login", authHandler.Login)
		})

		r.With(csrfMiddleware).Post("/api/logout", authHandler.Logout)

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(csrfMiddleware)
			r.Get("/api/user", authHandler.User)
			r.Get("/api/user/files", fileHandler.List)
			r.Post("/api/upload", fileHandler.Upload)
			r.Delete("/api/file/{id}", fileHandler.Delete)
			r.Post("/api/payment/initiate", paymentHandler.Initiate)
			r.Post("/api/payment/verify", paymentHandler.Verify)
			r.Get("/api/payments", paymentHandler.List)
		})

		r.Route("/api/admin", func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(auth.RequireAdmin())
			r.Use(csrfMiddleware)
			r.Get("/stats", adminHandler.Stats)
			r.Get("/accounts", adminHandler.ListAccounts)
			r.Patch("/accounts/{id}", adminHandler.UpdateAccount)
			r.Delete("/accounts/{id}", adminHandler.DeleteAccount)
			r.Delete("/files/{id}", adminHandler.DeleteFile)
			r.Get("/payments", adminHandler.ListPayments)
			r.Post("/payments/{id}/review", adminHandler.ReviewPayment)
		})
	})
}

func newCSRF(cfg *config.Config) func(http.Handler) http.Handler {
	if !cfg.CSRFEnabled {
		return func(next http.Handler) http.Handler { return next }
	}
	return csrf.Protect(
		[]byte(cfg.SessionSecret),
		csrf.ErrorHandler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			logger.Warn("csrf validation failed",
				"reason", csrf.FailureReason(r),
				"method", r.Method,
				"path", r.URL.Path,
			)
			middleware.WriteJSON(w, http.StatusForbidden, middleware.ErrorBody{Error: "Forbidden", Code: "csrf"})
		})),
	)
}

func newCORS(origins []string) *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
		MaxAge:           300,
	})
}
