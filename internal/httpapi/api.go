// Package httpapi is the JSON REST surface of the loan origination service.
package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"lendpath.io/internal/apperr"
	"lendpath.io/internal/audit"
	"lendpath.io/internal/auth"
	"lendpath.io/internal/health"
	"lendpath.io/internal/lending"
	"lendpath.io/internal/obs"
	"lendpath.io/internal/ratelimit"
	"lendpath.io/internal/trace"
)

const maxRequestBytes = 2 << 20

// Deps wires the services behind the API. Auth, Lending and Audit are
// required; the rest fall back to private defaults.
type Deps struct {
	Auth    *auth.Service
	Lending *lending.Service
	Audit   *audit.Logger

	Tracer  *trace.Tracer
	Monitor *health.Monitor
	Metrics *obs.Metrics
	Logger  *zap.Logger

	// Limiter guards every /api route; AuthLimiter additionally guards
	// signup, login and invitation acceptance.
	Limiter     ratelimit.Limiter
	AuthLimiter ratelimit.Limiter

	Version      string
	Production   bool
	CookieSecure bool
	TrustProxy   bool
	BaseURL      string
	CORSOrigins  []string
}

// API is the HTTP layer.
type API struct {
	auth    *auth.Service
	lending *lending.Service
	audit   *audit.Logger
	tracer  *trace.Tracer
	monitor *health.Monitor
	metrics *obs.Metrics
	log     *zap.Logger

	limiter     ratelimit.Limiter
	authLimiter ratelimit.Limiter

	version      string
	production   bool
	cookieSecure bool
	trustProxy   bool
	baseURL      string
	corsOrigins  []string

	router chi.Router
}

// New builds the API and its router.
func New(d Deps) (*API, error) {
	if d.Auth == nil || d.Lending == nil || d.Audit == nil {
		return nil, errors.New("httpapi: auth, lending and audit are required")
	}
	a := &API{
		auth:         d.Auth,
		lending:      d.Lending,
		audit:        d.Audit,
		tracer:       d.Tracer,
		monitor:      d.Monitor,
		metrics:      d.Metrics,
		log:          d.Logger,
		limiter:      d.Limiter,
		authLimiter:  d.AuthLimiter,
		version:      d.Version,
		production:   d.Production,
		cookieSecure: d.CookieSecure || d.Production,
		trustProxy:   d.TrustProxy,
		baseURL:      d.BaseURL,
		corsOrigins:  d.CORSOrigins,
	}
	if a.tracer == nil {
		a.tracer = trace.New()
	}
	if a.monitor == nil {
		a.monitor = health.NewMonitor(d.Version)
	}
	if a.metrics == nil {
		a.metrics = obs.NewMetrics()
	}
	if a.log == nil {
		a.log = zap.NewNop()
	}
	a.router = a.routes()
	return a, nil
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler { return a.router }

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	if a.trustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(a.correlate)
	r.Use(a.observe)
	r.Use(a.recoverer)
	r.Use(a.securityHeaders)
	if len(a.corsOrigins) > 0 {
		r.Use(corsHandler(a.corsOrigins))
	}
	r.Use(maxBodyBytes(maxRequestBytes))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		a.respondError(w, r, apperr.NotFound("Route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{
			Error:         "MethodNotAllowed",
			Message:       "Method not allowed",
			CorrelationID: obs.CorrelationID(r.Context()),
		})
	})

	r.Handle("/metrics", a.metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/health", func(r chi.Router) {
			r.Get("/", a.handleHealth)
			r.Get("/live", a.handleLive)
			r.Get("/ready", a.handleReady)
			r.Get("/startup", a.handleStartup)
			r.Get("/metrics", a.handleTraceMetrics)
			if !a.production {
				r.Get("/detailed", a.handleDetailed)
			}
		})

		r.Group(func(r chi.Router) {
			r.Use(a.rateLimit(a.limiter, "api"))

			r.Route("/auth", func(r chi.Router) {
				r.Group(func(r chi.Router) {
					r.Use(a.rateLimit(a.authLimiter, "auth"))
					r.Post("/signup", a.handleSignup)
					r.Post("/login", a.handleLogin)
					r.Post("/verify-email", a.handleVerifyEmail)
					r.Post("/accept-invitation", a.handleAcceptInvitation)
				})
				r.Post("/logout", a.handleLogout)

				r.Group(func(r chi.Router) {
					r.Use(a.authenticate)
					r.Post("/logout-all", a.handleLogoutAll)
					r.Get("/me", a.handleMe)
					r.Get("/sessions", a.handleListSessions)
					r.Delete("/sessions/{id}", a.handleRevokeSession)
					r.Post("/change-password", a.handleChangePassword)
				})
			})

			r.Group(func(r chi.Router) {
				r.Use(a.authenticate)
				a.tenantRoutes(r)
			})
		})
	})
	return r
}

func (a *API) tenantRoutes(r chi.Router) {
	admin := a.RequireRole(auth.RoleAdmin)
	originators := a.RequireRole(auth.RoleAdmin, auth.RoleBroker)
	reviewers := a.RequireRole(auth.RoleAdmin, auth.RoleUnderwriter)

	r.Route("/organizations", func(r chi.Router) {
		r.Get("/current", a.handleCurrentOrganization)
		r.With(admin).Patch("/current", a.handleUpdateOrganization)
		r.With(admin).Get("/invitations", a.handleListInvitations)
		r.With(admin).Post("/invitations", a.handleCreateInvitation)
		r.With(admin).Delete("/invitations/{id}", a.handleRevokeInvitation)
	})

	// Role gates use With so the audit entry for a denial records the
	// full route pattern.
	r.Route("/users", func(r chi.Router) {
		r = r.With(admin)
		r.Get("/", a.handleListUsers)
		r.Get("/{id}", a.handleGetUser)
		r.Patch("/{id}/role", a.handleUpdateUserRole)
		r.Delete("/{id}", a.handleDeactivateUser)
	})

	r.Route("/leads", func(r chi.Router) {
		r.Get("/", a.handleListLeads)
		r.With(originators).Post("/", a.handleCreateLead)
		r.Get("/{id}", a.handleGetLead)
		r.With(originators).Patch("/{id}", a.handleUpdateLead)
		r.With(originators).Delete("/{id}", a.handleDeleteLead)
		r.With(originators).Post("/{id}/convert", a.handleConvertLead)
	})

	r.Route("/applications", func(r chi.Router) {
		r.Get("/", a.handleListApplications)
		r.With(originators).Post("/", a.handleCreateApplication)
		r.Get("/{id}", a.handleGetApplication)
		r.Patch("/{id}", a.handleUpdateApplication)
		r.With(originators).Delete("/{id}", a.handleDeleteApplication)
		r.With(originators).Post("/{id}/submit", a.handleSubmitApplication)
		r.With(reviewers).Post("/{id}/status", a.handleChangeStatus)
		r.Get("/{id}/tasks", a.handleListTasks)
		r.Post("/{id}/tasks", a.handleCreateTask)
	})
	r.Patch("/tasks/{id}", a.handleUpdateTask)

	r.Route("/loan-products", func(r chi.Router) {
		r.Get("/", a.handleListProducts)
		r.Get("/{id}", a.handleGetProduct)
		r.With(admin).Post("/", a.handleCreateProduct)
		r.With(admin).Patch("/{id}", a.handleUpdateProduct)
		r.With(admin).Delete("/{id}", a.handleDeleteProduct)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Get("/", a.handleListTemplates)
		r.Get("/{id}", a.handleGetTemplate)
		r.With(admin).Post("/", a.handleCreateTemplate)
		r.With(admin).Patch("/{id}", a.handleUpdateTemplate)
		r.With(admin).Delete("/{id}", a.handleDeleteTemplate)
	})

	r.Route("/underwriting", func(r chi.Router) {
		r = r.With(reviewers)
		r.Get("/queues", a.handleListQueues)
		r.With(admin).Post("/queues", a.handleCreateQueue)
		r.Get("/queues/{id}/applications", a.handleQueueApplications)
		r.Post("/applications/{id}/claim", a.handleClaimApplication)
	})

	r.Get("/dashboard/summary", a.handleDashboardSummary)

	r.Route("/admin", func(r chi.Router) {
		r.With(admin).Get("/audit-logs", a.handleAuditLogs)
		r.With(a.RequireRole(auth.RoleSuperAdmin)).Get("/organizations", a.handleListOrganizations)
		r.With(a.RequireRole(auth.RoleSuperAdmin)).Post("/organizations", a.handleCreateOrganization)
	})
}
