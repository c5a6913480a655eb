package api

import (
	"net/http"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/parametricportal/backend/internal/authflow"
	"github.com/parametricportal/backend/internal/config"
	"github.com/parametricportal/backend/internal/events"
	"github.com/parametricportal/backend/internal/mfa"
	"github.com/parametricportal/backend/internal/policy"
	"github.com/parametricportal/backend/internal/ratelimit"
	"github.com/parametricportal/backend/internal/session"
	"github.com/parametricportal/backend/internal/storage"
)

// Deps aggregates everything the router wires together.
type Deps struct {
	Config   config.Config
	Repo     storage.Repository
	Flow     *authflow.Service
	Sessions *session.Service
	MFA      *mfa.Service
	Policy   *policy.Service
	Bus      events.Bus
	Limiter  *ratelimit.Limiter
	Health   map[string]Pinger
}

// Server is the HTTP edge.
type Server struct {
	Router *chi.Mux
}

// NewServer builds the middleware chain and route table.
func NewServer(deps Deps) *Server {
	r := chi.NewRouter()

	// 1. Core middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)

	// 2. Sentry before recovery so panics reach it
	sentryHandler := sentryhttp.New(sentryhttp.Options{Repanic: true})
	r.Use(sentryHandler.Handle)

	// 3. Request context, logging, recovery
	r.Use(requestContext)
	r.Use(requestLogger)
	r.Use(panicRecovery)

	// 4. Session resolution (rate-limit keys include the user when known)
	r.Use(sessionAuth(deps.Sessions))

	ck := newCookies(deps.Config)
	authHandler := NewAuthHandler(deps.Flow, ck)
	mfaHandler := NewMFAHandler(deps.MFA, deps.Sessions, deps.Policy, deps.Repo)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.Flow, deps.Policy)
	policyHandler := NewPolicyHandler(deps.Policy)
	tenantHandler := NewTenantHandler(deps.Repo, deps.Policy, deps.Bus)

	limitAPI := limit(deps.Limiter, "api")
	limitMutation := limit(deps.Limiter, "mutation")
	limitAuth := limit(deps.Limiter, "auth")
	limitMFA := limit(deps.Limiter, "mfa")
	limitHealth := limit(deps.Limiter, "health")

	// Base routes
	r.With(limitHealth).Get("/healthz", healthHandler(deps.Health))
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			// Public: OAuth round trip and refresh
			r.With(limitAuth).Post("/oauth/{provider}/initiate", authHandler.Initiate)
			r.With(limitAuth).Get("/oauth/{provider}/callback", authHandler.Callback)
			r.With(limitAuth).Post("/refresh", authHandler.Refresh)

			// Authenticated session surface
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)

				r.With(limitMFA).Post("/mfa/verify", authHandler.VerifyMFA)
				r.With(limitMutation).Post("/mfa/enroll", mfaHandler.Enroll)
				r.With(limitAPI).Get("/mfa/status", mfaHandler.Status)
				r.With(limitMutation).Delete("/mfa", mfaHandler.Disable)

				r.With(limitMutation).Post("/logout", authHandler.Logout)
				r.With(limitAPI).Get("/sessions", sessionHandler.List)
				r.With(limitMutation).Delete("/sessions/{id}", sessionHandler.Revoke)
				r.With(limitMutation).Delete("/sessions", sessionHandler.RevokeAll)
			})
		})

		r.Route("/policy", func(r chi.Router) {
			r.Use(requireAuth)
			r.With(limitAPI).Get("/{role}", policyHandler.ForRole)
			r.With(limitMutation).Post("/", policyHandler.Grant)
			r.With(limitMutation).Delete("/", policyHandler.Revoke)
		})

		r.Route("/admin/tenants", func(r chi.Router) {
			r.Use(requireAuth)
			r.With(limitMutation).Post("/", tenantHandler.Provision)
			r.With(limitAPI).Get("/{id}/settings", tenantHandler.ReadSettings)
			r.With(limitMutation).Put("/{id}/settings", tenantHandler.UpdateSettings)
		})
	})

	return &Server{Router: r}
}
