package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/errlog"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/evidence"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/guard"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/idempotency"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/otel"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/session"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/shadow"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/tenant"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/throttle"
	"github.com/nurettinerzen/ai-assistant-saas-sub014/internal/verification"
)

const defaultTimeout = 60 * time.Second

// Deps are the components the API exposes. Audit and Errors may be nil;
// their routes then answer 503.
type Deps struct {
	Runner      *shadow.Runner
	Guard       *guard.Guard
	Throttle    *throttle.Limiter
	Idempotency *idempotency.Cache
	Sessions    *session.Store
	Verifier    *verification.Machine
	Errors      *errlog.Logger
	Audit       *evidence.Store
	Tenants     *tenant.Manager
}

// Server holds all dependencies for the HTTP API.
type Server struct {
	router      *chi.Mux
	d           Deps
	corsOrigins []string
	version     string
	startTime   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithCORSOrigins sets allowed CORS origins (e.g. ["*"]).
func WithCORSOrigins(origins []string) Option {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version reported by /health.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// NewServer builds a Server.
func NewServer(d Deps, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		d:           d,
		corsOrigins: []string{"*"},
		version:     "dev",
		startTime:   time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Routes returns the configured http.Handler. Turn handling is registered
// without the request timeout; the responder client carries its own.
func (s *Server) Routes() http.Handler {
	r := s.router
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otel.MiddlewareWithStatus())
	r.Use(CORSMiddleware(s.corsOrigins))

	// Unauthenticated
	r.Get("/health", s.handleHealth)
	r.Get("/v1/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(AuthMiddleware(s.d.Tenants))
		r.Use(RateLimitMiddleware(s.d.Tenants))

		r.Post("/v1/turns", s.handleTurn)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(defaultTimeout))

			r.Post("/v1/guard/check", s.handleGuardCheck)

			r.Post("/v1/throttle/check", s.handleThrottleCheck)
			r.Post("/v1/throttle/reset", s.handleThrottleReset)

			r.Get("/v1/idempotency/{channel}/{message_id}/{tool}", s.handleIdempotencyGet)
			r.Put("/v1/idempotency/{channel}/{message_id}/{tool}", s.handleIdempotencyPut)

			r.Get("/v1/verification/{channel}/{session_id}", s.handleVerificationGet)
			r.Post("/v1/verification/{channel}/{session_id}/present", s.handleVerificationPresent)
			r.Post("/v1/verification/{channel}/{session_id}/corroborate", s.handleVerificationCorroborate)

			r.Post("/v1/errors", s.handleErrorReport)
			r.Get("/v1/errors", s.handleErrorList)

			r.Get("/v1/shadow/stats", s.handleShadowStats)

			r.Get("/v1/audit", s.handleAuditList)
			r.Get("/v1/audit/{id}", s.handleAuditGet)
			r.Get("/v1/audit/{id}/verify", s.handleAuditVerify)
			r.Post("/v1/audit/export", s.handleAuditExport)
		})
	})

	return r
}
