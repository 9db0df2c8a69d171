// Package server implements the HTTP transport layer for the Feen gateway:
// the proxy data plane under /api/proxy/ and the control-plane CRUD surface.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	feen "github.com/feenlabs/feen/internal"
	"github.com/feenlabs/feen/internal/crypto"
	"github.com/feenlabs/feen/internal/faststore"
	"github.com/feenlabs/feen/internal/guard"
	"github.com/feenlabs/feen/internal/policy"
	"github.com/feenlabs/feen/internal/proxy"
	"github.com/feenlabs/feen/internal/ratelimit"
	"github.com/feenlabs/feen/internal/router"
	"github.com/feenlabs/feen/internal/storage"
	"github.com/feenlabs/feen/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records proxy usage asynchronously.
type UsageRecorder interface {
	Record(feen.UsageLog)
}

// Deps holds all dependencies for the HTTP server.
type Deps struct {
	Store     storage.Store
	Fast      faststore.Store
	Cipher    *crypto.Cipher
	Policy    *policy.Evaluator
	Limiter   *ratelimit.Limiter
	Router    *router.Router
	Transport *proxy.Transport
	Guard     guard.Guard

	Usage      UsageRecorder      // nil = no usage recording
	Metrics    *telemetry.Metrics // nil = no metrics endpoint or counters
	ReadyCheck ReadyChecker       // nil = always ready (for tests)

	SessionSecret  string
	SessionTTL     time.Duration
	DefaultRPM     int64 // applied to tokens created without a limit
	StorePlaintext bool  // keep minted access tokens retrievable
}

// New creates an http.Handler with all routes and middleware wired.
func New(deps Deps) http.Handler {
	if deps.SessionTTL <= 0 {
		deps.SessionTTL = 12 * time.Hour
	}
	s := &server{deps: deps}

	r := chi.NewRouter()

	// Global middleware
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)

	// System endpoints (no auth)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	}

	// Data plane: shared-token auth happens inside the handler so policy
	// failures produce the canonical envelope and suspicious events.
	r.HandleFunc("/api/proxy/*", s.handleProxy)

	// Account endpoints (no session)
	r.Post("/api/auth/register", s.handleRegister)
	r.Post("/api/auth/login", s.handleLogin)

	// Control plane (session required)
	r.Group(func(r chi.Router) {
		r.Use(s.requireUser)

		r.Post("/api/auth/2fa/enable", s.handleTwoFactorEnable)
		r.Post("/api/auth/2fa/verify", s.handleTwoFactorVerify)
		r.Post("/api/auth/2fa/disable", s.handleTwoFactorDisable)

		r.Route("/api/keys", func(r chi.Router) {
			r.Get("/", s.handleListKeys)
			r.Post("/", s.handleCreateKey)
			r.Get("/{id}", s.handleGetKey)
			r.Patch("/{id}", s.handleUpdateKey)
			r.Delete("/{id}", s.handleDeleteKey)
			r.Post("/{id}/reveal", s.handleRevealKey)
		})

		r.Route("/api/tokens", func(r chi.Router) {
			r.Get("/", s.handleListTokens)
			r.Post("/", s.handleCreateToken)
			r.Get("/{id}", s.handleGetToken)
			r.Patch("/{id}", s.handleUpdateToken)
			r.Delete("/{id}", s.handleDeleteToken)
			r.Post("/{id}/rotate", s.handleRotateToken)
		})

		r.Route("/api/webhooks", func(r chi.Router) {
			r.Get("/", s.handleListWebhooks)
			r.Post("/", s.handleCreateWebhook)
			r.Delete("/{id}", s.handleDeleteWebhook)
		})

		r.Get("/api/usage", s.handleListUsage)
		r.Get("/api/audit", s.handleListAudit)
	})

	return r
}

type server struct {
	deps Deps
}
