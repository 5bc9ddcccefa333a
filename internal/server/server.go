// Package server implements the HTTP transport layer of the Plexus gateway:
// the dialect endpoints of spec §6.1 and the admin-key-gated management
// surface of §6.2, wired on top of internal/dispatcher and its collaborator
// packages. Grounded on the teacher's internal/server package file-for-file
// (server.go/middleware.go/metrics.go/sse.go/health.go/models.go/proxy.go),
// generalized from a single OpenAI-shaped proxy to the multi-dialect
// dispatch-and-translate pipeline the rest of this module implements.
package server

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/trace"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/auth"
	"github.com/plexusgw/plexus/internal/debug"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dispatcher"
	"github.com/plexusgw/plexus/internal/management"
	"github.com/plexusgw/plexus/internal/pricing"
	"github.com/plexusgw/plexus/internal/quota"
	"github.com/plexusgw/plexus/internal/ratelimit"
	"github.com/plexusgw/plexus/internal/telemetry"
)

// ReadyChecker reports whether the system is ready to serve traffic.
type ReadyChecker func(ctx context.Context) error

// UsageRecorder records API usage asynchronously. Satisfied by
// (*worker.UsageRecorder).
type UsageRecorder interface {
	Record(plexus.UsageRecord)
}

// TokenCounter estimates the prompt token count of a chat-shaped canonical
// body ahead of dispatch, for TPM accounting. Satisfied by
// (*tokencount.Estimator).EstimateRequest.
type TokenCounter interface {
	EstimateRequest(model string, body map[string]any) int
}

// ConfigSource returns the currently active configuration. Satisfied by
// (*config.Watcher).Current. Kept as a plain func type, not a named one
// re-exported from another package, so it is assignable wherever a Deps
// field needs it without a conversion at the call site.
type ConfigSource func() *plexus.Config

// Deps holds every dependency the HTTP layer needs. Nil-able fields disable
// the feature they back, mirroring the teacher's own Deps.
type Deps struct {
	Config     ConfigSource
	Dispatcher *dispatcher.Dispatcher
	Dialects   *dialect.Registry
	Auth       *auth.Authenticator

	Quota       *quota.Enforcer // nil = no quota enforcement
	RateLimiter *ratelimit.Registry // nil = no RPM/TPM rate limiting
	TokenCounter TokenCounter      // nil = fixed TPM estimate

	Debug         *debug.Manager        // nil = no debug capture
	Usage         UsageRecorder         // nil = no usage recording
	PricingLookup pricing.OpenRouterLookup // nil = openrouter-priced models cost 0

	Metrics        *telemetry.Metrics // nil = no Prometheus metrics
	MetricsHandler http.Handler       // nil = no /metrics endpoint
	Tracer         trace.Tracer       // nil = no distributed tracing
	ReadyCheck     ReadyChecker       // nil = always ready (for tests)

	Management *management.Service // nil = no admin-gated management surface
}

// New creates an http.Handler with every route and middleware wired.
func New(deps Deps) http.Handler {
	s := &server{deps: deps}

	r := chi.NewRouter()

	r.Use(s.securityHeaders)
	r.Use(s.recovery)
	r.Use(s.requestID)
	r.Use(s.logging)
	if deps.Metrics != nil {
		r.Use(metricsMiddleware(deps.Metrics))
	}
	if deps.Tracer != nil {
		r.Use(tracingMiddleware(deps.Tracer))
	}

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/v1/models", s.handleListModels)

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/v1/chat/completions", s.handleDialect(plexus.DialectChat))
		r.Post("/v1/messages", s.handleDialect(plexus.DialectMessages))
		r.Post("/v1beta/models/{modelWithAction}", s.handleGemini)
		r.Post("/v1/responses", s.handleDialect(plexus.DialectResponses))
		r.Post("/v1/embeddings", s.handleDialect(plexus.DialectEmbeddings))
		r.Post("/v1/audio/speech", s.handleDialect(plexus.DialectSpeech))
		r.Post("/v1/audio/transcriptions", s.handleTranscription)
		r.Post("/v1/images/generations", s.handleDialect(plexus.DialectImages))
		r.Post("/v1/images/edits", s.handleImageEdit)
	})

	if deps.Management != nil {
		r.Group(func(r chi.Router) {
			r.Use(s.authenticateAdmin)
			r.Mount("/v0/management", deps.Management.Routes())
			r.Mount("/api/v1/config", deps.Management.SnapshotRoutes())
		})
	}

	return r
}

type server struct {
	deps Deps
}
