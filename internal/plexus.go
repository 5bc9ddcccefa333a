// Package plexus defines the domain types and interfaces shared across the
// gateway: dialects, the dialect-neutral request/response envelopes, the
// transformer contract, and the provider/alias/key configuration model. It
// has no project imports -- it is the dependency root, mirroring the
// teacher's internal/gateway.go.
package plexus

import (
	"context"
	"io"
	"time"
)

// Dialect identifies the wire grammar spoken at a particular hop: the one
// the client used to call Plexus, or the one a given upstream provider
// speaks. The zero value is not a valid dialect.
type Dialect string

const (
	DialectChat           Dialect = "chat"
	DialectMessages       Dialect = "messages"
	DialectGemini         Dialect = "gemini"
	DialectResponses      Dialect = "responses"
	DialectEmbeddings     Dialect = "embeddings"
	DialectSpeech         Dialect = "speech"
	DialectImages         Dialect = "images"
	DialectTranscriptions Dialect = "transcriptions"
	DialectOAuth          Dialect = "oauth"
	DialectDefault        Dialect = "default"
)

// Valid reports whether d is one of the recognized dialect tags.
func (d Dialect) Valid() bool {
	switch d {
	case DialectChat, DialectMessages, DialectGemini, DialectResponses,
		DialectEmbeddings, DialectSpeech, DialectImages, DialectTranscriptions,
		DialectOAuth, DialectDefault:
		return true
	}
	return false
}

// --- Dialect-neutral request/response envelope ---

// UnifiedRequest is the dialect-neutral normalized request the dispatcher
// operates on. Body carries the already-parsed client payload as an opaque
// JSON object; OriginalBody is the raw bytes the client sent, used verbatim
// on the pass-through fast path so no parse/serialize round-trip is paid
// when the incoming and outgoing dialects match.
type UnifiedRequest struct {
	Model           string
	IncomingDialect Dialect
	OriginalBody    []byte
	Body            map[string]any
	RequestID       string
	Stream          bool
	Headers         map[string]string
}

// UnifiedResponse is what the dispatcher hands back to the HTTP layer: either
// a fully materialized body (non-streaming) or an open upstream stream the
// caller must tee through the inspector and close.
type UnifiedResponse struct {
	Body                 []byte
	RawBody              []byte // present only when BypassTransformation
	Stream                io.ReadCloser
	BypassTransformation bool
	RouteInfo            RouteInfo
	// Usage is populated on non-streaming responses (Transformer.TransformResponse
	// already extracts it); zero on a streaming response, where the caller
	// must accumulate it from the inspector.Reducer over the open Stream instead.
	Usage Usage
}

// RouteInfo is the routing metadata attached to a dispatched response, used
// for client-visible headers and for the usage record.
type RouteInfo struct {
	Provider        string
	Model           string
	Dialect         Dialect
	CanonicalAlias  string
	AccountID       string
	Pricing         Pricing
	Discount        float64
	DialectReason   string // "matched incoming" | "defaulted"
}

// Usage is the token/cost accounting extracted from a provider response,
// dialect-neutral.
type Usage struct {
	InputTokens        int
	OutputTokens       int
	ReasoningTokens    int
	CachedTokens       int
	CacheWriteTokens   int
}

// Total returns the sum of all token buckets, as used by token-denominated
// quotas (see quota.Enforcer.Record).
func (u Usage) Total() int {
	return u.InputTokens + u.OutputTokens + u.ReasoningTokens + u.CachedTokens + u.CacheWriteTokens
}

// --- Transformer contract (out of scope per spec; interface only) ---

// Transformer is the per-dialect translator the dispatcher depends on but
// does not implement beyond the bespoke adapters in package dialect.
// TransformRequest/TransformResponse operate on already-decoded JSON so the
// dispatcher never needs dialect-specific knowledge of field names.
type Transformer interface {
	// Parse decodes a raw client body for this dialect into the opaque map
	// the dispatcher and alias behaviors operate on.
	Parse(raw []byte) (map[string]any, error)
	// TransformRequest converts a canonical (chat-shaped) request already
	// addressed to targetModel into the transformer's own dialect's wire
	// shape. Returns the request unchanged if the transformer is the
	// identity/pass-through adapter.
	TransformRequest(body map[string]any) (map[string]any, error)
	// TransformResponse converts a provider response body in the
	// transformer's own dialect into the canonical chat-shaped map, plus
	// the usage extracted from it.
	TransformResponse(raw []byte) (map[string]any, Usage, error)
	// Endpoint returns the provider-relative path to POST to for this
	// request (e.g. "/chat/completions").
	Endpoint(body map[string]any) string
}

// --- Configuration model (see package config for the YAML-facing types) ---

// OAuthProviderKind enumerates the supported OAuth token sources.
type OAuthProviderKind string

const (
	OAuthAnthropic        OAuthProviderKind = "anthropic"
	OAuthOpenAICodex      OAuthProviderKind = "openai-codex"
	OAuthGitHubCopilot    OAuthProviderKind = "github-copilot"
	OAuthGoogleGeminiCLI  OAuthProviderKind = "google-gemini-cli"
	OAuthGoogleAntigravity OAuthProviderKind = "google-antigravity"
)

// PricingSource enumerates the four cost-calculation shapes of §4.2.
type PricingSource string

const (
	PricingSimple     PricingSource = "simple"
	PricingDefined    PricingSource = "defined"
	PricingOpenRouter PricingSource = "openrouter"
	PricingPerRequest PricingSource = "per_request"
)

// PricingRange is one entry of a "defined" pricing table, selected by
// input-token count.
type PricingRange struct {
	LowerBound int64 // inclusive
	UpperBound int64 // inclusive; +Inf represented as -1
	Input      float64
	Output     float64
	Cached     float64
	CacheWrite float64
}

// Pricing is the per-model cost specification consumed by the cost selector
// and by post-flight cost accounting (§4.2, invariant 9).
type Pricing struct {
	Source PricingSource

	// PricingSimple: per-million-token rates for input, output, cached and
	// cache-write tokens.
	Input      float64
	Output     float64
	Cached     float64
	CacheWrite float64

	// PricingDefined: ranges selected by input token count.
	Ranges []PricingRange

	// PricingOpenRouter: looked up by slug; rates are per-token, not
	// per-million.
	Slug     string
	Discount *float64 // overrides the provider-level discount when set

	// PricingPerRequest: a flat amount attributed to the input bucket.
	PerRequest float64
}

// ModelEntry is the per-model metadata a provider can declare, either as a
// bare name (pricing/type/accessVia all zero) or a fully specified entry.
type ModelEntry struct {
	Name      string
	Pricing   Pricing
	AccessVia []Dialect
	Type      Dialect
}

// ProviderConfig identifies a single upstream per §3.1.
type ProviderConfig struct {
	ID             string
	APIBaseURL     string // used when BaseURLByDialect is empty
	BaseURLByDialect map[Dialect]string
	APIKey         string
	OAuthProvider  OAuthProviderKind
	OAuthAccount   string
	Enabled        bool
	Models         []ModelEntry
	Headers        map[string]string
	ExtraBody      map[string]any
	Discount       float64
	EstimateTokens bool
	QuotaChecker   *QuotaCheckerConfig
}

// QuotaCheckerConfig configures out-of-band quota polling for a provider.
// Polling itself is an external collaborator (§1); only the config shape
// lives here.
type QuotaCheckerConfig struct {
	Type            string
	IntervalMinutes int
	Options         map[string]any
}

// ModelByName looks up a provider's declared model by name.
func (p ProviderConfig) ModelByName(name string) (ModelEntry, bool) {
	for _, m := range p.Models {
		if m.Name == name {
			return m, true
		}
	}
	return ModelEntry{}, false
}

// BaseURLFor resolves the base URL for a target dialect per §4.5e: exact
// dialect tag, then "default", then the first map entry (with a caller-
// visible "defaulted" signal via the bool return).
func (p ProviderConfig) BaseURLFor(dialect Dialect) (url string, usedFallback bool) {
	if p.BaseURLByDialect == nil {
		return trimTrailingSlash(p.APIBaseURL), false
	}
	if u, ok := p.BaseURLByDialect[dialect]; ok {
		return trimTrailingSlash(u), false
	}
	if u, ok := p.BaseURLByDialect[DialectDefault]; ok {
		return trimTrailingSlash(u), true
	}
	for _, u := range p.BaseURLByDialect {
		return trimTrailingSlash(u), true
	}
	return "", true
}

func trimTrailingSlash(s string) string {
	if len(s) > 0 && s[len(s)-1] == '/' {
		return s[:len(s)-1]
	}
	return s
}

// HasValidAuth implements the OAuth-exclusivity invariant of §8.3.
func (p ProviderConfig) HasValidAuth() bool {
	hasKey := p.APIKey != ""
	hasOAuth := p.OAuthProvider != "" && p.OAuthAccount != ""
	return hasKey != hasOAuth // exactly one
}

// RequiresOAuth reports whether any configured base URL uses the oauth://
// scheme, which makes the OAuth branch mandatory per §3.1.
func (p ProviderConfig) RequiresOAuth() bool {
	if hasOAuthScheme(p.APIBaseURL) {
		return true
	}
	for _, u := range p.BaseURLByDialect {
		if hasOAuthScheme(u) {
			return true
		}
	}
	return false
}

func hasOAuthScheme(url string) bool {
	return len(url) >= 8 && url[:8] == "oauth://"
}

// Priority controls the order candidates are presented to the selector.
type Priority string

const (
	PrioritySelector Priority = "selector"
	PriorityAPIMatch Priority = "api_match"
)

// SelectorKind names the six pluggable selection policies of §4.2.
type SelectorKind string

const (
	SelectorRandom      SelectorKind = "random"
	SelectorInOrder     SelectorKind = "in_order"
	SelectorCost        SelectorKind = "cost"
	SelectorLatency     SelectorKind = "latency"
	SelectorUsage       SelectorKind = "usage"
	SelectorPerformance SelectorKind = "performance"
)

// BehaviorKind is the closed tagged-variant set of alias-level behaviors.
// Unknown values are logged and ignored per §4.5d / §9.
type BehaviorKind string

const (
	BehaviorStripAdaptiveThinking BehaviorKind = "strip_adaptive_thinking"
)

// Target is one entry in a ModelAlias's ordered target list.
type Target struct {
	Provider string
	Model    string
	Enabled  bool
}

// ModelAlias is the client-facing model name per §3.1.
type ModelAlias struct {
	ID                string
	Targets           []Target
	Selector          SelectorKind
	PriorityMode      Priority
	Type              Dialect
	AdditionalAliases []string
	Behaviors         []BehaviorKind
}

// KeyConfig is an inbound API credential per §3.1.
type KeyConfig struct {
	Name    string
	Secret  string
	Quota   string // names a QuotaDefinition, empty = unlimited
	Comment string
}

// QuotaType enumerates the three quota windowing modes of §3.1.
type QuotaType string

const (
	QuotaRolling QuotaType = "rolling"
	QuotaDaily   QuotaType = "daily"
	QuotaWeekly  QuotaType = "weekly"
)

// LimitType enumerates what a quota counts.
type LimitType string

const (
	LimitRequests LimitType = "requests"
	LimitTokens   LimitType = "tokens"
)

// QuotaDefinition is a named quota per §3.1.
type QuotaDefinition struct {
	Name      string
	Type      QuotaType
	LimitType LimitType
	Limit     float64
	Duration  time.Duration // only meaningful for QuotaRolling
}

// --- Top-level config and validation errors ---

// Config is the fully resolved, validated configuration document (§6.5).
// Immutable once built; internal/config.Load/Parse produce it and
// internal/config's watcher swaps a new one in atomically on reload.
type Config struct {
	Providers                  map[string]ProviderConfig
	Models                     map[string]ModelAlias
	Keys                       map[string]KeyConfig
	AdminKey                   string
	UserQuotas                 map[string]QuotaDefinition
	PerformanceExplorationRate float64
	LatencyExplorationRate     float64
	// DefaultRPM/DefaultTPM seed internal/ratelimit.Limits uniformly for
	// every key (keys carry no limits of their own), the defense-in-depth
	// pre-dispatch check
	// internal/server applies ahead of internal/quota's spend accounting.
	// Zero means unlimited.
	DefaultRPM int64
	DefaultTPM int64
}

// FieldError is one field-level validation failure, collected rather than
// returned fail-fast so the management config endpoint can report every
// problem in a single response (§6.2, §7).
type FieldError struct {
	Field   string
	Message string
}

// ConfigValidationError aggregates the FieldErrors produced by a failed
// config parse/validate pass. Wraps ErrConfigInvalid so callers can use
// errors.Is uniformly regardless of how many fields failed.
type ConfigValidationError struct {
	Fields []FieldError
}

func (e *ConfigValidationError) Error() string {
	if len(e.Fields) == 1 {
		return "config invalid: " + e.Fields[0].Field + ": " + e.Fields[0].Message
	}
	msg := "config invalid: "
	for i, f := range e.Fields {
		if i > 0 {
			msg += "; "
		}
		msg += f.Field + ": " + f.Message
	}
	return msg
}

func (e *ConfigValidationError) Unwrap() error { return ErrConfigInvalid }

// --- Persisted row shapes (§6.4) ---

// CooldownEntry is one row of provider_cooldowns: a quarantined
// (provider, model, accountID) tuple and when it expires.
type CooldownEntry struct {
	Provider  string
	Model     string
	AccountID string // empty when the provider has no OAuth account scoping
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Key returns the cooldown map/row key for this entry's tuple.
func (c CooldownEntry) Key() string {
	return CooldownKey(c.Provider, c.Model, c.AccountID)
}

// CooldownKey builds the canonical (provider, model, accountID) cooldown
// key, shared by CooldownEntry.Key and callers constructing a key to look
// up without a full CooldownEntry.
func CooldownKey(provider, model, accountID string) string {
	return provider + "\x00" + model + "\x00" + accountID
}

// QuotaState is one row of quota_state: the running usage counter for a
// single key's assigned quota.
type QuotaState struct {
	KeyName      string
	QuotaName    string
	LimitType    LimitType
	CurrentUsage float64
	LastUpdated  time.Time
	WindowStart  time.Time // meaningful only for daily/weekly quotas
}

// QuotaCheckResult is the outcome of QuotaEnforcer.Check, per §4.4.
type QuotaCheckResult struct {
	Allowed   bool
	Remaining float64
	Limit     float64
	ResetsAt  time.Time
}

// UsageRecord is one row of request_usage: the full post-request
// accounting record for a single dispatch, created on accept and finalized
// in a finally path regardless of success/failure (§3.1).
type UsageRecord struct {
	RequestID          string
	Date               time.Time
	SourceIP           string
	APIKey             string
	IncomingAPIType    Dialect
	Provider           string
	IncomingModelAlias string
	SelectedModelName  string
	OutgoingAPIType    Dialect
	TokensInput        int
	TokensOutput       int
	TokensReasoning    int
	TokensCached       int
	StartTime          time.Time
	DurationMs         int64
	IsStreamed         bool
	ResponseStatus     int
	CostInput          float64
	CostOutput         float64
	CostTotal          float64
}

// DebugLogEntry is one row of debug_logs: the raw and reconstructed
// request/response pair for a single dispatch, persisted only when debug
// capture is enabled for that request (§4.6).
type DebugLogEntry struct {
	RequestID                string
	RawRequest                []byte
	TransformedRequest        []byte
	RawResponse               []byte
	TransformedResponse       []byte
	RawResponseSnapshot       []byte
	TransformedResponseSnapshot []byte
	CreatedAt                 time.Time
}

// ConfigSnapshot is one row of config_snapshots: a named, timestamped copy
// of a full configuration document, used by the management API's snapshot
// CRUD surface.
type ConfigSnapshot struct {
	ID        uint
	Name      string
	Config    string // raw YAML
	CreatedAt time.Time
	UpdatedAt time.Time
}

// --- Context helpers (request ID propagation) ---

type contextKey int

const ctxKeyRequestID contextKey = 0

// ContextWithRequestID returns a context carrying id, retrievable via
// RequestIDFromContext.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyRequestID, id)
}

// RequestIDFromContext extracts the request ID stored by ContextWithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(ctxKeyRequestID).(string)
	return id
}
