// Package auth resolves the inbound credential on a dialect request into a
// configured plexus.KeyConfig, per §6.1's four credential forms. Grounded
// on the teacher's internal/auth/apikey.go for the credential-extraction
// and constant-time comparison shape, adapted from the teacher's hashed,
// DB-backed API key model to this gateway's config-declared key list (keys
// live in the hot-reloadable YAML config, not a database row), which is
// also why resolution here is always by key name rather than by raw
// secret: a revoked/rotated secret must not silently keep matching a stale
// cached hash the way the teacher's TTL cache briefly allows.
package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	plexus "github.com/plexusgw/plexus/internal"
)

// Identity is the resolved caller for one request: the key configuration
// that matched, plus an optional free-text attribution parsed from a
// Bearer credential's "<secret>:<attribution>" suffix.
type Identity struct {
	Key         plexus.KeyConfig
	Attribution string
}

// ConfigSource returns the currently active configuration.
type ConfigSource func() *plexus.Config

// Authenticator resolves inbound credentials against the live
// configuration's key list.
type Authenticator struct {
	cfg ConfigSource
}

// New returns an Authenticator resolving against whatever Config cfg
// currently returns.
func New(cfg ConfigSource) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate extracts a credential from r per §6.1 (Authorization
// Bearer, x-api-key, x-goog-api-key, or ?key= query param) and resolves it
// to a configured key. Returns plexus.ErrAuthInvalid if no credential form
// is present or none of the configured keys match.
func (a *Authenticator) Authenticate(r *http.Request) (Identity, error) {
	secret, attribution, ok := extractCredential(r)
	if !ok {
		return Identity{}, fmt.Errorf("%w: no credential presented", plexus.ErrAuthInvalid)
	}

	cfg := a.cfg()
	for _, key := range cfg.Keys {
		if constantTimeEqual(key.Secret, secret) {
			return Identity{Key: key, Attribution: attribution}, nil
		}
	}
	return Identity{}, fmt.Errorf("%w: credential does not match a configured key", plexus.ErrAuthInvalid)
}

// AuthenticateAdmin resolves r's credential against the configured admin
// key rather than the regular key list, for the §6.2 management surface.
func (a *Authenticator) AuthenticateAdmin(r *http.Request) error {
	secret, _, ok := extractCredential(r)
	if !ok {
		return fmt.Errorf("%w: no credential presented", plexus.ErrAuthInvalid)
	}
	cfg := a.cfg()
	if cfg.AdminKey == "" || !constantTimeEqual(cfg.AdminKey, secret) {
		return fmt.Errorf("%w: not the admin key", plexus.ErrAuthInvalid)
	}
	return nil
}

// QuotaFor resolves the QuotaDefinition named by id.Key.Quota, or ok=false
// when the key has no quota assigned (unlimited) or names one the config
// no longer declares.
func QuotaFor(cfg *plexus.Config, id Identity) (plexus.QuotaDefinition, bool) {
	if id.Key.Quota == "" {
		return plexus.QuotaDefinition{}, false
	}
	def, ok := cfg.UserQuotas[id.Key.Quota]
	return def, ok
}

func extractCredential(r *http.Request) (secret, attribution string, ok bool) {
	if bearer := r.Header.Get("Authorization"); bearer != "" {
		trimmed := strings.TrimPrefix(bearer, "Bearer ")
		if trimmed != bearer {
			secret, attribution = splitAttribution(trimmed)
			return secret, attribution, secret != ""
		}
	}
	if key := r.Header.Get("x-api-key"); key != "" {
		return key, "", true
	}
	if key := r.Header.Get("x-goog-api-key"); key != "" {
		return key, "", true
	}
	if key := r.URL.Query().Get("key"); key != "" {
		return key, "", true
	}
	return "", "", false
}

// splitAttribution parses a Bearer credential's optional
// "<secret>:<attribution>" shape.
func splitAttribution(raw string) (secret, attribution string) {
	secret, attribution, found := strings.Cut(raw, ":")
	if !found {
		return raw, ""
	}
	return secret, attribution
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// contextKey scopes this package's context values to avoid collisions with
// plexus.ContextWithRequestID's own key space.
type contextKey int

const ctxKeyIdentity contextKey = 0

// ContextWithIdentity returns a context carrying id, retrievable via
// IdentityFromContext.
func ContextWithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKeyIdentity, id)
}

// IdentityFromContext extracts the Identity stored by ContextWithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(ctxKeyIdentity).(Identity)
	return id, ok
}
