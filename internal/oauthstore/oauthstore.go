// Package oauthstore caches bearer tokens for providers configured with an
// OAuth-scheme base URL (plexus.ProviderConfig.RequiresOAuth), refreshing
// them transparently via oauth2.ReuseTokenSource the way the teacher's
// internal/cloudauth.GCPOAuthTransport caches a GCP ADC token. Unlike the
// teacher, which wraps a single ADC source behind an http.RoundTripper,
// the gateway needs many independent token sources -- one per (provider
// kind, account) pair -- so the dispatcher can ask "give me a bearer token
// for this candidate" rather than delegate the whole HTTP round trip.
package oauthstore

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	plexus "github.com/plexusgw/plexus/internal"
)

// SeedToken is the persisted refresh credential for one (provider, account)
// pair, loaded from the provider's configured OAuth account file or secret
// store. AccessToken/Expiry may be empty; RefreshToken and Endpoint are
// required for every provider kind except GoogleGeminiCLI/GoogleAntigravity,
// which use Application Default Credentials instead.
type SeedToken struct {
	AccessToken  string
	RefreshToken string
	Endpoint     oauth2.Endpoint
	ClientID     string
	ClientSecret string
	Scopes       []string
}

// SeedLookup resolves the seed credential for a (kind, account) pair; the
// caller wires this to however account credentials are actually persisted
// (config, a secrets file, a vault). Returning an error means the account is
// unusable until corrected.
type SeedLookup func(kind plexus.OAuthProviderKind, account string) (SeedToken, error)

// Store caches one oauth2.TokenSource per (provider kind, account) and
// serves fresh bearer tokens from it, refreshing lazily the way
// oauth2.ReuseTokenSource does.
type Store struct {
	seed SeedLookup

	mu      sync.Mutex
	sources map[string]oauth2.TokenSource
}

// New returns a Store that resolves seed credentials via seed.
func New(seed SeedLookup) *Store {
	return &Store{seed: seed, sources: make(map[string]oauth2.TokenSource)}
}

// Token returns a valid bearer token for the given provider kind and
// account, refreshing it if the cached one has expired.
func (s *Store) Token(ctx context.Context, kind plexus.OAuthProviderKind, account string) (string, error) {
	src, err := s.sourceFor(ctx, kind, account)
	if err != nil {
		return "", err
	}
	tok, err := src.Token()
	if err != nil {
		return "", fmt.Errorf("oauthstore: refresh token for %s/%s: %w", kind, account, err)
	}
	return tok.AccessToken, nil
}

func (s *Store) sourceFor(ctx context.Context, kind plexus.OAuthProviderKind, account string) (oauth2.TokenSource, error) {
	key := string(kind) + "\x00" + account

	s.mu.Lock()
	defer s.mu.Unlock()

	if src, ok := s.sources[key]; ok {
		return src, nil
	}

	src, err := s.buildSource(ctx, kind, account)
	if err != nil {
		return nil, err
	}
	s.sources[key] = src
	return src, nil
}

func (s *Store) buildSource(ctx context.Context, kind plexus.OAuthProviderKind, account string) (oauth2.TokenSource, error) {
	switch kind {
	case plexus.OAuthGoogleGeminiCLI, plexus.OAuthGoogleAntigravity:
		creds, err := google.FindDefaultCredentials(ctx, googleScopesFor(kind)...)
		if err != nil {
			return nil, fmt.Errorf("oauthstore: find GCP credentials for %s: %w", kind, err)
		}
		return oauth2.ReuseTokenSource(nil, creds.TokenSource), nil
	default:
		seed, err := s.seed(kind, account)
		if err != nil {
			return nil, fmt.Errorf("oauthstore: seed credentials for %s/%s: %w", kind, account, err)
		}
		conf := &oauth2.Config{
			ClientID:     seed.ClientID,
			ClientSecret: seed.ClientSecret,
			Endpoint:     seed.Endpoint,
			Scopes:       seed.Scopes,
		}
		initial := &oauth2.Token{AccessToken: seed.AccessToken, RefreshToken: seed.RefreshToken}
		return oauth2.ReuseTokenSource(initial, conf.TokenSource(ctx, initial)), nil
	}
}

func googleScopesFor(kind plexus.OAuthProviderKind) []string {
	switch kind {
	case plexus.OAuthGoogleGeminiCLI:
		return []string{"https://www.googleapis.com/auth/cloud-platform"}
	case plexus.OAuthGoogleAntigravity:
		return []string{"https://www.googleapis.com/auth/generative-language"}
	default:
		return nil
	}
}

// Invalidate drops the cached source for (kind, account), forcing the next
// Token call to rebuild it from the seed lookup. Used when an upstream 401
// suggests a refresh token was revoked out of band.
func (s *Store) Invalidate(kind plexus.OAuthProviderKind, account string) {
	key := string(kind) + "\x00" + account
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sources, key)
}
