package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/oauthstore"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/selector"
	"github.com/plexusgw/plexus/internal/storage"
)

// statsAdapter bridges storage.UsageStore's context/error-returning methods
// to the context-free selector.Stats interface the selector package
// deliberately has no storage dependency to call directly. Errors collapse
// to the same "no data yet" false/zero the selector already treats as a
// cold-start signal, since a transient storage error shouldn't make a
// selector behave any differently than a provider/model pair with no
// history.
type statsAdapter struct {
	store storage.UsageStore
}

func newStatsAdapter(store storage.UsageStore) *statsAdapter {
	return &statsAdapter{store: store}
}

// forDispatch satisfies dispatcher.StatsSource; the adapter itself
// implements selector.Stats so every call shares one underlying store.
func (a *statsAdapter) forDispatch() selector.Stats {
	return a
}

func (a *statsAdapter) AvgThroughput(provider, model string) (float64, bool) {
	v, ok, err := a.store.AvgThroughput(context.Background(), provider, model)
	if err != nil {
		slog.Warn("stats lookup failed", "metric", "avg_throughput", "provider", provider, "model", model, "error", err)
		return 0, false
	}
	return v, ok
}

func (a *statsAdapter) AvgTTFT(provider, model string) (float64, bool) {
	v, ok, err := a.store.AvgTTFT(context.Background(), provider, model)
	if err != nil {
		slog.Warn("stats lookup failed", "metric", "avg_ttft", "provider", provider, "model", model, "error", err)
		return 0, false
	}
	return v, ok
}

func (a *statsAdapter) RequestCount24h(provider, model string) int64 {
	n, err := a.store.RequestCount24h(context.Background(), provider, model)
	if err != nil {
		slog.Warn("stats lookup failed", "metric", "request_count_24h", "provider", provider, "model", model, "error", err)
		return 0
	}
	return n
}

// seedLookup resolves OAuth seed credentials from environment variables
// named PLEXUS_OAUTH_SEED_<KIND>_<ACCOUNT>_REFRESH_TOKEN (and _CLIENT_ID/
// _CLIENT_SECRET), kind and account upper-cased with non-alphanumerics
// mapped to underscores. Google's CLI/Antigravity kinds need no refresh
// token since they resolve through Application Default Credentials
// (oauthstore's own google.FindDefaultCredentials path).
func seedLookup(cfgSource router.ConfigSource) oauthstore.SeedLookup {
	return func(kind plexus.OAuthProviderKind, account string) (oauthstore.SeedToken, error) {
		if kind == plexus.OAuthGoogleGeminiCLI || kind == plexus.OAuthGoogleAntigravity {
			return oauthstore.SeedToken{}, nil
		}
		prefix := "PLEXUS_OAUTH_SEED_" + envKey(string(kind)) + "_" + envKey(account)
		refresh := os.Getenv(prefix + "_REFRESH_TOKEN")
		if refresh == "" {
			return oauthstore.SeedToken{}, plexus.ErrNotFound
		}
		return oauthstore.SeedToken{
			RefreshToken: refresh,
			ClientID:     os.Getenv(prefix + "_CLIENT_ID"),
			ClientSecret: os.Getenv(prefix + "_CLIENT_SECRET"),
		}, nil
	}
}

func envKey(s string) string {
	s = strings.ToUpper(s)
	return strings.Map(func(r rune) rune {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			return r
		}
		return '_'
	}, s)
}
