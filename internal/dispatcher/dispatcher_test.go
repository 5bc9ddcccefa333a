package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/oauthstore"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/upstream"
)

type fakeCooldownStore struct {
	rows map[string]plexus.CooldownEntry
}

func newFakeCooldownStore() *fakeCooldownStore {
	return &fakeCooldownStore{rows: make(map[string]plexus.CooldownEntry)}
}

func (f *fakeCooldownStore) UpsertCooldown(_ context.Context, e plexus.CooldownEntry) error {
	f.rows[e.Key()] = e
	return nil
}
func (f *fakeCooldownStore) DeleteCooldown(_ context.Context, provider, model, accountID string) error {
	delete(f.rows, plexus.CooldownKey(provider, model, accountID))
	return nil
}
func (f *fakeCooldownStore) DeleteExpiredCooldowns(_ context.Context, now time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeCooldownStore) ListCooldowns(_ context.Context) ([]plexus.CooldownEntry, error) {
	return nil, nil
}
func (f *fakeCooldownStore) ClearCooldowns(_ context.Context, provider, model, accountID string) error {
	return nil
}

func testConfig(baseURL string) *plexus.Config {
	return &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"primary": {
				ID: "primary", APIBaseURL: baseURL, APIKey: "sk-primary", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "gpt-4o", Type: plexus.DialectChat}},
			},
			"backup": {
				ID: "backup", APIBaseURL: baseURL, APIKey: "sk-backup", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "gpt-4o-backup", Type: plexus.DialectChat}},
			},
		},
		Models: map[string]plexus.ModelAlias{
			"gpt-4o": {
				ID:       "gpt-4o",
				Selector: plexus.SelectorInOrder,
				Type:     plexus.DialectChat,
				Targets: []plexus.Target{
					{Provider: "primary", Model: "gpt-4o", Enabled: true},
					{Provider: "backup", Model: "gpt-4o-backup", Enabled: true},
				},
			},
		},
	}
}

func newTestDispatcher(cfg *plexus.Config, client *http.Client) *Dispatcher {
	cfgSource := func() *plexus.Config { return cfg }
	r := router.New(cfgSource)
	cm := cooldown.New(newFakeCooldownStore())
	reg := dialect.NewRegistry()
	up := upstream.NewWithHTTPClient(client)
	oauth := oauthstore.New(func(kind plexus.OAuthProviderKind, account string) (oauthstore.SeedToken, error) {
		return oauthstore.SeedToken{}, nil
	})
	return New(r, cm, reg, up, oauth, cfgSource, nil, nil)
}

func TestDispatchPassThroughHappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-primary", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "gpt-4o", body["model"])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	d := newTestDispatcher(cfg, srv.Client())

	resp, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "gpt-4o",
		IncomingDialect: plexus.DialectChat,
		OriginalBody:    []byte(`{"model":"gpt-4o","messages":[]}`),
		Body:            map[string]any{"model": "gpt-4o", "messages": []any{}},
	})
	require.NoError(t, err)
	assert.True(t, resp.BypassTransformation)
	assert.Equal(t, "primary", resp.RouteInfo.Provider)
	assert.Equal(t, "matched incoming", resp.RouteInfo.DialectReason)
}

func TestDispatchFailsOverOn500(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		model, _ := body["model"].(string)
		calls = append(calls, model)
		if model == "gpt-4o" {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"error":"boom"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","choices":[]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	d := newTestDispatcher(cfg, srv.Client())

	resp, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "gpt-4o",
		IncomingDialect: plexus.DialectChat,
		OriginalBody:    []byte(`{"model":"gpt-4o","messages":[]}`),
		Body:            map[string]any{"model": "gpt-4o", "messages": []any{}},
	})
	require.NoError(t, err)
	assert.Equal(t, "backup", resp.RouteInfo.Provider)
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-backup"}, calls)
}

func TestDispatchReturnsProviderErrorOnFatalStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	d := newTestDispatcher(cfg, srv.Client())

	_, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "gpt-4o",
		IncomingDialect: plexus.DialectChat,
		OriginalBody:    []byte(`{"model":"gpt-4o","messages":[]}`),
		Body:            map[string]any{"model": "gpt-4o", "messages": []any{}},
	})
	require.Error(t, err)
	var perr *plexus.ProviderError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, http.StatusBadRequest, perr.Status)
}

func TestDispatchUnknownAliasPropagatesRouterError(t *testing.T) {
	cfg := testConfig("http://example.invalid")
	d := newTestDispatcher(cfg, http.DefaultClient)

	_, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "does-not-exist",
		IncomingDialect: plexus.DialectChat,
		Body:            map[string]any{},
	})
	require.ErrorIs(t, err, plexus.ErrAliasUnknown)
}

func TestDispatchTranslatesAcrossDialects(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sk-primary", r.Header.Get("x-api-key"))
		assert.Equal(t, "2023-06-01", r.Header.Get("anthropic-version"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, float64(4096), body["max_tokens"])
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"id":"msg_1","model":"claude-3","stop_reason":"end_turn",
			"content":[{"type":"text","text":"hi"}],
			"usage":{"input_tokens":1,"output_tokens":1}
		}`))
	}))
	defer srv.Close()

	cfg := &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"anthropic": {
				ID: "anthropic", APIBaseURL: srv.URL, APIKey: "sk-primary", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "claude-3", AccessVia: []plexus.Dialect{plexus.DialectMessages}}},
			},
		},
		Models: map[string]plexus.ModelAlias{
			"claude": {
				ID: "claude", Selector: plexus.SelectorInOrder, Type: plexus.DialectMessages,
				Targets: []plexus.Target{{Provider: "anthropic", Model: "claude-3", Enabled: true}},
			},
		},
	}
	d := newTestDispatcher(cfg, srv.Client())

	resp, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "claude",
		IncomingDialect: plexus.DialectChat,
		Body:            map[string]any{"model": "claude", "messages": []any{map[string]any{"role": "user", "content": "hi"}}},
	})
	require.NoError(t, err)
	assert.False(t, resp.BypassTransformation)
	assert.Equal(t, plexus.DialectMessages, resp.RouteInfo.Dialect)
	assert.Equal(t, "defaulted", resp.RouteInfo.DialectReason)
}

func TestDispatchStripsAdaptiveThinkingBehavior(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasThinking := body["thinking"]
		assert.False(t, hasThinking, "adaptive thinking block should have been stripped before dispatch")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"id":"msg_1","model":"claude-3","stop_reason":"end_turn",
			"content":[{"type":"text","text":"hi"}],
			"usage":{"input_tokens":1,"output_tokens":1}
		}`))
	}))
	defer srv.Close()

	cfg := &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"anthropic": {
				ID: "anthropic", APIBaseURL: srv.URL, APIKey: "sk-primary", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "claude-3", AccessVia: []plexus.Dialect{plexus.DialectMessages}}},
			},
		},
		Models: map[string]plexus.ModelAlias{
			"claude": {
				ID: "claude", Selector: plexus.SelectorInOrder, Type: plexus.DialectMessages,
				Targets:   []plexus.Target{{Provider: "anthropic", Model: "claude-3", Enabled: true}},
				Behaviors: []plexus.BehaviorKind{plexus.BehaviorStripAdaptiveThinking},
			},
		},
	}
	d := newTestDispatcher(cfg, srv.Client())

	resp, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "claude",
		IncomingDialect: plexus.DialectMessages,
		OriginalBody:    []byte(`{"model":"claude","messages":[{"role":"user","content":"hi"}],"thinking":{"type":"adaptive"}}`),
		Body: map[string]any{
			"model":    "claude",
			"messages": []any{map[string]any{"role": "user", "content": "hi"}},
			"thinking": map[string]any{"type": "adaptive"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, plexus.DialectMessages, resp.RouteInfo.Dialect)
}

func TestDispatchKeepsThinkingWithoutConfiguredBehavior(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, hasThinking := body["thinking"]
		assert.True(t, hasThinking, "thinking block should survive when the alias has no strip behavior")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{
			"id":"msg_1","model":"claude-3","stop_reason":"end_turn",
			"content":[{"type":"text","text":"hi"}],
			"usage":{"input_tokens":1,"output_tokens":1}
		}`))
	}))
	defer srv.Close()

	cfg := &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"anthropic": {
				ID: "anthropic", APIBaseURL: srv.URL, APIKey: "sk-primary", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "claude-3", AccessVia: []plexus.Dialect{plexus.DialectMessages}}},
			},
		},
		Models: map[string]plexus.ModelAlias{
			"claude": {
				ID: "claude", Selector: plexus.SelectorInOrder, Type: plexus.DialectMessages,
				Targets: []plexus.Target{{Provider: "anthropic", Model: "claude-3", Enabled: true}},
			},
		},
	}
	d := newTestDispatcher(cfg, srv.Client())

	_, err := d.Dispatch(context.Background(), plexus.UnifiedRequest{
		Model:           "claude",
		IncomingDialect: plexus.DialectMessages,
		OriginalBody:    []byte(`{"model":"claude","messages":[{"role":"user","content":"hi"}],"thinking":{"type":"adaptive"}}`),
		Body: map[string]any{
			"model":    "claude",
			"messages": []any{map[string]any{"role": "user", "content": "hi"}},
			"thinking": map[string]any{"type": "adaptive"},
		},
	})
	require.NoError(t, err)
}
