package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/auth"
	"github.com/plexusgw/plexus/internal/cooldown"
	"github.com/plexusgw/plexus/internal/dialect"
	"github.com/plexusgw/plexus/internal/dispatcher"
	"github.com/plexusgw/plexus/internal/oauthstore"
	"github.com/plexusgw/plexus/internal/ratelimit"
	"github.com/plexusgw/plexus/internal/router"
	"github.com/plexusgw/plexus/internal/upstream"
)

// fakeCooldownStore is the same in-memory stand-in internal/dispatcher uses
// for its own tests; internal/server needs a real *cooldown.Manager to
// build a real *dispatcher.Dispatcher, so the fake is duplicated here
// rather than exported from a test-only file in another package.
type fakeCooldownStore struct{}

func (fakeCooldownStore) UpsertCooldown(context.Context, plexus.CooldownEntry) error { return nil }
func (fakeCooldownStore) DeleteCooldown(context.Context, string, string, string) error {
	return nil
}
func (fakeCooldownStore) DeleteExpiredCooldowns(context.Context, time.Time) (int64, error) {
	return 0, nil
}
func (fakeCooldownStore) ListCooldowns(context.Context) ([]plexus.CooldownEntry, error) {
	return nil, nil
}
func (fakeCooldownStore) ClearCooldowns(context.Context, string, string, string) error {
	return nil
}

func testConfig(baseURL string) *plexus.Config {
	return &plexus.Config{
		Providers: map[string]plexus.ProviderConfig{
			"primary": {
				ID: "primary", APIBaseURL: baseURL, APIKey: "sk-primary", Enabled: true,
				Models: []plexus.ModelEntry{{Name: "gpt-4o", Type: plexus.DialectChat}},
			},
		},
		Models: map[string]plexus.ModelAlias{
			"gpt-4o": {
				ID:       "gpt-4o",
				Selector: plexus.SelectorInOrder,
				Type:     plexus.DialectChat,
				Targets:  []plexus.Target{{Provider: "primary", Model: "gpt-4o", Enabled: true}},
			},
		},
		Keys: map[string]plexus.KeyConfig{
			"test-key": {Name: "test-key", Secret: "sk-client-test"},
		},
		AdminKey: "sk-admin-test",
	}
}

// newTestServer builds a real dispatcher wired against an httptest upstream,
// the same construction internal/dispatcher's own tests use, and wraps it
// in a real server.New handler. Quota, metrics, debug capture, and usage
// recording stay nil, exercising the same "feature disabled" paths deps
// documents for each.
func newTestServer(t *testing.T, cfg *plexus.Config, client *http.Client) http.Handler {
	t.Helper()
	cfgSource := func() *plexus.Config { return cfg }
	r := router.New(cfgSource)
	cm := cooldown.New(fakeCooldownStore{})
	dialects := dialect.NewRegistry()
	up := upstream.NewWithHTTPClient(client)
	oauth := oauthstore.New(func(kind plexus.OAuthProviderKind, account string) (oauthstore.SeedToken, error) {
		return oauthstore.SeedToken{}, nil
	})
	d := dispatcher.New(r, cm, dialects, up, oauth, cfgSource, nil, nil)

	return New(Deps{
		Config:      cfgSource,
		Dispatcher:  d,
		Dialects:    dialects,
		Auth:        auth.New(cfgSource),
		RateLimiter: ratelimit.NewRegistry(),
	})
}

func TestHealthz(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", w.Body.String())
}

func TestReadyz(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRequestIDHeader(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.NotEmpty(t, w.Header().Get(requestIDHeader))
}

func TestRequestIDHeader_ClientProvidedIsEchoed(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(requestIDHeader, "client-supplied-id.123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, "client-supplied-id.123", w.Header().Get(requestIDHeader))
}

func TestListModels(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var out modelListResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Data, 1)
	assert.Equal(t, "gpt-4o", out.Data[0].ID)
}

func TestChatCompletionNoAuth(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(`{"model":"gpt-4o","messages":[]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestChatCompletion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer sk-primary", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-1","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	h := newTestServer(t, cfg, srv.Client())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(`{"model":"gpt-4o","messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("Authorization", "Bearer sk-client-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "chatcmpl-1", body["id"])
}

func TestMessagesDialect_ReshapesCrossDialectResponse(t *testing.T) {
	// The upstream speaks chat (its configured model entry has no
	// Messages-dialect target), so the client calling /v1/messages must
	// still receive an Anthropic-shaped body per FormatCanonicalResponse.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-2","model":"gpt-4o","choices":[{"message":{"role":"assistant","content":"hello"},"finish_reason":"stop"}],"usage":{"prompt_tokens":2,"completion_tokens":1}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	h := newTestServer(t, cfg, srv.Client())

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", jsonBody(`{"model":"gpt-4o","max_tokens":16,"messages":[{"role":"user","content":"hi"}]}`))
	req.Header.Set("x-api-key", "sk-client-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "message", body["type"])
	assert.Equal(t, "end_turn", body["stop_reason"])
	content, _ := body["content"].([]any)
	require.Len(t, content, 1)
	block, _ := content[0].(map[string]any)
	assert.Equal(t, "text", block["type"])
	assert.Equal(t, "hello", block["text"])
}

func TestChatCompletionUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom"}}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	h := newTestServer(t, cfg, srv.Client())

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(`{"model":"gpt-4o","messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-client-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

func TestUnknownModelReturnsBadGateway(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(`{"model":"does-not-exist","messages":[]}`))
	req.Header.Set("Authorization", "Bearer sk-client-test")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestRateLimit_RPMDenied(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"id":"chatcmpl-3","choices":[{"message":{"role":"assistant","content":"hi"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	cfg := testConfig(srv.URL)
	cfg.DefaultRPM = 1
	h := newTestServer(t, cfg, srv.Client())

	body := `{"model":"gpt-4o","messages":[]}`
	req1 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(body))
	req1.Header.Set("Authorization", "Bearer sk-client-test")
	w1 := httptest.NewRecorder()
	h.ServeHTTP(w1, req1)
	require.Equal(t, http.StatusOK, w1.Code)

	req2 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", jsonBody(body))
	req2.Header.Set("Authorization", "Bearer sk-client-test")
	w2 := httptest.NewRecorder()
	h.ServeHTTP(w2, req2)
	assert.Equal(t, http.StatusTooManyRequests, w2.Code)
}

func TestAdminRoutesUnmountedWithoutManagement(t *testing.T) {
	h := newTestServer(t, testConfig(""), http.DefaultClient)
	req := httptest.NewRequest(http.MethodGet, "/v0/management/providers", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	// Management is nil in newTestServer, so the route is unmounted
	// entirely; a 404 confirms the group is gated behind deps.Management
	// rather than always-mounted-but-auth-checked.
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func jsonBody(s string) *strings.Reader {
	return strings.NewReader(s)
}
