package management

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/config"
	"github.com/plexusgw/plexus/internal/quota"
)

const baseConfigYAML = `
adminKey: admin-secret
providers:
  openai-primary:
    apiKey: sk-test
    models: [gpt-4o]
  openai-backup:
    apiKey: sk-test-2
    models: [gpt-4o]
models:
  gpt-4o:
    targets:
      - provider: openai-primary
        model: gpt-4o
      - provider: openai-backup
        model: gpt-4o
keys:
  alice:
    secret: alice-secret
    quota: default
userQuotas:
  default:
    type: rolling
    limitType: requests
    limit: 100
    duration: 1m
`

type fakeQuotaStore struct {
	mu     sync.Mutex
	states map[string]plexus.QuotaState
}

func newFakeQuotaStore() *fakeQuotaStore {
	return &fakeQuotaStore{states: make(map[string]plexus.QuotaState)}
}

func (s *fakeQuotaStore) GetQuotaState(_ context.Context, keyName string) (plexus.QuotaState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[keyName]
	return st, ok, nil
}

func (s *fakeQuotaStore) UpsertQuotaState(_ context.Context, state plexus.QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[state.KeyName] = state
	return nil
}

func (s *fakeQuotaStore) ClearQuotaState(_ context.Context, keyName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[keyName]
	if !ok {
		return plexus.ErrNotFound
	}
	st.CurrentUsage = 0
	st.LastUpdated = now
	s.states[keyName] = st
	return nil
}

type fakeSnapshotStore struct {
	mu   sync.Mutex
	snaps map[string]plexus.ConfigSnapshot
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{snaps: make(map[string]plexus.ConfigSnapshot)}
}

func (s *fakeSnapshotStore) CreateSnapshot(_ context.Context, snap plexus.ConfigSnapshot) (plexus.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.CreatedAt = time.Now()
	snap.UpdatedAt = snap.CreatedAt
	s.snaps[snap.Name] = snap
	return snap, nil
}

func (s *fakeSnapshotStore) GetSnapshot(_ context.Context, name string) (plexus.ConfigSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snaps[name]
	return snap, ok, nil
}

func (s *fakeSnapshotStore) ListSnapshots(context.Context) ([]plexus.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plexus.ConfigSnapshot, 0, len(s.snaps))
	for _, snap := range s.snaps {
		out = append(out, snap)
	}
	return out, nil
}

func (s *fakeSnapshotStore) UpdateSnapshot(_ context.Context, snap plexus.ConfigSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[snap.Name]; !ok {
		return plexus.ErrNotFound
	}
	snap.UpdatedAt = time.Now()
	s.snaps[snap.Name] = snap
	return nil
}

func (s *fakeSnapshotStore) DeleteSnapshot(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snaps[name]; !ok {
		return plexus.ErrNotFound
	}
	delete(s.snaps, name)
	return nil
}

type testHarness struct {
	svc        *Service
	watcher    *config.Watcher
	configPath string
	quotaStore *fakeQuotaStore
	snapshots  *fakeSnapshotStore
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "plexus.yaml")
	require.NoError(t, os.WriteFile(path, []byte(baseConfigYAML), 0o644))

	w, err := config.NewWatcher(path)
	require.NoError(t, err)

	qs := newFakeQuotaStore()
	snaps := newFakeSnapshotStore()
	svc := New(Dependencies{
		Watcher:    w,
		ConfigPath: path,
		Quota:      quota.New(qs),
		QuotaStore: qs,
		Snapshots:  snaps,
	})
	return &testHarness{svc: svc, watcher: w, configPath: path, quotaStore: qs, snapshots: snaps}
}

func doRequest(t *testing.T, h http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestGetConfigReturnsRawYAML(t *testing.T) {
	h := newTestHarness(t)
	rec := doRequest(t, h.svc.Routes(), http.MethodGet, "/config", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "adminKey: admin-secret")
}

func TestPostConfigValidatesAndReplaces(t *testing.T) {
	h := newTestHarness(t)
	rec := doRequest(t, h.svc.Routes(), http.MethodPost, "/config", []byte("not: valid: yaml: ::"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doRequest(t, h.svc.Routes(), http.MethodPost, "/config", []byte(baseConfigYAML))
	require.Equal(t, http.StatusNoContent, rec.Code)

	data, err := os.ReadFile(h.configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "admin-secret")
}

func TestDeleteModelRemovesAlias(t *testing.T) {
	h := newTestHarness(t)
	rec := doRequest(t, h.svc.Routes(), http.MethodDelete, "/models/gpt-4o", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cfg, err := config.Load(h.configPath)
	require.NoError(t, err)
	_, ok := cfg.Models["gpt-4o"]
	assert.False(t, ok)
}

func TestDeleteModelUnknownAliasNotFound(t *testing.T) {
	h := newTestHarness(t)
	rec := doRequest(t, h.svc.Routes(), http.MethodDelete, "/models/does-not-exist", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestDeleteProviderCascadeRemovesDeadAlias(t *testing.T) {
	h := newTestHarness(t)
	rec := doRequest(t, h.svc.Routes(), http.MethodDelete, "/providers/openai-primary?cascade=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h.svc.Routes(), http.MethodDelete, "/providers/openai-backup?cascade=true", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cfg, err := config.Load(h.configPath)
	require.NoError(t, err)
	_, ok := cfg.Models["gpt-4o"]
	assert.False(t, ok, "alias with zero remaining targets should be cascaded away")
}

func TestDeleteProviderWithoutCascadeRejectsWhenReferenced(t *testing.T) {
	h := newTestHarness(t)
	rec := doRequest(t, h.svc.Routes(), http.MethodDelete, "/providers/openai-primary", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	data, err := os.ReadFile(h.configPath)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "openai-primary"), "unreferenced-check should leave the file untouched")
}

func TestQuotaClearAndStatus(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	require.NoError(t, h.quotaStore.UpsertQuotaState(ctx, plexus.QuotaState{
		KeyName: "alice", QuotaName: "default", LimitType: plexus.LimitRequests, CurrentUsage: 42,
	}))

	rec := doRequest(t, h.svc.Routes(), http.MethodGet, "/quota/status/alice", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status quotaStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 100.0, status.Limit)
	assert.Equal(t, 42.0, status.CurrentUsage)
	assert.Equal(t, 58.0, status.Remaining)

	body, _ := json.Marshal(map[string]string{"key": "alice"})
	rec = doRequest(t, h.svc.Routes(), http.MethodPost, "/quota/clear", body)
	require.Equal(t, http.StatusNoContent, rec.Code)

	state, _, err := h.quotaStore.GetQuotaState(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 0.0, state.CurrentUsage)
}

func TestUserQuotaCRUD(t *testing.T) {
	h := newTestHarness(t)

	body, _ := json.Marshal(map[string]any{
		"name": "heavy", "type": "daily", "limitType": "tokens", "limit": 1_000_000,
	})
	rec := doRequest(t, h.svc.Routes(), http.MethodPost, "/user-quotas", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	cfg, err := config.Load(h.configPath)
	require.NoError(t, err)
	def, ok := cfg.UserQuotas["heavy"]
	require.True(t, ok)
	assert.Equal(t, plexus.QuotaDaily, def.Type)
	assert.Equal(t, 1_000_000.0, def.Limit)

	rec = doRequest(t, h.svc.Routes(), http.MethodDelete, "/user-quotas/heavy", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	cfg, err = config.Load(h.configPath)
	require.NoError(t, err)
	_, ok = cfg.UserQuotas["heavy"]
	assert.False(t, ok)
}

func TestConfigSnapshotCRUDViaManagement(t *testing.T) {
	h := newTestHarness(t)

	body, _ := json.Marshal(snapshotPayload{Name: "pre-migration", Config: "providers: {}\n"})
	rec := doRequest(t, h.svc.SnapshotRoutes(), http.MethodPost, "/", body)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = doRequest(t, h.svc.SnapshotRoutes(), http.MethodGet, "/pre-migration", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = doRequest(t, h.svc.SnapshotRoutes(), http.MethodDelete, "/pre-migration", nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = doRequest(t, h.svc.SnapshotRoutes(), http.MethodGet, "/pre-migration", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
