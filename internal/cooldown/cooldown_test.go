package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
)

type fakeStore struct {
	rows map[string]plexus.CooldownEntry
}

func newFakeStore() *fakeStore { return &fakeStore{rows: make(map[string]plexus.CooldownEntry)} }

func (f *fakeStore) UpsertCooldown(_ context.Context, e plexus.CooldownEntry) error {
	f.rows[e.Key()] = e
	return nil
}

func (f *fakeStore) DeleteCooldown(_ context.Context, provider, model, accountID string) error {
	delete(f.rows, plexus.CooldownKey(provider, model, accountID))
	return nil
}

func (f *fakeStore) DeleteExpiredCooldowns(_ context.Context, now time.Time) (int64, error) {
	var n int64
	for k, e := range f.rows {
		if e.ExpiresAt.Before(now) {
			delete(f.rows, k)
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListCooldowns(_ context.Context) ([]plexus.CooldownEntry, error) {
	var out []plexus.CooldownEntry
	for _, e := range f.rows {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) ClearCooldowns(_ context.Context, provider, model, accountID string) error {
	for k, e := range f.rows {
		if matchesScope(e, provider, model, accountID) {
			delete(f.rows, k)
		}
	}
	return nil
}

func TestMarkFailureThenIsHealthyFalse(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeStore())

	require.NoError(t, m.MarkFailure(ctx, "openai", "gpt-4", "", time.Hour))
	healthy, err := m.IsHealthy(ctx, "openai", "gpt-4", "")
	require.NoError(t, err)
	assert.False(t, healthy)
}

func TestIsHealthyTrueWhenNoEntry(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeStore())

	healthy, err := m.IsHealthy(ctx, "openai", "gpt-4", "")
	require.NoError(t, err)
	assert.True(t, healthy)
}

func TestIsHealthyReclaimsExpiredEntry(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	m := New(store)

	require.NoError(t, m.MarkFailure(ctx, "openai", "gpt-4", "", time.Nanosecond))
	time.Sleep(2 * time.Millisecond)

	healthy, err := m.IsHealthy(ctx, "openai", "gpt-4", "")
	require.NoError(t, err)
	assert.True(t, healthy, "expired entry must be treated as healthy")
	assert.Empty(t, store.rows, "expired entry must be eagerly deleted from storage too")
}

func TestFilterHealthyPreservesOrder(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeStore())
	require.NoError(t, m.MarkFailure(ctx, "b", "m", "", time.Hour))

	targets := []Target{{Provider: "a", Model: "m"}, {Provider: "b", Model: "m"}, {Provider: "c", Model: "m"}}
	filtered, err := m.FilterHealthy(ctx, targets, nil)
	require.NoError(t, err)
	require.Len(t, filtered, 2)
	assert.Equal(t, "a", filtered[0].Provider)
	assert.Equal(t, "c", filtered[1].Provider)
}

func TestClearWildcardsFromTheRight(t *testing.T) {
	ctx := context.Background()
	m := New(newFakeStore())
	require.NoError(t, m.MarkFailure(ctx, "p1", "m1", "acct1", time.Hour))
	require.NoError(t, m.MarkFailure(ctx, "p1", "m2", "acct1", time.Hour))
	require.NoError(t, m.MarkFailure(ctx, "p2", "m1", "", time.Hour))

	require.NoError(t, m.Clear(ctx, "p1", "", ""))

	h, _ := m.IsHealthy(ctx, "p1", "m1", "acct1")
	assert.True(t, h)
	h, _ = m.IsHealthy(ctx, "p1", "m2", "acct1")
	assert.True(t, h)
	h, _ = m.IsHealthy(ctx, "p2", "m1", "")
	assert.False(t, h, "clearing p1 must not affect p2")
}

func TestLoadFromStorageSweepsExpiredAndLoadsRest(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	store.rows[plexus.CooldownKey("old", "m", "")] = plexus.CooldownEntry{
		Provider: "old", Model: "m", ExpiresAt: time.Now().Add(-time.Hour),
	}
	store.rows[plexus.CooldownKey("fresh", "m", "")] = plexus.CooldownEntry{
		Provider: "fresh", Model: "m", ExpiresAt: time.Now().Add(time.Hour),
	}

	m := New(store)
	require.NoError(t, m.LoadFromStorage(ctx))

	h, _ := m.IsHealthy(ctx, "old", "m", "")
	assert.True(t, h, "expired row must have been swept at startup")
	h, _ = m.IsHealthy(ctx, "fresh", "m", "")
	assert.False(t, h, "non-expired row must have been loaded into memory")
}

func TestClassifyFailure(t *testing.T) {
	cases := map[int]bool{
		500: true, 502: true, 503: true, 504: true,
		401: true, 408: true, 429: true,
		400: false, 403: false, 404: false, 422: false,
		200: false,
	}
	for status, want := range cases {
		assert.Equal(t, want, ClassifyFailure(status), "status %d", status)
	}
}
