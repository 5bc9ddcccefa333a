package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := New(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCooldownRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := plexus.CooldownEntry{Provider: "p1", Model: "m1", AccountID: "a1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	require.NoError(t, s.UpsertCooldown(ctx, entry))

	all, err := s.ListCooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p1", all[0].Provider)
	assert.True(t, all[0].ExpiresAt.Equal(entry.ExpiresAt))

	require.NoError(t, s.DeleteCooldown(ctx, "p1", "m1", "a1"))
	all, err = s.ListCooldowns(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestCooldownUpsertRefreshesExpiry(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := plexus.CooldownEntry{Provider: "p1", Model: "m1", ExpiresAt: now.Add(time.Minute), CreatedAt: now}
	require.NoError(t, s.UpsertCooldown(ctx, entry))
	entry.ExpiresAt = now.Add(time.Hour)
	require.NoError(t, s.UpsertCooldown(ctx, entry))

	all, err := s.ListCooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].ExpiresAt.Equal(now.Add(time.Hour)))
}

func TestDeleteExpiredCooldowns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertCooldown(ctx, plexus.CooldownEntry{Provider: "p1", Model: "m1", ExpiresAt: now.Add(-time.Minute), CreatedAt: now}))
	require.NoError(t, s.UpsertCooldown(ctx, plexus.CooldownEntry{Provider: "p2", Model: "m2", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))

	n, err := s.DeleteExpiredCooldowns(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	all, err := s.ListCooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p2", all[0].Provider)
}

func TestClearCooldownsWildcards(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.UpsertCooldown(ctx, plexus.CooldownEntry{Provider: "p1", Model: "m1", AccountID: "a1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))
	require.NoError(t, s.UpsertCooldown(ctx, plexus.CooldownEntry{Provider: "p1", Model: "m2", AccountID: "a2", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))
	require.NoError(t, s.UpsertCooldown(ctx, plexus.CooldownEntry{Provider: "p2", Model: "m3", ExpiresAt: now.Add(time.Hour), CreatedAt: now}))

	require.NoError(t, s.ClearCooldowns(ctx, "p1", "", ""))

	all, err := s.ListCooldowns(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "p2", all[0].Provider)
}

func TestQuotaStateRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	state := plexus.QuotaState{KeyName: "alice", QuotaName: "default", LimitType: plexus.LimitRequests, CurrentUsage: 5, LastUpdated: now, WindowStart: now}
	require.NoError(t, s.UpsertQuotaState(ctx, state))

	got, ok, err := s.GetQuotaState(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 5.0, got.CurrentUsage)

	_, ok, err = s.GetQuotaState(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClearQuotaStateResetsUsage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	require.NoError(t, s.UpsertQuotaState(ctx, plexus.QuotaState{KeyName: "alice", QuotaName: "default", CurrentUsage: 99, LastUpdated: now, WindowStart: now}))
	require.NoError(t, s.ClearQuotaState(ctx, "alice", now.Add(time.Hour)))

	got, ok, err := s.GetQuotaState(ctx, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, got.CurrentUsage)
}

func TestClearQuotaStateMissingKeyErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.ClearQuotaState(context.Background(), "ghost", time.Now())
	require.ErrorIs(t, err, plexus.ErrNotFound)
}

func TestUsageInsertAndAggregate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	records := []plexus.UsageRecord{
		{
			RequestID: "r1", Date: now, SourceIP: "1.2.3.4", APIKey: "alice",
			IncomingAPIType: plexus.DialectChat, Provider: "openai", IncomingModelAlias: "gpt-4o",
			SelectedModelName: "gpt-4o", OutgoingAPIType: plexus.DialectChat,
			TokensInput: 100, TokensOutput: 50, StartTime: now, DurationMs: 500,
			ResponseStatus: 200, CostTotal: 0.01,
		},
		{
			RequestID: "r2", Date: now, SourceIP: "1.2.3.4", APIKey: "alice",
			IncomingAPIType: plexus.DialectChat, Provider: "openai", IncomingModelAlias: "gpt-4o",
			SelectedModelName: "gpt-4o", OutgoingAPIType: plexus.DialectChat,
			TokensInput: 200, TokensOutput: 100, StartTime: now, DurationMs: 1000,
			ResponseStatus: 200, CostTotal: 0.02, IsStreamed: true,
		},
	}
	require.NoError(t, s.InsertUsage(ctx, records))

	cost, err := s.SumCost(ctx, "alice")
	require.NoError(t, err)
	assert.InDelta(t, 0.03, cost, 0.0001)

	count, err := s.RequestCount24h(ctx, "openai", "gpt-4o")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	ttft, ok, err := s.AvgTTFT(ctx, "openai", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1000.0, ttft)
}

func TestInsertUsageEmptyIsNoop(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.InsertUsage(context.Background(), nil))
}

func TestDebugLogRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	entry := plexus.DebugLogEntry{RequestID: "req-1", RawRequest: []byte(`{"a":1}`), CreatedAt: now}
	require.NoError(t, s.InsertDebugLog(ctx, entry))

	got, ok, err := s.GetDebugLog(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte(`{"a":1}`), got.RawRequest)

	_, ok, err = s.GetDebugLog(ctx, "nope")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConfigSnapshotCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	created, err := s.CreateSnapshot(ctx, plexus.ConfigSnapshot{Name: "v1", Config: "keys: {}"})
	require.NoError(t, err)
	assert.NotZero(t, created.ID)

	got, ok, err := s.GetSnapshot(ctx, "v1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "keys: {}", got.Config)

	require.NoError(t, s.UpdateSnapshot(ctx, plexus.ConfigSnapshot{Name: "v1", Config: "keys: {updated: true}"}))
	got, _, err = s.GetSnapshot(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, "keys: {updated: true}", got.Config)

	list, err := s.ListSnapshots(ctx)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, s.DeleteSnapshot(ctx, "v1"))
	_, ok, err = s.GetSnapshot(ctx, "v1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateSnapshotMissingNameErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateSnapshot(context.Background(), plexus.ConfigSnapshot{Name: "ghost", Config: "x"})
	require.ErrorIs(t, err, plexus.ErrNotFound)
}

func TestPingAndClose(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.Ping(context.Background()))
}
