// Package testutil provides configurable in-memory fakes for the
// gateway's storage interfaces, consolidating the per-package fakeStore
// types already duplicated in internal/quota, internal/debug,
// internal/cooldown, internal/management, and internal/server's own
// tests into one implementation other packages' tests can import.
//
// Grounded on the teacher's internal/testutil/fake_store.go: one
// FakeStore backing the full composed storage.Store interface, with
// in-memory maps for the tables a given test actually exercises and
// thin, always-succeeding stubs for the rest.
package testutil

import (
	"context"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// FakeStore is an in-memory implementation of storage.Store for testing.
type FakeStore struct {
	mu sync.Mutex

	cooldowns map[string]plexus.CooldownEntry
	quotas    map[string]plexus.QuotaState
	debugLogs map[string]plexus.DebugLogEntry
	snapshots map[string]plexus.ConfigSnapshot
	usage     []plexus.UsageRecord

	nextSnapshotID uint
}

// NewFakeStore returns a FakeStore with empty collections.
func NewFakeStore() *FakeStore {
	return &FakeStore{
		cooldowns: make(map[string]plexus.CooldownEntry),
		quotas:    make(map[string]plexus.QuotaState),
		debugLogs: make(map[string]plexus.DebugLogEntry),
		snapshots: make(map[string]plexus.ConfigSnapshot),
	}
}

// --- CooldownStore ---

func (s *FakeStore) UpsertCooldown(_ context.Context, e plexus.CooldownEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cooldowns[e.Key()] = e
	return nil
}

func (s *FakeStore) DeleteCooldown(_ context.Context, provider, model, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cooldowns, plexus.CooldownKey(provider, model, accountID))
	return nil
}

func (s *FakeStore) DeleteExpiredCooldowns(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int64
	for k, e := range s.cooldowns {
		if e.ExpiresAt.Before(now) {
			delete(s.cooldowns, k)
			removed++
		}
	}
	return removed, nil
}

func (s *FakeStore) ListCooldowns(_ context.Context) ([]plexus.CooldownEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plexus.CooldownEntry, 0, len(s.cooldowns))
	for _, e := range s.cooldowns {
		out = append(out, e)
	}
	return out, nil
}

// ClearCooldowns removes every cooldown matching the given scope, treating
// empty fields as wildcards the same way internal/cooldown's own
// right-to-left matching does.
func (s *FakeStore) ClearCooldowns(_ context.Context, provider, model, accountID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.cooldowns {
		if provider != "" && e.Provider != provider {
			continue
		}
		if model != "" && e.Model != model {
			continue
		}
		if accountID != "" && e.AccountID != accountID {
			continue
		}
		delete(s.cooldowns, k)
	}
	return nil
}

// --- QuotaStore ---

func (s *FakeStore) GetQuotaState(_ context.Context, keyName string) (plexus.QuotaState, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.quotas[keyName]
	return st, ok, nil
}

func (s *FakeStore) UpsertQuotaState(_ context.Context, state plexus.QuotaState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quotas[state.KeyName] = state
	return nil
}

func (s *FakeStore) ClearQuotaState(_ context.Context, keyName string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.quotas[keyName]
	st.CurrentUsage = 0
	st.LastUpdated = now
	s.quotas[keyName] = st
	return nil
}

// --- UsageStore ---

func (s *FakeStore) InsertUsage(_ context.Context, records []plexus.UsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.usage = append(s.usage, records...)
	return nil
}

func (s *FakeStore) SumCost(_ context.Context, apiKey string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total float64
	for _, r := range s.usage {
		if apiKey == "" || r.APIKey == apiKey {
			total += r.CostTotal
		}
	}
	return total, nil
}

func (s *FakeStore) AvgThroughput(_ context.Context, provider, model string) (float64, bool, error) {
	return s.avg(provider, model, func(r plexus.UsageRecord) (float64, bool) {
		if r.DurationMs <= 0 {
			return 0, false
		}
		tokens := float64(r.TokensInput + r.TokensOutput)
		return tokens / (float64(r.DurationMs) / 1000), true
	})
}

func (s *FakeStore) AvgTTFT(_ context.Context, provider, model string) (float64, bool, error) {
	return s.avg(provider, model, func(r plexus.UsageRecord) (float64, bool) {
		return float64(r.DurationMs), true
	})
}

func (s *FakeStore) avg(provider, model string, metric func(plexus.UsageRecord) (float64, bool)) (float64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum float64
	var n int
	for _, r := range s.usage {
		if r.Provider != provider || r.SelectedModelName != model {
			continue
		}
		v, ok := metric(r)
		if !ok {
			continue
		}
		sum += v
		n++
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

func (s *FakeStore) RequestCount24h(_ context.Context, provider, model string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-24 * time.Hour)
	var count int64
	for _, r := range s.usage {
		if r.Provider == provider && r.SelectedModelName == model && r.Date.After(cutoff) {
			count++
		}
	}
	return count, nil
}

// --- DebugStore ---

func (s *FakeStore) InsertDebugLog(_ context.Context, e plexus.DebugLogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.debugLogs[e.RequestID] = e
	return nil
}

func (s *FakeStore) GetDebugLog(_ context.Context, requestID string) (plexus.DebugLogEntry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.debugLogs[requestID]
	return e, ok, nil
}

// --- ConfigSnapshotStore ---

func (s *FakeStore) CreateSnapshot(_ context.Context, snap plexus.ConfigSnapshot) (plexus.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextSnapshotID++
	snap.ID = s.nextSnapshotID
	s.snapshots[snap.Name] = snap
	return snap, nil
}

func (s *FakeStore) GetSnapshot(_ context.Context, name string) (plexus.ConfigSnapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[name]
	return snap, ok, nil
}

func (s *FakeStore) ListSnapshots(_ context.Context) ([]plexus.ConfigSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]plexus.ConfigSnapshot, 0, len(s.snapshots))
	for _, snap := range s.snapshots {
		out = append(out, snap)
	}
	return out, nil
}

func (s *FakeStore) UpdateSnapshot(_ context.Context, snap plexus.ConfigSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[snap.Name]; !ok {
		return plexus.ErrNotFound
	}
	s.snapshots[snap.Name] = snap
	return nil
}

func (s *FakeStore) DeleteSnapshot(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[name]; !ok {
		return plexus.ErrNotFound
	}
	delete(s.snapshots, name)
	return nil
}
