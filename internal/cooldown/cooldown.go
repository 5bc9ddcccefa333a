// Package cooldown implements the CooldownManager of spec §4.3: an
// in-memory quarantine map for (provider, model, account) tuples that
// mirrors a persisted table, so a restart resumes with the same
// quarantines rather than re-learning them from scratch.
// Grounded on the teacher's internal/circuitbreaker package (Registry's
// RWMutex-guarded map, double-check-locking idiom) generalized from a
// sliding-window error-rate breaker to the simpler TTL-expiry quarantine
// §4.3 specifies, and on internal/circuitbreaker/classify.go for the
// status-code-to-action classification shape.
package cooldown

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// defaultCooldownDuration is used when markFailure is not given an explicit
// duration and PLEXUS_PROVIDER_COOLDOWN_MINUTES is unset.
const defaultCooldownDuration = 10 * time.Minute

// Manager tracks quarantined (provider, model, account) tuples. The
// in-memory map is the authoritative runtime view; store mirrors it so a
// restart can repopulate via LoadFromStorage.
type Manager struct {
	store storage.CooldownStore

	mu      sync.RWMutex
	expiry  map[string]time.Time
	entries map[string]plexus.CooldownEntry // parsed tuple, for ClearCooldowns' wildcard scan
}

// New returns a Manager backed by store. Call LoadFromStorage once at
// startup before serving traffic.
func New(store storage.CooldownStore) *Manager {
	return &Manager{
		store:   store,
		expiry:  make(map[string]time.Time),
		entries: make(map[string]plexus.CooldownEntry),
	}
}

// LoadFromStorage deletes already-expired rows and loads the remainder
// into the in-memory map, per §4.3's startup sweep.
func (m *Manager) LoadFromStorage(ctx context.Context) error {
	now := time.Now()
	if _, err := m.store.DeleteExpiredCooldowns(ctx, now); err != nil {
		return err
	}
	rows, err := m.store.ListCooldowns(ctx)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range rows {
		key := row.Key()
		m.expiry[key] = row.ExpiresAt
		m.entries[key] = row
	}
	return nil
}

// MarkFailure quarantines (provider, model, accountID) until now+duration.
// duration defaults to PLEXUS_PROVIDER_COOLDOWN_MINUTES (minutes) when
// explicitDuration is zero, falling back to defaultCooldownDuration if that
// env var is unset or invalid. Logs at WARN per §4.3.
func (m *Manager) MarkFailure(ctx context.Context, provider, model, accountID string, explicitDuration time.Duration) error {
	duration := explicitDuration
	if duration <= 0 {
		duration = envCooldownDuration()
	}
	expiresAt := time.Now().Add(duration)
	entry := plexus.CooldownEntry{Provider: provider, Model: model, AccountID: accountID, ExpiresAt: expiresAt, CreatedAt: time.Now()}

	m.mu.Lock()
	key := entry.Key()
	m.expiry[key] = expiresAt
	m.entries[key] = entry
	m.mu.Unlock()

	slog.Warn("provider marked for cooldown", "provider", provider, "model", model, "account", accountID, "until", expiresAt)
	return m.store.UpsertCooldown(ctx, entry)
}

// IsHealthy reports whether (provider, model, accountID) is not currently
// quarantined. An expired entry is deleted eagerly from both memory and
// storage before returning true.
func (m *Manager) IsHealthy(ctx context.Context, provider, model, accountID string) (bool, error) {
	key := plexus.CooldownKey(provider, model, accountID)

	m.mu.RLock()
	expiresAt, ok := m.expiry[key]
	m.mu.RUnlock()
	if !ok {
		return true, nil
	}
	if time.Now().Before(expiresAt) {
		return false, nil
	}

	m.mu.Lock()
	delete(m.expiry, key)
	delete(m.entries, key)
	m.mu.Unlock()

	return true, m.store.DeleteCooldown(ctx, provider, model, accountID)
}

// Target is the subset of router.Candidate FilterHealthy needs, duplicated
// here to keep cooldown a leaf package (same rationale as selector.Candidate).
type Target struct {
	Provider string
	Model    string
}

// AccountIDLookup resolves the cooldown-scoping account ID for a target,
// per §4.1's "OAuth account resolution" rule (empty when the provider has
// no OAuth account).
type AccountIDLookup func(Target) string

// FilterHealthy returns a new slice containing only targets that are
// currently healthy, preserving order.
func (m *Manager) FilterHealthy(ctx context.Context, targets []Target, accountID AccountIDLookup) ([]Target, error) {
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		acct := ""
		if accountID != nil {
			acct = accountID(t)
		}
		healthy, err := m.IsHealthy(ctx, t.Provider, t.Model, acct)
		if err != nil {
			return nil, err
		}
		if healthy {
			out = append(out, t)
		}
	}
	return out, nil
}

// Clear removes cooldown entries matching the given scope. Per §4.3,
// wildcards apply from the right: an empty accountID clears all accounts
// for that (provider, model); an empty model additionally clears all
// models for that provider; an empty provider clears everything.
func (m *Manager) Clear(ctx context.Context, provider, model, accountID string) error {
	m.mu.Lock()
	for key, entry := range m.entries {
		if matchesScope(entry, provider, model, accountID) {
			delete(m.expiry, key)
			delete(m.entries, key)
		}
	}
	m.mu.Unlock()

	return m.store.ClearCooldowns(ctx, provider, model, accountID)
}

func matchesScope(entry plexus.CooldownEntry, provider, model, accountID string) bool {
	if provider != "" && entry.Provider != provider {
		return false
	}
	if model != "" && entry.Model != model {
		return false
	}
	if accountID != "" && entry.AccountID != accountID {
		return false
	}
	return true
}

func envCooldownDuration() time.Duration {
	raw := os.Getenv("PLEXUS_PROVIDER_COOLDOWN_MINUTES")
	if raw == "" {
		return defaultCooldownDuration
	}
	minutes, err := strconv.Atoi(raw)
	if err != nil || minutes <= 0 {
		return defaultCooldownDuration
	}
	return time.Duration(minutes) * time.Minute
}

// ClassifyFailure reports whether an upstream HTTP status should trigger a
// cooldown mark, per §4.3/§7: 5xx and {401, 408, 429}. Any other 4xx is
// reported to the client without marking.
func ClassifyFailure(status int) bool {
	if status >= 500 && status <= 599 {
		return true
	}
	switch status {
	case 401, 408, 429:
		return true
	default:
		return false
	}
}
