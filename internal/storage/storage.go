// Package storage defines the persistence interfaces for the gateway's five
// §6.4 tables. Grounded on the teacher's internal/storage/storage.go (one
// narrow interface per concern, composed into a single Store), carrying the
// same shape forward for the cooldown/quota/usage/debug/config-snapshot
// domain instead of the teacher's org/key/route/usage domain.
package storage

import (
	"context"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
)

// CooldownStore persists provider_cooldowns rows.
type CooldownStore interface {
	UpsertCooldown(ctx context.Context, entry plexus.CooldownEntry) error
	DeleteCooldown(ctx context.Context, provider, model, accountID string) error
	// DeleteExpiredCooldowns removes all rows with expiry < now and returns
	// how many were removed, per §4.3's load-from-storage startup sweep.
	DeleteExpiredCooldowns(ctx context.Context, now time.Time) (int64, error)
	// ListCooldowns returns every persisted row, expired or not, for
	// populating the in-memory map at startup.
	ListCooldowns(ctx context.Context) ([]plexus.CooldownEntry, error)
	// ClearCooldowns removes rows matching the given scope; empty string
	// fields are wildcards covering "this field and everything below it"
	// per §4.3's right-to-left wildcard rule.
	ClearCooldowns(ctx context.Context, provider, model, accountID string) error
}

// QuotaStore persists quota_state rows, one per key with an assigned quota.
type QuotaStore interface {
	GetQuotaState(ctx context.Context, keyName string) (plexus.QuotaState, bool, error)
	UpsertQuotaState(ctx context.Context, state plexus.QuotaState) error
	ClearQuotaState(ctx context.Context, keyName string, now time.Time) error
}

// UsageStore persists request_usage rows and serves the aggregates the
// performance/latency/usage selectors and the management status endpoint
// need.
type UsageStore interface {
	InsertUsage(ctx context.Context, records []plexus.UsageRecord) error
	SumCost(ctx context.Context, apiKey string) (float64, error)

	// AvgThroughput returns tokens/sec for (provider, model) over recent
	// completed requests, and false when no data exists.
	AvgThroughput(ctx context.Context, provider, model string) (float64, bool, error)
	// AvgTTFT returns avg_ttft_ms for (provider, model), and false when no
	// data exists. Requires a first-byte timestamp the dispatcher is not
	// otherwise obligated to record for non-streaming calls; streaming
	// calls always have one.
	AvgTTFT(ctx context.Context, provider, model string) (float64, bool, error)
	// RequestCount24h returns the trailing-24h request count for
	// (provider, model).
	RequestCount24h(ctx context.Context, provider, model string) (int64, error)
}

// DebugStore persists debug_logs rows. Binary upload bodies are never
// passed through this interface — only metadata stubs, per §4.6.
type DebugStore interface {
	InsertDebugLog(ctx context.Context, entry plexus.DebugLogEntry) error
	GetDebugLog(ctx context.Context, requestID string) (plexus.DebugLogEntry, bool, error)
}

// ConfigSnapshotStore persists config_snapshots rows for the management
// API's snapshot CRUD surface (§6.2).
type ConfigSnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap plexus.ConfigSnapshot) (plexus.ConfigSnapshot, error)
	GetSnapshot(ctx context.Context, name string) (plexus.ConfigSnapshot, bool, error)
	ListSnapshots(ctx context.Context) ([]plexus.ConfigSnapshot, error)
	UpdateSnapshot(ctx context.Context, snap plexus.ConfigSnapshot) error
	DeleteSnapshot(ctx context.Context, name string) error
}

// Store composes every persistence interface the gateway needs, mirroring
// the teacher's own composed Store interface.
type Store interface {
	CooldownStore
	QuotaStore
	UsageStore
	DebugStore
	ConfigSnapshotStore
}
