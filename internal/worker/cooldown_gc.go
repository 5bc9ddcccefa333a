package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/plexusgw/plexus/internal/storage"
)

const cooldownGCInterval = 5 * time.Minute

// CooldownGCWorker periodically sweeps expired provider_cooldowns rows,
// grounded on the teacher's UsageRollupWorker's periodic-ticker shape
// (Name/Run/private-helper split) applied to this gateway's own cleanup
// concern instead of gandalf's hourly usage aggregation. cooldown.Manager
// already evicts expired entries from its in-memory map lazily on lookup
// (§4.3), so this worker exists only to bound how long a dead row can
// linger in storage when a (provider, model, account) tuple is never
// looked up again after it cools down.
type CooldownGCWorker struct {
	store storage.CooldownStore
}

// NewCooldownGCWorker creates a CooldownGCWorker backed by store.
func NewCooldownGCWorker(store storage.CooldownStore) *CooldownGCWorker {
	return &CooldownGCWorker{store: store}
}

// Name returns the worker identifier.
func (w *CooldownGCWorker) Name() string { return "cooldown_gc" }

// Run sweeps expired cooldown rows on a periodic schedule until ctx is
// cancelled.
func (w *CooldownGCWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(cooldownGCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

func (w *CooldownGCWorker) sweep(ctx context.Context) {
	n, err := w.store.DeleteExpiredCooldowns(ctx, time.Now())
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "cooldown gc sweep failed",
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		slog.Info("cooldown gc swept expired rows", "count", n)
	}
}
