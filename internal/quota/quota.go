// Package quota implements the QuotaEnforcer of spec §4.4: rolling,
// daily, and weekly leaky-bucket quotas enforced per API key.
// Grounded on the teacher's internal/ratelimit package for the lazy-refill
// token-bucket math (here inverted into a lazy-leak usage counter) and for
// the per-key mutex-registry style that guarantees record() updates are
// never lost under concurrent calls for the same key (§4.4's concurrency
// requirement).
package quota

import (
	"context"
	"log/slog"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// Enforcer serializes check/record per key via a mutex registry, so
// concurrent calls for the same key never lose an update; different keys
// proceed independently.
type Enforcer struct {
	store storage.QuotaStore

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New returns an Enforcer backed by store.
func New(store storage.QuotaStore) *Enforcer {
	return &Enforcer{store: store, locks: make(map[string]*sync.Mutex)}
}

func (e *Enforcer) lockFor(keyName string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[keyName]
	if !ok {
		l = &sync.Mutex{}
		e.locks[keyName] = l
	}
	return l
}

// Check evaluates whether keyName may proceed under def, applying the
// rolling leak or calendar-boundary reset as needed, per §4.4. Returns
// ok=false when the key has no quota assigned (def's zero value), in which
// case the caller should allow the request unconditionally.
func (e *Enforcer) Check(ctx context.Context, keyName string, def plexus.QuotaDefinition) (result plexus.QuotaCheckResult, ok bool, err error) {
	if def.Name == "" {
		return plexus.QuotaCheckResult{}, false, nil
	}

	lock := e.lockFor(keyName)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	state, found, err := e.store.GetQuotaState(ctx, keyName)
	if err != nil {
		return plexus.QuotaCheckResult{}, false, err
	}
	if !found {
		state = plexus.QuotaState{KeyName: keyName, QuotaName: def.Name, LimitType: def.LimitType, WindowStart: startOfWindow(def.Type, now)}
	}
	if state.QuotaName != def.Name || state.LimitType != def.LimitType {
		state = plexus.QuotaState{KeyName: keyName, QuotaName: def.Name, LimitType: def.LimitType, WindowStart: startOfWindow(def.Type, now)}
	}

	switch def.Type {
	case plexus.QuotaDaily, plexus.QuotaWeekly:
		boundary := startOfWindow(def.Type, now)
		if !state.WindowStart.Equal(boundary) {
			state.CurrentUsage = 0
			state.WindowStart = boundary
		}
	case plexus.QuotaRolling:
		if def.Duration <= 0 {
			slog.Warn("quota duration invalid, failing open", "quota", def.Name)
			return plexus.QuotaCheckResult{}, false, nil
		}
		state.CurrentUsage = leak(state.CurrentUsage, def.Limit, def.Duration, state.LastUpdated, now)
		state.LastUpdated = now
	}

	if err := e.store.UpsertQuotaState(ctx, state); err != nil {
		return plexus.QuotaCheckResult{}, false, err
	}

	remaining := def.Limit - state.CurrentUsage
	if remaining < 0 {
		remaining = 0
	}
	return plexus.QuotaCheckResult{
		Allowed:   state.CurrentUsage < def.Limit,
		Remaining: remaining,
		Limit:     def.Limit,
		ResetsAt:  resetsAt(def, state, now),
	}, true, nil
}

// Record adds usage's cost (per def.LimitType) to keyName's running total.
// A no-op when def is the zero value (key has no quota).
func (e *Enforcer) Record(ctx context.Context, keyName string, def plexus.QuotaDefinition, usage plexus.Usage) error {
	if def.Name == "" {
		return nil
	}

	lock := e.lockFor(keyName)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now().UTC()
	state, found, err := e.store.GetQuotaState(ctx, keyName)
	if err != nil {
		return err
	}
	if !found || state.QuotaName != def.Name || state.LimitType != def.LimitType {
		state = plexus.QuotaState{KeyName: keyName, QuotaName: def.Name, LimitType: def.LimitType, WindowStart: startOfWindow(def.Type, now)}
	}

	if def.Type == plexus.QuotaRolling && def.Duration > 0 {
		state.CurrentUsage = leak(state.CurrentUsage, def.Limit, def.Duration, state.LastUpdated, now)
	} else if boundary := startOfWindow(def.Type, now); def.Type != plexus.QuotaRolling && !state.WindowStart.Equal(boundary) {
		state.CurrentUsage = 0
		state.WindowStart = boundary
	}

	state.CurrentUsage += cost(def.LimitType, usage)
	state.LastUpdated = now
	return e.store.UpsertQuotaState(ctx, state)
}

// Clear resets keyName's usage counter to zero. Admin-only per §4.4.
func (e *Enforcer) Clear(ctx context.Context, keyName string) error {
	lock := e.lockFor(keyName)
	lock.Lock()
	defer lock.Unlock()
	return e.store.ClearQuotaState(ctx, keyName, time.Now().UTC())
}

func cost(limitType plexus.LimitType, usage plexus.Usage) float64 {
	if limitType == plexus.LimitTokens {
		return float64(usage.Total())
	}
	return 1
}

// leak applies the rolling leaky-bucket decay: leakRate = limit/duration,
// leaked = leakRate * elapsed, new usage = max(0, usage - leaked).
func leak(usage, limit float64, duration time.Duration, lastUpdated, now time.Time) float64 {
	if lastUpdated.IsZero() {
		return usage
	}
	elapsed := now.Sub(lastUpdated)
	if elapsed <= 0 {
		return usage
	}
	leakRate := limit / float64(duration)
	leaked := leakRate * float64(elapsed)
	remaining := usage - leaked
	if remaining < 0 {
		return 0
	}
	return remaining
}

func resetsAt(def plexus.QuotaDefinition, state plexus.QuotaState, now time.Time) time.Time {
	switch def.Type {
	case plexus.QuotaRolling:
		if def.Limit <= 0 {
			return now
		}
		fraction := state.CurrentUsage / def.Limit
		return now.Add(time.Duration(fraction * float64(def.Duration)))
	default:
		return nextWindow(def.Type, now)
	}
}

// startOfWindow returns the start of the current calendar window for the
// given quota type, as UTC: day boundary is 00:00 UTC, week boundary is
// Sunday 00:00 UTC.
func startOfWindow(t plexus.QuotaType, now time.Time) time.Time {
	now = now.UTC()
	day := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if t != plexus.QuotaWeekly {
		return day
	}
	return day.AddDate(0, 0, -int(day.Weekday()))
}

// nextWindow returns the next calendar boundary after now.
func nextWindow(t plexus.QuotaType, now time.Time) time.Time {
	start := startOfWindow(t, now)
	if t == plexus.QuotaWeekly {
		return start.AddDate(0, 0, 7)
	}
	return start.AddDate(0, 0, 1)
}
