// Package debug implements DebugManager, the in-memory per-request
// request/response capture of spec §4.6: reconstructed stream snapshots
// are always held in memory (the dispatcher and inspector need them for
// usage extraction regardless of whether debug persistence is on), and are
// only written to the debug_logs table when the manager is enabled and the
// request was not marked ephemeral. A 5-minute auto-flush timer guarantees
// every entry is eventually persisted-or-discarded even if the caller never
// calls Flush explicitly (e.g. a client disconnect mid-stream).
//
// Grounded on internal/cooldown.Manager's mutex-guarded map-of-entries
// shape (itself grounded on the teacher's internal/circuitbreaker/
// registry.go registry pattern) -- the teacher has no debug-capture
// precedent of its own, so this package reuses the repo's own established
// idiom for "concurrent map keyed by a string, mutex-guarded" rather than
// inventing a new shape.
package debug

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

// autoFlushDelay is the §4.6/§5 "5-minute DebugManager timer" that
// guarantees eventual flush or discard even under client cancellation.
const autoFlushDelay = 5 * time.Minute

type entry struct {
	ephemeral bool
	rawReq, transformedReq []byte
	rawResp, transformedResp []byte
	rawSnapshot, transformedSnapshot []byte
	timer *time.Timer
}

// Manager holds one in-flight capture entry per request id.
type Manager struct {
	store   storage.DebugStore
	enabled bool

	mu      sync.Mutex
	entries map[string]*entry
}

// New returns a Manager that persists through store only when enabled is
// true (store may be nil when enabled is false).
func New(store storage.DebugStore, enabled bool) *Manager {
	return &Manager{store: store, enabled: enabled, entries: make(map[string]*entry)}
}

// Start opens a capture entry for requestID. ephemeral requests are held
// in memory (for usage extraction) but never persisted on flush. The
// returned stop func cancels the auto-flush timer; callers should defer it
// after an explicit Flush to avoid a redundant timer-driven flush.
func (m *Manager) Start(ctx context.Context, requestID string, ephemeral bool) (stop func()) {
	e := &entry{ephemeral: ephemeral}
	m.mu.Lock()
	m.entries[requestID] = e
	m.mu.Unlock()

	e.timer = time.AfterFunc(autoFlushDelay, func() {
		if err := m.Flush(context.Background(), requestID); err != nil {
			slog.Warn("debug: auto-flush failed", "request_id", requestID, "error", err)
		}
	})
	return func() { e.timer.Stop() }
}

// SetRequest records the raw client body and (if transformed) the outgoing
// provider body for requestID.
func (m *Manager) SetRequest(requestID string, raw, transformed []byte) {
	m.withEntry(requestID, func(e *entry) {
		e.rawReq = raw
		e.transformedReq = transformed
	})
}

// SetResponse records the raw provider body and (if translated) the
// client-facing body for requestID.
func (m *Manager) SetResponse(requestID string, raw, transformed []byte) {
	m.withEntry(requestID, func(e *entry) {
		e.rawResp = raw
		e.transformedResp = transformed
	})
}

// SetSnapshots records the inspector's reconstructed stream snapshot, in
// both the upstream dialect's own shape and the client-facing shape, for a
// streamed request.
func (m *Manager) SetSnapshots(requestID string, raw, transformed []byte) {
	m.withEntry(requestID, func(e *entry) {
		e.rawSnapshot = raw
		e.transformedSnapshot = transformed
	})
}

// StubUpload records a metadata-only marker for a binary upload body
// (audio/image), never the bytes themselves, per §4.6.
func (m *Manager) StubUpload(requestID, filename, mimeType string, size int64) {
	stub, _ := json.Marshal(map[string]any{"filename": filename, "mime_type": mimeType, "size": size})
	m.SetRequest(requestID, stub, nil)
}

func (m *Manager) withEntry(requestID string, fn func(*entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[requestID]; ok {
		fn(e)
	}
}

// Get returns the in-memory snapshot for requestID, needed by callers that
// extract usage from a reconstructed stream regardless of persistence
// settings.
func (m *Manager) Get(requestID string) (plexus.DebugLogEntry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[requestID]
	if !ok {
		return plexus.DebugLogEntry{}, false
	}
	return entryToRecord(requestID, e), true
}

// Flush persists the entry to storage (when enabled and not ephemeral) and
// removes it from memory. Calling Flush twice for the same requestID is
// safe; the second call is a no-op.
func (m *Manager) Flush(ctx context.Context, requestID string) error {
	m.mu.Lock()
	e, ok := m.entries[requestID]
	if ok {
		delete(m.entries, requestID)
	}
	m.mu.Unlock()
	if !ok {
		return nil
	}
	if e.timer != nil {
		e.timer.Stop()
	}

	if !m.enabled || e.ephemeral {
		return nil
	}
	if err := m.store.InsertDebugLog(ctx, entryToRecord(requestID, e)); err != nil {
		return fmt.Errorf("debug: persist entry for %s: %w", requestID, err)
	}
	return nil
}

func entryToRecord(requestID string, e *entry) plexus.DebugLogEntry {
	return plexus.DebugLogEntry{
		RequestID:                   requestID,
		RawRequest:                  e.rawReq,
		TransformedRequest:          e.transformedReq,
		RawResponse:                 e.rawResp,
		TransformedResponse:         e.transformedResp,
		RawResponseSnapshot:         e.rawSnapshot,
		TransformedResponseSnapshot: e.transformedSnapshot,
		CreatedAt:                   time.Now(),
	}
}
