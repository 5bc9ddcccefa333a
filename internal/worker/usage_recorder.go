package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	plexus "github.com/plexusgw/plexus/internal"
	"github.com/plexusgw/plexus/internal/storage"
)

const (
	usageChanSize   = 1000
	usageBatchSize  = 100
	usageFlushEvery = 5 * time.Second
	usageDrainTime  = 30 * time.Second
)

// UsageRecorder buffers UsageRecords and batch-flushes them to storage,
// grounded verbatim on the teacher's UsageRecorder: records are dropped
// if the channel is full (back-pressure on a slow DB never blocks the
// dispatch hot path), and a bounded drain runs once on shutdown so
// in-flight records aren't silently lost.
type UsageRecorder struct {
	ch    chan plexus.UsageRecord
	store storage.UsageStore
}

// NewUsageRecorder creates a UsageRecorder backed by store.
func NewUsageRecorder(store storage.UsageStore) *UsageRecorder {
	return &UsageRecorder{
		ch:    make(chan plexus.UsageRecord, usageChanSize),
		store: store,
	}
}

// Name returns the worker identifier.
func (u *UsageRecorder) Name() string { return "usage_recorder" }

// Record enqueues a usage record. It never blocks; drops on a full channel.
func (u *UsageRecorder) Record(r plexus.UsageRecord) {
	select {
	case u.ch <- r:
	default:
		slog.Warn("usage record dropped, channel full", "request_id", r.RequestID)
	}
}

// Run processes records until ctx is cancelled, then drains remaining
// records with a bounded timeout.
func (u *UsageRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(usageFlushEvery)
	defer ticker.Stop()

	buf := make([]plexus.UsageRecord, 0, usageBatchSize)

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ticker.C:
			if len(buf) > 0 {
				u.flush(ctx, buf)
				buf = buf[:0]
			}

		case <-ctx.Done():
			u.drain(buf)
			return nil
		}
	}
}

func (u *UsageRecorder) drain(buf []plexus.UsageRecord) {
	ctx, cancel := context.WithTimeout(context.Background(), usageDrainTime)
	defer cancel()

	for {
		select {
		case r := <-u.ch:
			buf = append(buf, r)
			if len(buf) >= usageBatchSize {
				u.flush(ctx, buf)
				buf = buf[:0]
			}
		default:
			if len(buf) > 0 {
				u.flush(ctx, buf)
			}
			return
		}
	}
}

func (u *UsageRecorder) flush(ctx context.Context, buf []plexus.UsageRecord) {
	batch := make([]plexus.UsageRecord, len(buf))
	copy(batch, buf)

	for i := range batch {
		if batch[i].RequestID == "" {
			batch[i].RequestID = uuid.Must(uuid.NewV7()).String()
		}
	}

	if err := u.store.InsertUsage(ctx, batch); err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage flush failed",
			slog.Int("count", len(batch)),
			slog.String("error", err.Error()),
		)
	}
}
