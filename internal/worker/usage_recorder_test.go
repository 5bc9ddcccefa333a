package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	plexus "github.com/plexusgw/plexus/internal"
)

type fakeUsageStore struct {
	mu      sync.Mutex
	batches [][]plexus.UsageRecord
}

func (s *fakeUsageStore) InsertUsage(_ context.Context, records []plexus.UsageRecord) error {
	s.mu.Lock()
	s.batches = append(s.batches, records)
	s.mu.Unlock()
	return nil
}

func (s *fakeUsageStore) totalRecords() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, b := range s.batches {
		n += len(b)
	}
	return n
}

func waitForRecords(t *testing.T, store *fakeUsageStore, want int, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	for {
		if store.totalRecords() >= want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %d records; got %d", want, store.totalRecords())
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
}

func TestUsageRecorderBatchesOnSize(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { rec.Run(ctx); close(done) }()

	for i := 0; i < usageBatchSize; i++ {
		rec.Record(plexus.UsageRecord{RequestID: "r"})
	}

	waitForRecords(t, store, usageBatchSize, 2*time.Second)
	cancel()
	<-done
}

func TestUsageRecorderFlushesOnTimeout(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{ch: make(chan plexus.UsageRecord, usageChanSize), store: store}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { rec.Run(ctx); close(done) }()

	rec.Record(plexus.UsageRecord{RequestID: "test-1"})
	rec.Record(plexus.UsageRecord{RequestID: "test-2"})

	waitForRecords(t, store, 2, 10*time.Second)
	cancel()
	<-done
}

func TestUsageRecorderDropsOnFullChannel(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{ch: make(chan plexus.UsageRecord, 2), store: store}

	rec.Record(plexus.UsageRecord{RequestID: "1"})
	rec.Record(plexus.UsageRecord{RequestID: "2"})
	rec.Record(plexus.UsageRecord{RequestID: "3"}) // dropped

	assert.Len(t, rec.ch, 2)
}

func TestUsageRecorderDrainsOnShutdown(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := NewUsageRecorder(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { rec.Run(ctx); close(done) }()

	rec.Record(plexus.UsageRecord{RequestID: "drain-1"})
	rec.Record(plexus.UsageRecord{RequestID: "drain-2"})

	time.Sleep(50 * time.Millisecond)
	cancel()
	<-done

	assert.GreaterOrEqual(t, store.totalRecords(), 2)
}

func TestUsageRecorderAssignsIDWhenMissing(t *testing.T) {
	t.Parallel()
	store := &fakeUsageStore{}
	rec := &UsageRecorder{ch: make(chan plexus.UsageRecord, usageChanSize), store: store}

	rec.flush(context.Background(), []plexus.UsageRecord{{}})

	store.mu.Lock()
	defer store.mu.Unlock()
	assert.NotEmpty(t, store.batches[0][0].RequestID)
}
