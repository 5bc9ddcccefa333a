package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	plexus "github.com/plexusgw/plexus/internal"
)

type fakeCooldownGCStore struct {
	deleteErr   error
	deleteCalls int
	deleted     int64
}

func (s *fakeCooldownGCStore) UpsertCooldown(context.Context, plexus.CooldownEntry) error { return nil }
func (s *fakeCooldownGCStore) DeleteCooldown(context.Context, string, string, string) error {
	return nil
}
func (s *fakeCooldownGCStore) DeleteExpiredCooldowns(context.Context, time.Time) (int64, error) {
	s.deleteCalls++
	return s.deleted, s.deleteErr
}
func (s *fakeCooldownGCStore) ListCooldowns(context.Context) ([]plexus.CooldownEntry, error) {
	return nil, nil
}
func (s *fakeCooldownGCStore) ClearCooldowns(context.Context, string, string, string) error {
	return nil
}

func TestCooldownGCSweepReportsCount(t *testing.T) {
	t.Parallel()
	store := &fakeCooldownGCStore{deleted: 3}
	w := NewCooldownGCWorker(store)

	w.sweep(context.Background())
	assert.Equal(t, 1, store.deleteCalls)
}

func TestCooldownGCRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	store := &fakeCooldownGCStore{}
	w := NewCooldownGCWorker(store)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
}
