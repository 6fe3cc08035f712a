package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capacityd/capacityd/pkg/health"
	"github.com/capacityd/capacityd/pkg/pool"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()

	cfg := DefaultConfig()
	cfg.DatabasePath = filepath.Join(t.TempDir(), "test.db")

	store, err := NewStore(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestRecordAndQueryTransitions(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	transitions := []health.Transition{
		{ID: "t-1", From: health.StatusHealthy, To: health.StatusDegraded, Reason: "warning bound crossed", Timestamp: base},
		{ID: "t-2", From: health.StatusDegraded, To: health.StatusUnhealthy, Reason: "critical bound crossed after degraded sample", Timestamp: base.Add(5 * time.Second)},
		{ID: "t-3", From: health.StatusUnhealthy, To: health.StatusDegraded, Reason: "sustained improvement observed", Timestamp: base.Add(60 * time.Second)},
	}
	for _, tr := range transitions {
		require.NoError(t, store.RecordTransition(ctx, tr))
	}

	got, err := store.Transitions(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 3)

	// Newest first.
	assert.Equal(t, "t-3", got[0].ID)
	assert.Equal(t, health.StatusUnhealthy, got[0].From)
	assert.Equal(t, health.StatusDegraded, got[0].To)
	assert.Equal(t, "t-1", got[2].ID)
	assert.True(t, got[0].Timestamp.Equal(base.Add(60*time.Second)))

	limited, err := store.Transitions(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestRecordAndQueryLeaseEvents(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		ev := pool.Event{
			Kind:      pool.EventAllocated,
			LeaseID:   fmt.Sprintf("lease-%d", i),
			RequestID: fmt.Sprintf("req-%d", i),
			Type:      pool.ResourceTypeMemory,
			Timestamp: base.Add(time.Duration(i) * time.Second),
		}
		require.NoError(t, store.RecordLeaseEvent(ctx, ev))
	}
	require.NoError(t, store.RecordLeaseEvent(ctx, pool.Event{
		Kind:      pool.EventSweptStale,
		LeaseID:   "lease-0",
		RequestID: "req-0",
		Type:      pool.ResourceTypeMemory,
		Detail:    "lease timeout elapsed",
		Timestamp: base.Add(time.Minute),
	}))

	got, err := store.LeaseEvents(ctx, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, pool.EventSweptStale, got[0].Kind)
	assert.Equal(t, "lease timeout elapsed", got[0].Detail)
	assert.Equal(t, "lease-4", got[1].LeaseID)
}

func TestStoreDefaultLimit(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	got, err := store.Transitions(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestStoreClosed(t *testing.T) {
	store := setupTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close()) // idempotent

	ctx := context.Background()
	err := store.RecordTransition(ctx, health.Transition{ID: "t-x"})
	assert.ErrorContains(t, err, "closed")

	_, err = store.Transitions(ctx, 1)
	assert.ErrorContains(t, err, "closed")

	err = store.RecordLeaseEvent(ctx, pool.Event{Kind: pool.EventAllocated})
	assert.ErrorContains(t, err, "closed")
}
