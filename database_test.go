package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spaceship-sync/internal/delta"
	"spaceship-sync/internal/wire"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenDB(filepath.Join(t.TempDir(), "stats.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSnapshotRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		_, err := db.InsertSnapshot(ctx, SyncSnapshot{
			TakenAt:      base.Add(time.Duration(i) * time.Minute),
			Clients:      i,
			Fulls:        uint64(10 * i),
			BytesSaved:   uint64(1000 * i),
			MessagesSent: 5,
		})
		require.NoError(t, err)
	}

	got, err := db.RecentSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, base.Add(2*time.Minute), got[0].TakenAt)
	assert.Equal(t, 2, got[0].Clients)
	assert.Equal(t, uint64(20), got[0].Fulls)
	assert.Equal(t, uint64(2000), got[0].BytesSaved)
	assert.Equal(t, base.Add(time.Minute), got[1].TakenAt)
}

func TestPruneSnapshots(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	for _, at := range []time.Time{base, base.Add(time.Hour), base.Add(2 * time.Hour)} {
		_, err := db.InsertSnapshot(ctx, SyncSnapshot{TakenAt: at})
		require.NoError(t, err)
	}
	n, err := db.PruneSnapshots(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	got, err := db.RecentSnapshots(ctx, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, base.Add(2*time.Hour), got[0].TakenAt)
}

func TestStatsRecorderWritesCounters(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	opt, err := wire.NewOptimizer(delta.NewEncoder(delta.DefaultOptions()), wire.DefaultOptions())
	require.NoError(t, err)
	defer opt.Close()

	cfg := DefaultConfig()
	cfg.World = testWorldConfig()
	hub := NewHub(ctx, cfg, opt, zerolog.Nop())

	w := NewWorld("w1", cfg.World, opt, zerolog.Nop())
	require.NotNil(t, w.AddPlayer("Ace", &recordingViewer{stream: "s1"}))
	steps(w, 6)

	rec := NewStatsRecorder(db, hub, time.Hour, zerolog.Nop())
	require.NoError(t, rec.Record(ctx))

	got, err := db.RecentSnapshots(ctx, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	// One player plus the four chunks of the grid, first seen in the first batch
	assert.Equal(t, uint64(5), got[0].Fulls)
	assert.GreaterOrEqual(t, got[0].Deltas, uint64(1))
	assert.Equal(t, 5, got[0].CacheEntries)
	assert.Positive(t, got[0].MessagesSent)
}

func TestStatsRecorderFinalSnapshotOnShutdown(t *testing.T) {
	db := openTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())

	opt, err := wire.NewOptimizer(delta.NewEncoder(delta.DefaultOptions()), wire.DefaultOptions())
	require.NoError(t, err)
	defer opt.Close()

	cfg := DefaultConfig()
	hub := NewHub(ctx, cfg, opt, zerolog.Nop())
	rec := NewStatsRecorder(db, hub, time.Hour, zerolog.Nop())

	done := make(chan error, 1)
	go func() { done <- rec.Run(ctx) }()
	cancel()
	require.NoError(t, <-done)

	got, err := db.RecentSnapshots(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}
