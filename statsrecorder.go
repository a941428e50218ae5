package main

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// retention is how long snapshots are kept before pruning
const retention = 7 * 24 * time.Hour

// StatsRecorder periodically writes the hub's sync counters to the database
type StatsRecorder struct {
	db       *DB
	hub      *Hub
	interval time.Duration
	log      zerolog.Logger
	now      func() time.Time
}

// NewStatsRecorder creates a recorder writing every interval
func NewStatsRecorder(db *DB, hub *Hub, interval time.Duration, log zerolog.Logger) *StatsRecorder {
	return &StatsRecorder{
		db:       db,
		hub:      hub,
		interval: interval,
		log:      log.With().Str("component", "stats_recorder").Logger(),
		now:      time.Now,
	}
}

// Snapshot samples the current counters
func (r *StatsRecorder) Snapshot() SyncSnapshot {
	enc := r.hub.opt.Encoder().Counters()
	ws := r.hub.opt.Stats()
	return SyncSnapshot{
		TakenAt:            r.now().UTC(),
		Clients:            r.hub.ClientCount(),
		Sessions:           r.hub.sessions.Count(),
		CacheEntries:       enc.Entries,
		Fulls:              enc.Fulls,
		Deltas:             enc.Deltas,
		Fallbacks:          enc.Fallbacks,
		Evicted:            enc.Evicted,
		MessagesSent:       ws.MessagesSent,
		MessagesCompressed: ws.MessagesCompressed,
		BytesOriginal:      ws.BytesOriginal,
		BytesSent:          ws.BytesSent,
		BytesSaved:         ws.BytesSaved,
	}
}

// Record writes one snapshot and prunes old ones
func (r *StatsRecorder) Record(ctx context.Context) error {
	if _, err := r.db.InsertSnapshot(ctx, r.Snapshot()); err != nil {
		return err
	}
	_, err := r.db.PruneSnapshots(ctx, r.now().Add(-retention))
	return err
}

// Run records on every interval until ctx is done, then writes a final snapshot
func (r *StatsRecorder) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := r.Record(ctx); err != nil {
				r.log.Error().Err(err).Msg("record stats")
			}
		case <-ctx.Done():
			// ctx is already cancelled; the last write gets its own deadline
			final, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.Record(final); err != nil {
				r.log.Error().Err(err).Msg("record final stats")
			}
			return nil
		}
	}
}
