package main

import (
	"context"
	"database/sql"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite database connection
type DB struct {
	conn *sql.DB
}

// SyncSnapshot is one periodic sample of the sync pipeline's counters
type SyncSnapshot struct {
	ID                 int64     `json:"id"`
	TakenAt            time.Time `json:"takenAt"`
	Clients            int       `json:"clients"`
	Sessions           int       `json:"sessions"`
	CacheEntries       int       `json:"cacheEntries"`
	Fulls              uint64    `json:"fulls"`
	Deltas             uint64    `json:"deltas"`
	Fallbacks          uint64    `json:"fallbacks"`
	Evicted            uint64    `json:"evicted"`
	MessagesSent       uint64    `json:"messagesSent"`
	MessagesCompressed uint64    `json:"messagesCompressed"`
	BytesOriginal      uint64    `json:"bytesOriginal"`
	BytesSent          uint64    `json:"bytesSent"`
	BytesSaved         uint64    `json:"bytesSaved"`
}

// OpenDB opens (or creates) the SQLite database
func OpenDB(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, eris.Wrapf(err, "open %s", path)
	}

	// Enable WAL mode for better concurrency
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, eris.Wrap(err, "enable wal")
	}

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.conn.Close()
}

// migrate creates tables if they don't exist
func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sync_stats (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		taken_at INTEGER NOT NULL,
		clients INTEGER NOT NULL DEFAULT 0,
		sessions INTEGER NOT NULL DEFAULT 0,
		cache_entries INTEGER NOT NULL DEFAULT 0,
		fulls INTEGER NOT NULL DEFAULT 0,
		deltas INTEGER NOT NULL DEFAULT 0,
		fallbacks INTEGER NOT NULL DEFAULT 0,
		evicted INTEGER NOT NULL DEFAULT 0,
		messages_sent INTEGER NOT NULL DEFAULT 0,
		messages_compressed INTEGER NOT NULL DEFAULT 0,
		bytes_original INTEGER NOT NULL DEFAULT 0,
		bytes_sent INTEGER NOT NULL DEFAULT 0,
		bytes_saved INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_sync_stats_taken ON sync_stats(taken_at);
	`
	_, err := db.conn.Exec(schema)
	return eris.Wrap(err, "migrate")
}

// InsertSnapshot stores s and returns its row id
func (db *DB) InsertSnapshot(ctx context.Context, s SyncSnapshot) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `
		INSERT INTO sync_stats (taken_at, clients, sessions, cache_entries, fulls, deltas, fallbacks, evicted,
			messages_sent, messages_compressed, bytes_original, bytes_sent, bytes_saved)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.TakenAt.UnixMilli(), s.Clients, s.Sessions, s.CacheEntries,
		int64(s.Fulls), int64(s.Deltas), int64(s.Fallbacks), int64(s.Evicted),
		int64(s.MessagesSent), int64(s.MessagesCompressed),
		int64(s.BytesOriginal), int64(s.BytesSent), int64(s.BytesSaved),
	)
	if err != nil {
		return 0, eris.Wrap(err, "insert snapshot")
	}
	id, err := res.LastInsertId()
	return id, eris.Wrap(err, "snapshot id")
}

// RecentSnapshots returns up to limit snapshots, newest first
func (db *DB) RecentSnapshots(ctx context.Context, limit int) ([]SyncSnapshot, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT id, taken_at, clients, sessions, cache_entries, fulls, deltas, fallbacks, evicted,
			messages_sent, messages_compressed, bytes_original, bytes_sent, bytes_saved
		FROM sync_stats ORDER BY taken_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "query snapshots")
	}
	defer rows.Close()

	var out []SyncSnapshot
	for rows.Next() {
		var (
			s       SyncSnapshot
			takenAt int64
		)
		if err := rows.Scan(&s.ID, &takenAt, &s.Clients, &s.Sessions, &s.CacheEntries,
			&s.Fulls, &s.Deltas, &s.Fallbacks, &s.Evicted,
			&s.MessagesSent, &s.MessagesCompressed, &s.BytesOriginal, &s.BytesSent, &s.BytesSaved); err != nil {
			return nil, eris.Wrap(err, "scan snapshot")
		}
		s.TakenAt = time.UnixMilli(takenAt).UTC()
		out = append(out, s)
	}
	return out, eris.Wrap(rows.Err(), "iterate snapshots")
}

// PruneSnapshots deletes snapshots taken before cutoff
func (db *DB) PruneSnapshots(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sync_stats WHERE taken_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, eris.Wrap(err, "prune snapshots")
	}
	n, err := res.RowsAffected()
	return n, eris.Wrap(err, "pruned rows")
}
