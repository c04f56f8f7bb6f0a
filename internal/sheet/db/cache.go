package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zorgoalex/API-with-Auth0-for-GoogleTable/internal/sheet/schema"
)

// Snapshot is the last table state a client applied.
type Snapshot struct {
	Records     []schema.Record
	Fingerprint string
	FetchedAt   time.Time
}

// SaveSnapshot stores the snapshot under key, replacing any previous one.
func (db *DB) SaveSnapshot(key string, snap Snapshot) error {
	return db.SaveSnapshotContext(context.Background(), key, snap)
}

// SaveSnapshotContext stores the snapshot with context support.
func (db *DB) SaveSnapshotContext(ctx context.Context, key string, snap Snapshot) error {
	records := snap.Records
	if records == nil {
		records = []schema.Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	query := db.rebind(`
	INSERT INTO snapshot_cache (cache_key, records, fingerprint, fetched_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT (cache_key) DO UPDATE SET
		records = excluded.records,
		fingerprint = excluded.fingerprint,
		fetched_at = excluded.fetched_at
	`)
	_, err = db.conn.ExecContext(ctx, query, key, string(raw), snap.Fingerprint, snap.FetchedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the snapshot stored under key. ok is false when
// nothing has been cached yet.
func (db *DB) LoadSnapshot(key string) (Snapshot, bool, error) {
	return db.LoadSnapshotContext(context.Background(), key)
}

// LoadSnapshotContext loads a snapshot with context support.
func (db *DB) LoadSnapshotContext(ctx context.Context, key string) (Snapshot, bool, error) {
	var raw, fp, fetched string
	err := db.conn.QueryRowContext(ctx,
		db.rebind(`SELECT records, fingerprint, fetched_at FROM snapshot_cache WHERE cache_key = ?`), key,
	).Scan(&raw, &fp, &fetched)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to load snapshot: %w", err)
	}

	var records []schema.Record
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to decode snapshot: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, fetched)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("failed to parse snapshot time: %w", err)
	}
	return Snapshot{Records: records, Fingerprint: fp, FetchedAt: at}, true, nil
}
