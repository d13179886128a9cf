package sqlite

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tutu-network/conductor/internal/domain"
)

const (
	snapshotKey        = "scheduler"
	corruptSnapshotKey = "scheduler.corrupt"
)

// SaveSnapshot replaces the persisted scheduler snapshot.
func (d *DB) SaveSnapshot(snap domain.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = d.db.Exec(
		`INSERT INTO scheduler_state (key, value, saved_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, saved_at=excluded.saved_at`,
		snapshotKey, string(data), snap.SavedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// LoadSnapshot returns the persisted snapshot, or (nil, nil) if none was
// saved. A document that does not decode is copied to the scheduler.corrupt
// key and reported as ErrSnapshotCorrupt.
func (d *DB) LoadSnapshot() (*domain.Snapshot, error) {
	var value string
	err := d.db.QueryRow(`SELECT value FROM scheduler_state WHERE key = ?`, snapshotKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var snap domain.Snapshot
	if err := json.Unmarshal([]byte(value), &snap); err != nil {
		if _, serr := d.db.Exec(
			`INSERT INTO scheduler_state (key, value, saved_at) VALUES (?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value=excluded.value, saved_at=excluded.saved_at`,
			corruptSnapshotKey, value, time.Now().UnixMilli(),
		); serr != nil {
			return nil, fmt.Errorf("keep corrupt snapshot: %w", serr)
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrSnapshotCorrupt, err)
	}
	return &snap, nil
}

// SnapshotSavedAt returns when the snapshot was last written, zero if never.
func (d *DB) SnapshotSavedAt() (time.Time, error) {
	var ms int64
	err := d.db.QueryRow(`SELECT saved_at FROM scheduler_state WHERE key = ?`, snapshotKey).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return fromUnixMilli(ms), nil
}
