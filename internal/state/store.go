// Package state persists the last published device snapshots and the
// per-device position ledger in SQLite, so a restart serves known
// positions immediately instead of waiting out a full poll cycle.
package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/magicstartrace/micloud-bridge/internal/micloud"
)

// Store persists coordinator state in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates a state store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate state: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS device_snapshots (
			imei     TEXT PRIMARY KEY,
			seq      INTEGER NOT NULL,
			data     TEXT NOT NULL,
			saved_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return err
	}
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS position_ledger (
			imei        TEXT PRIMARY KEY,
			fix_time_ms INTEGER NOT NULL
		)
	`)
	return err
}

// Save replaces the stored snapshot set wholesale and upserts the
// ledger. The snapshot order is preserved through the seq column.
func (s *Store) Save(snaps []micloud.Snapshot, ledger map[string]int64) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM device_snapshots`); err != nil {
		return err
	}
	for i, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot %s: %w", snap.IMEI, err)
		}
		if _, err := tx.Exec(
			`INSERT INTO device_snapshots (imei, seq, data) VALUES (?, ?, ?)`,
			snap.IMEI, i, string(data),
		); err != nil {
			return err
		}
	}

	for imei, ms := range ledger {
		if _, err := tx.Exec(
			`INSERT INTO position_ledger (imei, fix_time_ms) VALUES (?, ?)
			 ON CONFLICT(imei) DO UPDATE SET fix_time_ms = excluded.fix_time_ms`,
			imei, ms,
		); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// Load returns the stored snapshots in their original order along with
// the full position ledger. An empty database yields empty results,
// not an error.
func (s *Store) Load() ([]micloud.Snapshot, map[string]int64, error) {
	rows, err := s.db.Query(`SELECT data FROM device_snapshots ORDER BY seq ASC`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var snaps []micloud.Snapshot
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, nil, err
		}
		var snap micloud.Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			return nil, nil, fmt.Errorf("decode stored snapshot: %w", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	lrows, err := s.db.Query(`SELECT imei, fix_time_ms FROM position_ledger`)
	if err != nil {
		return nil, nil, err
	}
	defer lrows.Close()

	ledger := make(map[string]int64)
	for lrows.Next() {
		var imei string
		var ms int64
		if err := lrows.Scan(&imei, &ms); err != nil {
			return nil, nil, err
		}
		ledger[imei] = ms
	}
	return snaps, ledger, lrows.Err()
}
