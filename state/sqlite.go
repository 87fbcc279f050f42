package state

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS kernel_state (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	data       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS snapshots (
	name       TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	created_at TEXT NOT NULL
);
`

// SQLiteBackend persists state in a single SQLite database file. It
// keeps the same JSON document shape as FileBackend but gains
// transactional writes and queryable snapshot history.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if needed) the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("state: opening %s: %w", path, err)
	}
	// the database is only touched from the kernel's checkpoint path
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("state: initializing schema: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

func (s *SQLiteBackend) SaveCurrent(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO kernel_state (id, data, updated_at) VALUES (1, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		string(data), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteBackend) LoadCurrent() (*Snapshot, error) {
	return s.scanOne(`SELECT data FROM kernel_state WHERE id = 1`)
}

func (s *SQLiteBackend) SaveSnapshot(name string, snap *Snapshot) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("state: encoding: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO snapshots (name, data, created_at) VALUES (?, ?, ?)
		 ON CONFLICT (name) DO UPDATE SET data = excluded.data, created_at = excluded.created_at`,
		name, string(data), time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

func (s *SQLiteBackend) LoadSnapshot(name string) (*Snapshot, error) {
	if err := validateSnapshotName(name); err != nil {
		return nil, err
	}
	return s.scanOne(`SELECT data FROM snapshots WHERE name = ?`, name)
}

func (s *SQLiteBackend) ListSnapshots() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM snapshots ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLiteBackend) DeleteSnapshot(name string) error {
	if err := validateSnapshotName(name); err != nil {
		return err
	}
	result, err := s.db.Exec(`DELETE FROM snapshots WHERE name = ?`, name)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteBackend) Close() error { return s.db.Close() }

func (s *SQLiteBackend) scanOne(query string, args ...any) (*Snapshot, error) {
	var data string
	err := s.db.QueryRow(query, args...).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("state: decoding: %w", err)
	}
	return &snap, nil
}
