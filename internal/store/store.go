// Package store keeps server state in SQLite: each user's settings
// document (already sealed by the settings service) and small
// namespaced values such as poll marks and job run times.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// migrations run in order; PRAGMA user_version records how many have
// been applied. Append only.
var migrations = []string{
	`CREATE TABLE user_settings (
		user_id    TEXT PRIMARY KEY,
		data       TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`,
	`CREATE TABLE operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		PRIMARY KEY (namespace, key)
	)`,
}

// DB is safe for concurrent use.
type DB struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens or creates the database at path and brings its schema
// up to date.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", "file:"+path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return &DB{db: db, now: time.Now}, nil
}

func migrate(db *sql.DB) error {
	var version int
	if err := db.QueryRow(`PRAGMA user_version`).Scan(&version); err != nil {
		return err
	}
	if version > len(migrations) {
		return fmt.Errorf("schema version %d is newer than this binary (%d)", version, len(migrations))
	}
	for i := version; i < len(migrations); i++ {
		tx, err := db.Begin()
		if err != nil {
			return err
		}
		if _, err := tx.Exec(migrations[i]); err != nil {
			tx.Rollback()
			return fmt.Errorf("step %d: %w", i+1, err)
		}
		// PRAGMA does not take bind parameters.
		if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version = %d`, i+1)); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (s *DB) Close() error { return s.db.Close() }

func (s *DB) stamp() string { return s.now().UTC().Format(time.RFC3339) }

// Settings returns userID's document and when it was written. ok is
// false if the user has none.
func (s *DB) Settings(userID string) (data []byte, updated time.Time, ok bool, err error) {
	var ts string
	err = s.db.QueryRow(`SELECT data, updated_at FROM user_settings WHERE user_id = ?`, userID).Scan(&data, &ts)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, time.Time{}, false, nil
	case err != nil:
		return nil, time.Time{}, false, fmt.Errorf("settings %s: %w", userID, err)
	}
	updated, _ = time.Parse(time.RFC3339, ts)
	return data, updated, true, nil
}

// PutSettings stores data as userID's whole document.
func (s *DB) PutSettings(userID string, data []byte) error {
	_, err := s.db.Exec(`INSERT INTO user_settings (user_id, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, string(data), s.stamp())
	if err != nil {
		return fmt.Errorf("put settings %s: %w", userID, err)
	}
	return nil
}

// DeleteSettings drops userID's document if there is one.
func (s *DB) DeleteSettings(userID string) error {
	if _, err := s.db.Exec(`DELETE FROM user_settings WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("delete settings %s: %w", userID, err)
	}
	return nil
}

// State returns the value stored under namespace/key, or "".
func (s *DB) State(namespace, key string) (string, error) {
	var v string
	err := s.db.QueryRow(`SELECT value FROM operational_state WHERE namespace = ? AND key = ?`, namespace, key).Scan(&v)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("state %s/%s: %w", namespace, key, err)
	}
	return v, nil
}

// SetState stores value under namespace/key.
func (s *DB) SetState(namespace, key, value string) error {
	_, err := s.db.Exec(`INSERT INTO operational_state (namespace, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (namespace, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		namespace, key, value, s.stamp())
	if err != nil {
		return fmt.Errorf("set state %s/%s: %w", namespace, key, err)
	}
	return nil
}
