package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

const (
	deviceKeyCurrentID = "current_app_user_id"
	deviceKeyLegacyID  = "legacy_app_user_id"
)

// SQLiteStore is a sqlite-backed Store. It keeps a single-writer connection
// pool with WAL mode so reads from the cache path do not block writes from
// the refresh path.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the device database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	// Pragmas in the DSN so every pool connection is configured
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(5000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
		},
	}.Encode()
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open device database: %w", err)
	}

	// SQLite works best with a single writer
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &SQLiteStore{db: db, path: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	log.Debug().Str("path", dbPath).Msg("Device store opened")
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS device (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS subscriber_cache (
		app_user_id TEXT PRIMARY KEY,
		snapshot BLOB,
		fetched_at INTEGER
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLiteStore) deviceValue(key string) (string, bool) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM device WHERE key = ?`, key).Scan(&value)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("key", key).Msg("Device store read failed")
		}
		return "", false
	}
	return value, true
}

// CurrentID returns the persisted current app user id, if any.
func (s *SQLiteStore) CurrentID() (string, bool) {
	return s.deviceValue(deviceKeyCurrentID)
}

// LegacyID returns the persisted legacy-format anonymous id, if any.
func (s *SQLiteStore) LegacyID() (string, bool) {
	return s.deviceValue(deviceKeyLegacyID)
}

// SetCurrentID durably records id as the current app user id.
func (s *SQLiteStore) SetCurrentID(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO device (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		deviceKeyCurrentID, id)
	return err
}

// SetLegacyID records a legacy-format anonymous id. Used by migration paths
// and tests; the managers only ever read it.
func (s *SQLiteStore) SetLegacyID(id string) error {
	_, err := s.db.Exec(
		`INSERT INTO device (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		deviceKeyLegacyID, id)
	return err
}

// SnapshotBytes returns the cached snapshot bytes for appUserID, if any.
func (s *SQLiteStore) SnapshotBytes(appUserID string) ([]byte, bool) {
	var data []byte
	err := s.db.QueryRow(
		`SELECT snapshot FROM subscriber_cache WHERE app_user_id = ?`,
		appUserID).Scan(&data)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("appUserID", appUserID).Msg("Snapshot read failed")
		}
		return nil, false
	}
	if data == nil {
		return nil, false
	}
	return data, true
}

// SetSnapshotBytes stores snapshot bytes for appUserID.
func (s *SQLiteStore) SetSnapshotBytes(appUserID string, data []byte) error {
	_, err := s.db.Exec(
		`INSERT INTO subscriber_cache (app_user_id, snapshot) VALUES (?, ?)
		 ON CONFLICT(app_user_id) DO UPDATE SET snapshot = excluded.snapshot`,
		appUserID, data)
	return err
}

// ClearSnapshot removes the cached snapshot bytes for appUserID.
func (s *SQLiteStore) ClearSnapshot(appUserID string) error {
	_, err := s.db.Exec(
		`UPDATE subscriber_cache SET snapshot = NULL WHERE app_user_id = ?`,
		appUserID)
	return err
}

// Timestamp returns the last fetch timestamp for appUserID, if any.
func (s *SQLiteStore) Timestamp(appUserID string) (time.Time, bool) {
	var millis sql.NullInt64
	err := s.db.QueryRow(
		`SELECT fetched_at FROM subscriber_cache WHERE app_user_id = ?`,
		appUserID).Scan(&millis)
	if err != nil {
		if !errors.Is(err, sql.ErrNoRows) {
			log.Warn().Err(err).Str("appUserID", appUserID).Msg("Timestamp read failed")
		}
		return time.Time{}, false
	}
	if !millis.Valid {
		return time.Time{}, false
	}
	return time.UnixMilli(millis.Int64), true
}

// SetTimestamp records when a fetch for appUserID last started.
func (s *SQLiteStore) SetTimestamp(appUserID string, t time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO subscriber_cache (app_user_id, fetched_at) VALUES (?, ?)
		 ON CONFLICT(app_user_id) DO UPDATE SET fetched_at = excluded.fetched_at`,
		appUserID, t.UnixMilli())
	return err
}

// ClearTimestamp removes the fetch timestamp for appUserID.
func (s *SQLiteStore) ClearTimestamp(appUserID string) error {
	_, err := s.db.Exec(
		`UPDATE subscriber_cache SET fetched_at = NULL WHERE app_user_id = ?`,
		appUserID)
	return err
}

// ClearUserState removes all state scoped to oldID and records newID as the
// current app user id in one transaction.
func (s *SQLiteStore) ClearUserState(oldID, newID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM subscriber_cache WHERE app_user_id = ?`, oldID); err != nil {
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO device (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		deviceKeyCurrentID, newID); err != nil {
		return err
	}
	return tx.Commit()
}

// Close releases the underlying database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
