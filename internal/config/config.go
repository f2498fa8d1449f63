// Package config provides the process's restart-durable configuration
// store: feature-flag overrides and the relay-credential cache. This is
// deliberately not shard presence state — WorldShard never persists
// anything — it is ordinary process configuration.
//
// Migrations: SQL statements live in the [migrations] slice as ordered
// strings, each applied exactly once, with the applied version tracked in
// a schema_migrations table. Append a new migration — never edit or
// reorder existing entries.
package config

import (
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — feature flag overrides
	`CREATE TABLE IF NOT EXISTS feature_flags (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — cached relay-server credentials
	`CREATE TABLE IF NOT EXISTS relay_credential_cache (
		id         INTEGER PRIMARY KEY CHECK (id = 1),
		ice_json   TEXT NOT NULL,
		expires_at INTEGER NOT NULL
	)`,
}

// Store is the SQLite-backed configuration store.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("config: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		log.Printf("[config] WAL mode: %v (non-fatal)", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[config] busy_timeout: %v (non-fatal)", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("config: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
		log.Printf("[config] applied migration v%d", v)
	}
	return nil
}

// FeatureFlag returns the stored override for key, if any. ok is false
// when no override exists (the caller should fall back to its built-in
// default).
func (s *Store) FeatureFlag(key string) (value string, ok bool, err error) {
	err = s.db.QueryRow(`SELECT value FROM feature_flags WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// SetFeatureFlag upserts a feature flag override.
func (s *Store) SetFeatureFlag(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO feature_flags(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// CachedRelayCredentials returns the cached ICE server JSON blob; ok is
// true only if a non-expired entry exists.
func (s *Store) CachedRelayCredentials(now time.Time) (iceJSON string, ok bool, err error) {
	var expiresAt int64
	err = s.db.QueryRow(
		`SELECT ice_json, expires_at FROM relay_credential_cache WHERE id = 1`,
	).Scan(&iceJSON, &expiresAt)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	if now.Unix() >= expiresAt {
		return "", false, nil
	}
	return iceJSON, true, nil
}

// SetCachedRelayCredentials overwrites the single cache row.
func (s *Store) SetCachedRelayCredentials(iceJSON string, expiresAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT INTO relay_credential_cache(id, ice_json, expires_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET ice_json = excluded.ice_json, expires_at = excluded.expires_at`,
		iceJSON, expiresAt.Unix(),
	)
	return err
}
