package storage

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// DefaultQuota mirrors the practical limit of browser local storage.
const DefaultQuota int64 = 5 << 20

// Store is a quota-bounded key-value store backed by SQLite.
type Store struct {
	db    *sql.DB
	quota int64
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
// quota bounds the total size of all values; quota <= 0 uses DefaultQuota.
func Open(dataDir string, quota int64) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "echoes.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: ":memory:" databases are per-connection, and the quota
	// check below relies on serialised writers.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	if quota <= 0 {
		quota = DefaultQuota
	}
	s := &Store{db: db, quota: quota}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Quota returns the configured size bound in bytes.
func (s *Store) Quota() int64 { return s.quota }

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Key-value ---

// Get returns the value stored under key, or ErrNotFound.
func (s *Store) Get(key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRow("SELECT value FROM kv WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return value, nil
}

// Set stores value under key. It fails with ErrQuotaExceeded, leaving the
// previous value in place, when the write would push the total size of all
// values past the quota.
func (s *Store) Set(key string, value []byte) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning write of %s: %w", key, err)
	}
	defer tx.Rollback()

	var used, existing int64
	if err := tx.QueryRow("SELECT COALESCE(SUM(size), 0) FROM kv").Scan(&used); err != nil {
		return fmt.Errorf("measuring usage: %w", err)
	}
	err = tx.QueryRow("SELECT size FROM kv WHERE key = ?", key).Scan(&existing)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("reading size of %s: %w", key, err)
	}

	size := int64(len(key) + len(value))
	if used-existing+size > s.quota {
		return fmt.Errorf("writing %s (%d bytes, %d of %d used): %w", key, size, used, s.quota, ErrQuotaExceeded)
	}

	if value == nil {
		value = []byte{}
	}
	if _, err := tx.Exec(`
		INSERT INTO kv (key, value, size, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, size = excluded.size, updated_at = excluded.updated_at`,
		key, value, size, time.Now().UTC().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("writing %s: %w", key, err)
	}
	return tx.Commit()
}

// Remove deletes key. Removing an absent key is not an error.
func (s *Store) Remove(key string) error {
	if _, err := s.db.Exec("DELETE FROM kv WHERE key = ?", key); err != nil {
		return fmt.Errorf("removing %s: %w", key, err)
	}
	return nil
}

// Keys returns all keys starting with prefix in ascending order.
func (s *Store) Keys(prefix string) ([]string, error) {
	rows, err := s.db.Query(`SELECT key FROM kv WHERE substr(key, 1, ?) = ? ORDER BY key ASC`, len(prefix), prefix)
	if err != nil {
		return nil, fmt.Errorf("listing keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Usage returns the bytes currently counted against the quota.
func (s *Store) Usage() (int64, error) {
	var used int64
	if err := s.db.QueryRow("SELECT COALESCE(SUM(size), 0) FROM kv").Scan(&used); err != nil {
		return 0, fmt.Errorf("measuring usage: %w", err)
	}
	return used, nil
}

// --- Settings ---

// SetSetting upserts a small user preference. Settings do not count against
// the quota.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC().Format(time.RFC3339),
	)
	return err
}

// GetSetting returns a stored preference or ErrNotFound.
func (s *Store) GetSetting(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return value, err
}
