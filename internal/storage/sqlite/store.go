// Package sqlite provides the SQLite-backed persistent store.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// readerConns is the number of concurrent read connections. WAL mode
	// allows many readers alongside the single writer.
	readerConns = 4
)

// Store persists sessions, messages and snapshot history in SQLite using
// separate writer and reader pools.
type Store struct {
	db     *sqlx.DB // writer, single connection
	ro     *sqlx.DB // reader pool
	ownsDB bool
}

// New opens the database at path, creating file and schema as needed.
func New(path string) (*Store, error) {
	writer, err := openWriter(path)
	if err != nil {
		return nil, err
	}
	reader, err := openReader(path)
	if err != nil {
		_ = writer.Close()
		return nil, err
	}
	return newStore(sqlx.NewDb(writer, "sqlite3"), sqlx.NewDb(reader, "sqlite3"), true)
}

// NewWithDB creates a store over existing connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Store, error) {
	return newStore(writer, reader, false)
}

func newStore(writer, reader *sqlx.DB, ownsDB bool) (*Store, error) {
	s := &Store{db: writer, ro: reader, ownsDB: ownsDB}
	if err := s.initSchema(); err != nil {
		if ownsDB {
			_ = writer.Close()
			_ = reader.Close()
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes both pools when the store owns them.
func (s *Store) Close() error {
	if !s.ownsDB {
		return nil
	}
	err := s.db.Close()
	if roErr := s.ro.Close(); roErr != nil && err == nil {
		err = roErr
	}
	return err
}

// openWriter opens the single-connection write pool.
//
// DSN settings:
//   - foreign_keys=on: delete cascades depend on FK enforcement.
//   - busy_timeout: wait briefly on locks instead of failing with SQLITE_BUSY.
//   - journal_mode=WAL: readers proceed concurrently with the writer.
//   - synchronous=NORMAL: durability/perf tradeoff suited to app workloads.
func openWriter(path string) (*sql.DB, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}
	if err := ensureFile(normalized); err != nil {
		return nil, fmt.Errorf("failed to create database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer connection serializes writes.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

// openReader opens the read-only pool. journal_mode and synchronous are
// database-level settings established by the writer.
func openReader(path string) (*sql.DB, error) {
	normalized, err := normalizePath(path)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d",
		normalized,
		int(busyTimeout/time.Millisecond),
	)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	db.SetMaxOpenConns(readerConns)
	db.SetMaxIdleConns(readerConns)
	return db, nil
}

func normalizePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to resolve database path: %w", err)
	}
	if dir := filepath.Dir(abs); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database directory: %w", err)
		}
	}
	return abs, nil
}

func ensureFile(path string) error {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	return f.Close()
}
