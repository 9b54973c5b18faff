package sqlite

import (
	"database/sql"
	"fmt"
)

// initSchema creates tables if they don't exist and applies column
// migrations for databases created by earlier releases.
func (s *Store) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL DEFAULT 'default',
			directory TEXT NOT NULL,
			title TEXT NOT NULL,
			version TEXT NOT NULL,
			parent_id TEXT NOT NULL DEFAULT '',
			fork_point TEXT NOT NULL DEFAULT '',
			model TEXT NOT NULL DEFAULT '',
			reasoning_effort TEXT NOT NULL DEFAULT '',
			plugins TEXT NOT NULL DEFAULT '[]',
			bypass_mode INTEGER NOT NULL DEFAULT 0,
			token_count INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			archived_at TIMESTAMP,
			revert TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMP NOT NULL,
			completed_at TIMESTAMP,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS parts (
			id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			payload TEXT NOT NULL,
			PRIMARY KEY (session_id, message_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS snapshot_history (
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			position INTEGER NOT NULL,
			snapshot TEXT NOT NULL,
			PRIMARY KEY (session_id, position)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_session_order ON messages(session_id, sort_order)`,
		`CREATE INDEX IF NOT EXISTS idx_parts_session_message ON parts(session_id, message_id, sort_order)`,
	}
	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return s.runMigrations()
}

// runMigrations applies additive column changes to existing databases.
func (s *Store) runMigrations() error {
	// run_timeout_seconds arrived after the initial schema.
	return ensureColumn(s.db.DB, "sessions", "run_timeout_seconds", "INTEGER NOT NULL DEFAULT 0")
}

// ensureColumn adds a column to a table if it doesn't exist.
func ensureColumn(db *sql.DB, table, column, definition string) error {
	exists, err := columnExists(db, table, column)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	_, err = db.Exec(fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, definition))
	return err
}

// columnExists checks if a column exists in a table.
func columnExists(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return false, err
	}
	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		var cid int
		var name, colType string
		var notNull int
		var defaultValue sql.NullString
		var pk int
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultValue, &pk); err != nil {
			return false, err
		}
		if name == column {
			return true, nil
		}
	}
	return false, rows.Err()
}

// boolToInt converts a boolean for SQLite storage.
func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
