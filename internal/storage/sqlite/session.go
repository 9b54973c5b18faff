package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

const sessionColumns = `id, project_id, directory, title, version, parent_id, fork_point,
	model, reasoning_effort, plugins, bypass_mode, run_timeout_seconds, token_count,
	created_at, updated_at, archived_at, revert`

// SaveSession inserts or replaces a session.
func (s *Store) SaveSession(ctx context.Context, session *sessionmodels.Session) error {
	pluginsJSON := "[]"
	if session.Plugins != nil {
		b, err := json.Marshal(session.Plugins)
		if err != nil {
			return fmt.Errorf("failed to serialize plugins: %w", err)
		}
		pluginsJSON = string(b)
	}

	var revertJSON sql.NullString
	if session.Revert != nil {
		b, err := json.Marshal(session.Revert)
		if err != nil {
			return fmt.Errorf("failed to serialize revert: %w", err)
		}
		revertJSON = sql.NullString{String: string(b), Valid: true}
	}

	var archivedAt sql.NullTime
	if session.Time.Archived != nil {
		archivedAt = sql.NullTime{Time: *session.Time.Archived, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (`+sessionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			directory = excluded.directory,
			title = excluded.title,
			version = excluded.version,
			parent_id = excluded.parent_id,
			fork_point = excluded.fork_point,
			model = excluded.model,
			reasoning_effort = excluded.reasoning_effort,
			plugins = excluded.plugins,
			bypass_mode = excluded.bypass_mode,
			run_timeout_seconds = excluded.run_timeout_seconds,
			token_count = excluded.token_count,
			updated_at = excluded.updated_at,
			archived_at = excluded.archived_at,
			revert = excluded.revert
	`, session.ID, session.ProjectID, session.Directory, session.Title, session.Version,
		session.ParentID, session.ForkPoint, session.Model, string(session.ReasoningEffort),
		pluginsJSON, boolToInt(session.BypassMode), session.RunTimeoutSeconds, session.TokenCount,
		session.Time.Created, session.Time.Updated, archivedAt, revertJSON)
	return err
}

// GetSession returns the session, or (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*sessionmodels.Session, error) {
	row := s.ro.QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions WHERE id = ?
	`, id)
	session, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return session, err
}

// ListSessions returns all sessions.
func (s *Store) ListSessions(ctx context.Context) ([]*sessionmodels.Session, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM sessions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	result := make([]*sessionmodels.Session, 0)
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, session)
	}
	return result, rows.Err()
}

// DeleteSession removes the session; messages, parts and snapshot history
// follow via FK cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// GetSnapshotHistory returns the session's ordered snapshot handles.
func (s *Store) GetSnapshotHistory(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT snapshot FROM snapshot_history WHERE session_id = ? ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	history := make([]string, 0)
	for rows.Next() {
		var snapshot string
		if err := rows.Scan(&snapshot); err != nil {
			return nil, err
		}
		history = append(history, snapshot)
	}
	return history, rows.Err()
}

// SetSnapshotHistory replaces the session's snapshot history.
func (s *Store) SetSnapshotHistory(ctx context.Context, sessionID string, history []string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_history WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	for i, snapshot := range history {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_history (session_id, position, snapshot) VALUES (?, ?, ?)
		`, sessionID, i, snapshot); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// rowScanner covers *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*sessionmodels.Session, error) {
	session := &sessionmodels.Session{}
	var (
		reasoningEffort string
		pluginsJSON     string
		bypassMode      int
		archivedAt      sql.NullTime
		revertJSON      sql.NullString
	)
	err := row.Scan(&session.ID, &session.ProjectID, &session.Directory, &session.Title,
		&session.Version, &session.ParentID, &session.ForkPoint, &session.Model,
		&reasoningEffort, &pluginsJSON, &bypassMode, &session.RunTimeoutSeconds,
		&session.TokenCount, &session.Time.Created, &session.Time.Updated,
		&archivedAt, &revertJSON)
	if err != nil {
		return nil, err
	}

	session.ReasoningEffort = sessionmodels.ReasoningEffort(reasoningEffort)
	session.BypassMode = bypassMode == 1
	if archivedAt.Valid {
		t := archivedAt.Time
		session.Time.Archived = &t
	}
	if pluginsJSON != "" && pluginsJSON != "[]" {
		if err := json.Unmarshal([]byte(pluginsJSON), &session.Plugins); err != nil {
			return nil, fmt.Errorf("failed to deserialize plugins: %w", err)
		}
	}
	if revertJSON.Valid {
		revert := &sessionmodels.Revert{}
		if err := json.Unmarshal([]byte(revertJSON.String), revert); err != nil {
			return nil, fmt.Errorf("failed to deserialize revert: %w", err)
		}
		session.Revert = revert
	}
	return session, nil
}
