// Package postgres provides the PostgreSQL-backed persistent store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/tandemhq/tandem/internal/common/database"
	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// Store persists sessions, messages and snapshot history in PostgreSQL.
type Store struct {
	db *database.DB
}

// New creates the store and ensures the schema exists.
func New(ctx context.Context, db *database.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
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
			plugins JSONB NOT NULL DEFAULT '[]',
			bypass_mode BOOLEAN NOT NULL DEFAULT FALSE,
			run_timeout_seconds INTEGER NOT NULL DEFAULT 0,
			token_count BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			archived_at TIMESTAMPTZ,
			revert JSONB
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			model TEXT NOT NULL DEFAULT '',
			provider TEXT NOT NULL DEFAULT '',
			input_tokens BIGINT NOT NULL DEFAULT 0,
			output_tokens BIGINT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			PRIMARY KEY (session_id, id)
		)`,
		`CREATE TABLE IF NOT EXISTS parts (
			id TEXT NOT NULL,
			message_id TEXT NOT NULL,
			session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
			type TEXT NOT NULL,
			sort_order INTEGER NOT NULL,
			payload JSONB NOT NULL,
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
		if _, err := s.db.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// SaveSession inserts or replaces a session.
func (s *Store) SaveSession(ctx context.Context, session *sessionmodels.Session) error {
	pluginsJSON, err := json.Marshal(session.Plugins)
	if err != nil {
		return fmt.Errorf("failed to serialize plugins: %w", err)
	}
	if session.Plugins == nil {
		pluginsJSON = []byte("[]")
	}

	var revertJSON []byte
	if session.Revert != nil {
		revertJSON, err = json.Marshal(session.Revert)
		if err != nil {
			return fmt.Errorf("failed to serialize revert: %w", err)
		}
	}

	_, err = s.db.Exec(ctx, `
		INSERT INTO sessions (id, project_id, directory, title, version, parent_id, fork_point,
			model, reasoning_effort, plugins, bypass_mode, run_timeout_seconds, token_count,
			created_at, updated_at, archived_at, revert)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (id) DO UPDATE SET
			project_id = EXCLUDED.project_id,
			directory = EXCLUDED.directory,
			title = EXCLUDED.title,
			version = EXCLUDED.version,
			parent_id = EXCLUDED.parent_id,
			fork_point = EXCLUDED.fork_point,
			model = EXCLUDED.model,
			reasoning_effort = EXCLUDED.reasoning_effort,
			plugins = EXCLUDED.plugins,
			bypass_mode = EXCLUDED.bypass_mode,
			run_timeout_seconds = EXCLUDED.run_timeout_seconds,
			token_count = EXCLUDED.token_count,
			updated_at = EXCLUDED.updated_at,
			archived_at = EXCLUDED.archived_at,
			revert = EXCLUDED.revert
	`, session.ID, session.ProjectID, session.Directory, session.Title, session.Version,
		session.ParentID, session.ForkPoint, session.Model, string(session.ReasoningEffort),
		pluginsJSON, session.BypassMode, session.RunTimeoutSeconds, session.TokenCount,
		session.Time.Created, session.Time.Updated, session.Time.Archived, revertJSON)
	return err
}

// GetSession returns the session, or (nil, nil) when absent.
func (s *Store) GetSession(ctx context.Context, id string) (*sessionmodels.Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, project_id, directory, title, version, parent_id, fork_point,
			model, reasoning_effort, plugins, bypass_mode, run_timeout_seconds, token_count,
			created_at, updated_at, archived_at, revert
		FROM sessions WHERE id = $1
	`, id)
	session, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return session, err
}

// ListSessions returns all sessions.
func (s *Store) ListSessions(ctx context.Context) ([]*sessionmodels.Session, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, project_id, directory, title, version, parent_id, fork_point,
			model, reasoning_effort, plugins, bypass_mode, run_timeout_seconds, token_count,
			created_at, updated_at, archived_at, revert
		FROM sessions ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// DeleteSession removes the session; owned rows follow via FK cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM sessions WHERE id = $1`, id)
	return err
}

// GetMessages returns the session's messages with parts in order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*messagemodels.Message, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, session_id, role, sort_order, model, provider, input_tokens, output_tokens, created_at, completed_at
		FROM messages WHERE session_id = $1 ORDER BY sort_order ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	messages := make([]*messagemodels.Message, 0)
	byID := make(map[string]*messagemodels.Message)
	for rows.Next() {
		msg := &messagemodels.Message{}
		var role string
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.SortOrder, &msg.Model,
			&msg.Provider, &msg.InputTokens, &msg.OutputTokens, &msg.Created, &msg.Completed); err != nil {
			return nil, err
		}
		msg.Role = messagemodels.Role(role)
		msg.Parts = make([]*messagemodels.Part, 0)
		messages = append(messages, msg)
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	partRows, err := s.db.Query(ctx, `
		SELECT message_id, payload FROM parts WHERE session_id = $1 ORDER BY message_id, sort_order ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer partRows.Close()

	for partRows.Next() {
		var messageID string
		var payload []byte
		if err := partRows.Scan(&messageID, &payload); err != nil {
			return nil, err
		}
		part := &messagemodels.Part{}
		if err := json.Unmarshal(payload, part); err != nil {
			return nil, fmt.Errorf("failed to deserialize part: %w", err)
		}
		if msg, ok := byID[messageID]; ok {
			msg.Parts = append(msg.Parts, part)
		}
	}
	return messages, partRows.Err()
}

// SetMessages replaces the session's message history in one transaction.
func (s *Store) SetMessages(ctx context.Context, sessionID string, messages []*messagemodels.Message) error {
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM parts WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `DELETE FROM messages WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		for _, msg := range messages {
			if _, err := tx.Exec(ctx, `
				INSERT INTO messages (id, session_id, role, sort_order, model, provider, input_tokens, output_tokens, created_at, completed_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			`, msg.ID, sessionID, string(msg.Role), msg.SortOrder, msg.Model, msg.Provider,
				msg.InputTokens, msg.OutputTokens, msg.Created, msg.Completed); err != nil {
				return err
			}
			for _, part := range msg.Parts {
				payload, err := json.Marshal(part)
				if err != nil {
					return fmt.Errorf("failed to serialize part: %w", err)
				}
				if _, err := tx.Exec(ctx, `
					INSERT INTO parts (id, message_id, session_id, type, sort_order, payload)
					VALUES ($1, $2, $3, $4, $5, $6)
				`, part.ID, msg.ID, sessionID, string(part.Type), part.SortOrder, payload); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

// GetSnapshotHistory returns the session's ordered snapshot handles.
func (s *Store) GetSnapshotHistory(ctx context.Context, sessionID string) ([]string, error) {
	rows, err := s.db.Query(ctx, `
		SELECT snapshot FROM snapshot_history WHERE session_id = $1 ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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
	return s.db.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM snapshot_history WHERE session_id = $1`, sessionID); err != nil {
			return err
		}
		for i, snapshot := range history {
			if _, err := tx.Exec(ctx, `
				INSERT INTO snapshot_history (session_id, position, snapshot) VALUES ($1, $2, $3)
			`, sessionID, i, snapshot); err != nil {
				return err
			}
		}
		return nil
	})
}

// rowScanner covers pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*sessionmodels.Session, error) {
	session := &sessionmodels.Session{}
	var (
		reasoningEffort string
		pluginsJSON     []byte
		revertJSON      []byte
	)
	err := row.Scan(&session.ID, &session.ProjectID, &session.Directory, &session.Title,
		&session.Version, &session.ParentID, &session.ForkPoint, &session.Model,
		&reasoningEffort, &pluginsJSON, &session.BypassMode, &session.RunTimeoutSeconds,
		&session.TokenCount, &session.Time.Created, &session.Time.Updated,
		&session.Time.Archived, &revertJSON)
	if err != nil {
		return nil, err
	}

	session.ReasoningEffort = sessionmodels.ReasoningEffort(reasoningEffort)
	if len(pluginsJSON) > 0 {
		if err := json.Unmarshal(pluginsJSON, &session.Plugins); err != nil {
			return nil, fmt.Errorf("failed to deserialize plugins: %w", err)
		}
		if len(session.Plugins) == 0 {
			session.Plugins = nil
		}
	}
	if len(revertJSON) > 0 {
		revert := &sessionmodels.Revert{}
		if err := json.Unmarshal(revertJSON, revert); err != nil {
			return nil, fmt.Errorf("failed to deserialize revert: %w", err)
		}
		session.Revert = revert
	}
	return session, nil
}
