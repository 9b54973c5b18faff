package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	messagemodels "github.com/tandemhq/tandem/internal/message/models"
)

// GetMessages returns the session's messages with their parts, ordered by
// message then part sort order.
func (s *Store) GetMessages(ctx context.Context, sessionID string) ([]*messagemodels.Message, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT id, session_id, role, sort_order, model, provider, input_tokens, output_tokens, created_at, completed_at
		FROM messages WHERE session_id = ? ORDER BY sort_order ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	messages := make([]*messagemodels.Message, 0)
	byID := make(map[string]*messagemodels.Message)
	for rows.Next() {
		msg := &messagemodels.Message{}
		var role string
		var completedAt sql.NullTime
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.SortOrder, &msg.Model,
			&msg.Provider, &msg.InputTokens, &msg.OutputTokens, &msg.Created, &completedAt); err != nil {
			return nil, err
		}
		msg.Role = messagemodels.Role(role)
		if completedAt.Valid {
			t := completedAt.Time
			msg.Completed = &t
		}
		msg.Parts = make([]*messagemodels.Part, 0)
		messages = append(messages, msg)
		byID[msg.ID] = msg
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	partRows, err := s.ro.QueryContext(ctx, `
		SELECT message_id, payload FROM parts WHERE session_id = ? ORDER BY message_id, sort_order ASC
	`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = partRows.Close() }()

	for partRows.Next() {
		var messageID, payload string
		if err := partRows.Scan(&messageID, &payload); err != nil {
			return nil, err
		}
		part := &messagemodels.Part{}
		if err := json.Unmarshal([]byte(payload), part); err != nil {
			return nil, fmt.Errorf("failed to deserialize part: %w", err)
		}
		if msg, ok := byID[messageID]; ok {
			msg.Parts = append(msg.Parts, part)
		}
	}
	return messages, partRows.Err()
}

// SetMessages replaces the session's entire message history in one
// transaction.
func (s *Store) SetMessages(ctx context.Context, sessionID string, messages []*messagemodels.Message) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM parts WHERE session_id = ?`, sessionID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE session_id = ?`, sessionID); err != nil {
		return err
	}

	for _, msg := range messages {
		var completedAt sql.NullTime
		if msg.Completed != nil {
			completedAt = sql.NullTime{Time: *msg.Completed, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO messages (id, session_id, role, sort_order, model, provider, input_tokens, output_tokens, created_at, completed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, msg.ID, sessionID, string(msg.Role), msg.SortOrder, msg.Model, msg.Provider,
			msg.InputTokens, msg.OutputTokens, msg.Created, completedAt); err != nil {
			return err
		}

		for _, part := range msg.Parts {
			payload, err := json.Marshal(part)
			if err != nil {
				return fmt.Errorf("failed to serialize part: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO parts (id, message_id, session_id, type, sort_order, payload)
				VALUES (?, ?, ?, ?, ?, ?)
			`, part.ID, msg.ID, sessionID, string(part.Type), part.SortOrder, string(payload)); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}
