package session

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/tracing"
	"github.com/tandemhq/tandem/internal/events"
	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// UndoResult reports what UndoTurns removed and restored.
type UndoResult struct {
	TurnsUndone     int
	MessagesRemoved int
	FilesReverted   []string
	// SnapshotHash is the snapshot the working copy was restored to, or
	// empty when nothing was undone.
	SnapshotHash string
}

// RevertSession marks the session as viewing the state just before
// messageID. The marker records the snapshot at that point; messages and
// the working copy are untouched, and UnrevertSession clears the marker
// without losing anything. Emits session.updated.
func (m *Manager) RevertSession(ctx context.Context, id, messageID, partID string) (*sessionmodels.Session, error) {
	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	messages, err := m.storage.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	index := -1
	for i, msg := range messages {
		if msg.ID == messageID {
			index = i
			break
		}
	}
	if index < 0 {
		return nil, errors.NotFound("Message", messageID)
	}

	history, err := m.storage.GetSnapshotHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if index >= len(history) {
		return nil, errors.InvalidOperation(fmt.Sprintf("snapshot history does not cover message %s", messageID))
	}

	session.Revert = &sessionmodels.Revert{
		MessageID: messageID,
		PartID:    partID,
		Snapshot:  history[index],
	}
	session.Touch()

	if err := m.storage.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("reverted session",
		zap.String("session_id", id),
		zap.String("message_id", messageID),
		zap.String("snapshot", session.Revert.Snapshot))

	m.publish(ctx, events.SessionUpdated{Session: session.Clone()})
	return session, nil
}

// UnrevertSession clears the revert marker. Emits session.updated.
func (m *Manager) UnrevertSession(ctx context.Context, id string) (*sessionmodels.Session, error) {
	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	session.Revert = nil
	session.Touch()

	if err := m.storage.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.publish(ctx, events.SessionUpdated{Session: session.Clone()})
	return session, nil
}

// UndoTurns removes the trailing count (user, assistant) turns, truncates
// the snapshot history to match and restores the working copy to the state
// before the removed turns. The last remaining turn is never removed; with
// fewer than two complete turns nothing happens and a zero result is
// returned.
func (m *Manager) UndoTurns(ctx context.Context, id string, count int) (*UndoResult, error) {
	ctx, span := tracing.Tracer("tandem-session").Start(ctx, "session.UndoTurns")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id), attribute.Int("count", count))

	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, active := m.state.Active(id); active {
		return nil, errors.InvalidOperation("cannot undo turns while an agent run is active")
	}

	messages, err := m.storage.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}

	available := countTurns(messages)
	if available < 2 || count < 1 {
		return &UndoResult{FilesReverted: []string{}}, nil
	}
	turnsUndone := count
	if turnsUndone > available-1 {
		turnsUndone = available - 1
	}

	targetIndex := len(messages) - turnsUndone*2

	history, err := m.storage.GetSnapshotHistory(ctx, id)
	if err != nil {
		return nil, err
	}
	if targetIndex >= len(history) {
		return nil, errors.InvalidOperation(fmt.Sprintf("snapshot history does not cover the undo target for session %s", id))
	}
	target := history[targetIndex]

	current := history[len(history)-1]
	if open, ok := m.state.OpenSnapshot(id); ok {
		current = open
	}
	filesReverted, err := m.snapshots.ChangedFiles(ctx, session, current, target)
	if err != nil {
		return nil, err
	}

	if err := m.storage.SetMessages(ctx, id, messages[:targetIndex]); err != nil {
		return nil, err
	}
	if err := m.storage.SetSnapshotHistory(ctx, id, history[:targetIndex+1]); err != nil {
		return nil, err
	}

	if err := m.snapshots.Restore(ctx, session, target); err != nil {
		return nil, err
	}

	// A revert marker pointing into removed messages would be stale.
	session.Revert = nil
	session.Touch()
	if err := m.storage.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("undid turns",
		zap.String("session_id", id),
		zap.Int("turns_undone", turnsUndone),
		zap.Int("messages_removed", turnsUndone*2),
		zap.String("restored_to", target))

	m.publish(ctx, events.SessionUpdated{Session: session.Clone()})

	return &UndoResult{
		TurnsUndone:     turnsUndone,
		MessagesRemoved: turnsUndone * 2,
		FilesReverted:   filesReverted,
		SnapshotHash:    target,
	}, nil
}

// countTurns counts contiguous (user, assistant) pairs in insertion order.
func countTurns(messages []*messagemodels.Message) int {
	turns := 0
	for i := 0; i+1 < len(messages); {
		if messages[i].Role == messagemodels.RoleUser && messages[i+1].Role == messagemodels.RoleAssistant {
			turns++
			i += 2
		} else {
			i++
		}
	}
	return turns
}
