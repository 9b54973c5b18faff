package session

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/ident"
	"github.com/tandemhq/tandem/internal/common/tracing"
	"github.com/tandemhq/tandem/internal/events"
	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// ForkSession creates a new session sharing the parent's directory and
// carrying a copy of the parent's conversation. forkPoint names the last
// parent message to copy; when empty the whole conversation is copied.
// Message ids are preserved so the copied prefix matches the parent
// exactly; parts receive fresh ids, with tool results re-linked to the
// new ids of their call parts. The fork starts with its own init
// snapshot rather than inheriting the parent's history.
func (m *Manager) ForkSession(ctx context.Context, id, forkPoint, title string) (*sessionmodels.Session, error) {
	ctx, span := tracing.Tracer("tandem-session").Start(ctx, "session.Fork")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	parent, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	messages, err := m.storage.GetMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if forkPoint != "" {
		cut := -1
		for i, msg := range messages {
			if msg.ID == forkPoint {
				cut = i
				break
			}
		}
		if cut < 0 {
			return nil, errors.NotFound("Message", forkPoint)
		}
		messages = messages[:cut+1]
	}

	now := time.Now().UTC()
	child := &sessionmodels.Session{
		ID:                ident.NewSessionID(),
		ProjectID:         parent.ProjectID,
		Directory:         parent.Directory,
		Title:             parent.Title + " (fork)",
		Version:           defaultVersion,
		ParentID:          parent.ID,
		ForkPoint:         forkPoint,
		Model:             parent.Model,
		ReasoningEffort:   parent.ReasoningEffort,
		Plugins:           append([]string{}, parent.Plugins...),
		BypassMode:        parent.BypassMode,
		RunTimeoutSeconds: parent.RunTimeoutSeconds,
		Time:              sessionmodels.Timestamps{Created: now, Updated: now},
	}
	if title != "" {
		child.Title = title
	}

	copied := make([]*messagemodels.Message, len(messages))
	callIDs := make(map[string]string)
	for i, msg := range messages {
		clone := msg.Clone()
		clone.SessionID = child.ID
		for _, part := range clone.Parts {
			fresh := ident.NewPartID()
			if part.Type == messagemodels.PartTypeToolCall {
				callIDs[part.ID] = fresh
			}
			part.ID = fresh
			part.SessionID = child.ID
		}
		// Tool results point at their call part by id; they must follow the
		// calls onto the fresh ids.
		for _, part := range clone.Parts {
			if part.Type == messagemodels.PartTypeToolResult {
				if mapped, ok := callIDs[part.ToolCallID]; ok {
					part.ToolCallID = mapped
				}
			}
		}
		copied[i] = clone
	}

	init, err := m.snapshots.Init(ctx, child)
	if err != nil {
		return nil, err
	}
	if err := m.storage.SetMessages(ctx, child.ID, copied); err != nil {
		return nil, err
	}
	if err := m.storage.SetSnapshotHistory(ctx, child.ID, []string{init.ChangeID}); err != nil {
		return nil, err
	}
	if err := m.storage.SaveSession(ctx, child); err != nil {
		return nil, err
	}

	m.logger.Info("forked session",
		zap.String("session_id", child.ID),
		zap.String("parent_id", parent.ID),
		zap.String("fork_point", forkPoint),
		zap.Int("messages_copied", len(copied)))

	m.publish(ctx, events.SessionCreated{Session: child.Clone()})
	return child, nil
}
