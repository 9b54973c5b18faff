// Package message implements the append-then-mutate conversation log.
//
// Messages are appended as turns begin and parts stream into them while a
// run progresses; streaming parts are patched in place as deltas and tool
// status transitions arrive. Every mutation is published on the event bus
// while the session lock is held, so subscribers observe message and part
// events in log order.
package message

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/ident"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
	"github.com/tandemhq/tandem/internal/message/models"
	"github.com/tandemhq/tandem/internal/runtime"
	"github.com/tandemhq/tandem/internal/storage"
)

// Store appends and mutates the per-session message log.
type Store struct {
	storage  storage.Store
	state    *runtime.State
	eventBus bus.EventBus
	logger   *logger.Logger
}

// NewStore creates a message store backed by the given persistent store.
func NewStore(store storage.Store, state *runtime.State, eventBus bus.EventBus, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		storage:  store,
		state:    state,
		eventBus: eventBus,
		logger:   log,
	}
}

// AppendMessage adds a message to the end of the session log. The store
// assigns the message id (when absent), its sort order within the session
// and identity for any parts it already carries. Emits message.created.
func (s *Store) AppendMessage(ctx context.Context, sessionID string, msg *models.Message) (*models.Message, error) {
	lock := s.state.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.storage.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if msg.ID == "" {
		msg.ID = ident.NewMessageID()
	}
	msg.SessionID = sessionID
	msg.SortOrder = len(messages)
	if msg.Created.IsZero() {
		msg.Created = time.Now()
	}
	for i, part := range msg.Parts {
		if part.ID == "" {
			part.ID = ident.NewPartID()
		}
		part.MessageID = msg.ID
		part.SessionID = sessionID
		part.SortOrder = i
	}

	messages = append(messages, msg)
	if err := s.storage.SetMessages(ctx, sessionID, messages); err != nil {
		return nil, err
	}

	s.logger.Debug("appended message",
		zap.String("session_id", sessionID),
		zap.String("message_id", msg.ID),
		zap.String("role", string(msg.Role)),
		zap.Int("sort_order", msg.SortOrder))

	s.publish(ctx, events.MessageCreated{Message: msg.Clone()})
	return msg, nil
}

// AppendPart adds a part to the end of an existing message. The store
// assigns the part id (when absent) and the next dense sort order within
// the message. A tool-result part must reference a tool-call part that is
// already present in the same message. Emits part.created.
func (s *Store) AppendPart(ctx context.Context, sessionID, messageID string, part *models.Part) (*models.Part, error) {
	lock := s.state.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.storage.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := findMessage(messages, messageID)
	if msg == nil {
		return nil, errors.NotFound("Message", messageID)
	}

	if part.Type == models.PartTypeToolResult {
		if findPart(msg.Parts, part.ToolCallID) == nil {
			return nil, errors.Validation("tool_call_id", "does not reference a tool-call part in this message")
		}
	}

	if part.ID == "" {
		part.ID = ident.NewPartID()
	}
	part.MessageID = msg.ID
	part.SessionID = sessionID
	part.SortOrder = len(msg.Parts)
	msg.Parts = append(msg.Parts, part)

	if err := s.storage.SetMessages(ctx, sessionID, messages); err != nil {
		return nil, err
	}

	s.publish(ctx, events.PartCreated{Part: part.Clone()})
	return part, nil
}

// UpdatePart merges a patch into an existing part. Streaming text
// accumulation and tool status transitions both go through here.
// Emits part.updated.
func (s *Store) UpdatePart(ctx context.Context, sessionID, messageID, partID string, patch models.PartPatch) (*models.Part, error) {
	lock := s.state.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.storage.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := findMessage(messages, messageID)
	if msg == nil {
		return nil, errors.NotFound("Message", messageID)
	}
	part := findPart(msg.Parts, partID)
	if part == nil {
		return nil, errors.NotFound("Part", partID)
	}

	part.Apply(patch)

	if err := s.storage.SetMessages(ctx, sessionID, messages); err != nil {
		return nil, err
	}

	s.publish(ctx, events.PartUpdated{Part: part.Clone()})
	return part, nil
}

// UpdateMessage records provider usage on a message while it is still
// streaming. Zero fields of meta leave the stored values untouched.
// Emits message.updated.
func (s *Store) UpdateMessage(ctx context.Context, sessionID, messageID string, meta models.ProviderMetadata) (*models.Message, error) {
	lock := s.state.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.storage.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := findMessage(messages, messageID)
	if msg == nil {
		return nil, errors.NotFound("Message", messageID)
	}

	applyMetadata(msg, meta)

	if err := s.storage.SetMessages(ctx, sessionID, messages); err != nil {
		return nil, err
	}

	s.publish(ctx, events.MessageUpdated{Message: msg.Clone()})
	return msg, nil
}

// CompleteMessage finalizes a message, stamping its completion time and any
// provider metadata. Emits message.completed. Publishing happens under the
// session lock after all part writes, so subscribers always see the
// completion event after every part event of the message.
func (s *Store) CompleteMessage(ctx context.Context, sessionID, messageID string, meta *models.ProviderMetadata) (*models.Message, error) {
	lock := s.state.SessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	messages, err := s.storage.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := findMessage(messages, messageID)
	if msg == nil {
		return nil, errors.NotFound("Message", messageID)
	}

	now := time.Now()
	msg.Completed = &now
	if meta != nil {
		applyMetadata(msg, *meta)
	}

	if err := s.storage.SetMessages(ctx, sessionID, messages); err != nil {
		return nil, err
	}

	s.publish(ctx, events.MessageCompleted{Message: msg.Clone()})
	return msg, nil
}

// ListMessages returns the session's messages in insertion order, each
// carrying its parts.
func (s *Store) ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.storage.GetMessages(ctx, sessionID)
}

// GetMessage returns a single message by id.
func (s *Store) GetMessage(ctx context.Context, sessionID, messageID string) (*models.Message, error) {
	messages, err := s.storage.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	msg := findMessage(messages, messageID)
	if msg == nil {
		return nil, errors.NotFound("Message", messageID)
	}
	return msg, nil
}

func (s *Store) publish(ctx context.Context, event bus.Event) {
	if s.eventBus == nil {
		return
	}
	s.eventBus.Publish(ctx, event)
}

func applyMetadata(msg *models.Message, meta models.ProviderMetadata) {
	if meta.Provider != "" {
		msg.Provider = meta.Provider
	}
	if meta.Model != "" {
		msg.Model = meta.Model
	}
	if meta.InputTokens > 0 {
		msg.InputTokens = meta.InputTokens
	}
	if meta.OutputTokens > 0 {
		msg.OutputTokens = meta.OutputTokens
	}
}

func findMessage(messages []*models.Message, id string) *models.Message {
	for _, m := range messages {
		if m.ID == id {
			return m
		}
	}
	return nil
}

func findPart(parts []*models.Part, id string) *models.Part {
	for _, p := range parts {
		if p.ID == id {
			return p
		}
	}
	return nil
}
