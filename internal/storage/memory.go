package storage

import (
	"context"
	"sync"

	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// MemoryStore provides in-memory persistence for ephemeral runs and tests.
// All values are cloned on the way in and out so callers never share state
// with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	sessions  map[string]*sessionmodels.Session
	messages  map[string][]*messagemodels.Message
	snapshots map[string][]string
}

// Ensure MemoryStore implements Store interface
var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:  make(map[string]*sessionmodels.Session),
		messages:  make(map[string][]*messagemodels.Message),
		snapshots: make(map[string][]string),
	}
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}

// SaveSession inserts or replaces a session.
func (s *MemoryStore) SaveSession(ctx context.Context, session *sessionmodels.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = session.Clone()
	return nil
}

// GetSession returns the session, or (nil, nil) when absent.
func (s *MemoryStore) GetSession(ctx context.Context, id string) (*sessionmodels.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id].Clone(), nil
}

// ListSessions returns all sessions.
func (s *MemoryStore) ListSessions(ctx context.Context) ([]*sessionmodels.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*sessionmodels.Session, 0, len(s.sessions))
	for _, ses := range s.sessions {
		out = append(out, ses.Clone())
	}
	return out, nil
}

// DeleteSession removes the session and everything keyed by it.
func (s *MemoryStore) DeleteSession(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	delete(s.messages, id)
	delete(s.snapshots, id)
	return nil
}

// GetMessages returns the session's messages in insertion order.
func (s *MemoryStore) GetMessages(ctx context.Context, sessionID string) ([]*messagemodels.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stored := s.messages[sessionID]
	out := make([]*messagemodels.Message, len(stored))
	for i, m := range stored {
		out[i] = m.Clone()
	}
	return out, nil
}

// SetMessages replaces the session's message history.
func (s *MemoryStore) SetMessages(ctx context.Context, sessionID string, messages []*messagemodels.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]*messagemodels.Message, len(messages))
	for i, m := range messages {
		stored[i] = m.Clone()
	}
	s.messages[sessionID] = stored
	return nil
}

// GetSnapshotHistory returns the session's ordered snapshot handles.
func (s *MemoryStore) GetSnapshotHistory(ctx context.Context, sessionID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.snapshots[sessionID]...), nil
}

// SetSnapshotHistory replaces the session's snapshot history.
func (s *MemoryStore) SetSnapshotHistory(ctx context.Context, sessionID string, history []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[sessionID] = append([]string(nil), history...)
	return nil
}
