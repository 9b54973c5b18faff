// Package storage defines the persistent store consumed by the engine and
// its backing implementations. The engine serializes writes per session, so
// implementations only need snapshot-consistent reads within one session.
package storage

import (
	"context"

	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// Store is the persistence surface of the engine. GetSession returns
// (nil, nil) when the session does not exist; callers decide whether that
// is an error.
type Store interface {
	// SaveSession inserts or replaces a session.
	SaveSession(ctx context.Context, session *sessionmodels.Session) error
	// GetSession returns the session, or (nil, nil) when absent.
	GetSession(ctx context.Context, id string) (*sessionmodels.Session, error)
	// ListSessions returns all sessions. Order is unspecified.
	ListSessions(ctx context.Context) ([]*sessionmodels.Session, error)
	// DeleteSession removes the session, its messages, its parts and its
	// snapshot history. Deleting an absent session is a no-op.
	DeleteSession(ctx context.Context, id string) error

	// GetMessages returns the session's messages with their parts, in
	// insertion order. Empty slice when there are none.
	GetMessages(ctx context.Context, sessionID string) ([]*messagemodels.Message, error)
	// SetMessages replaces the session's entire message history.
	SetMessages(ctx context.Context, sessionID string, messages []*messagemodels.Message) error

	// GetSnapshotHistory returns the ordered snapshot handles for the
	// session. Empty slice when there are none.
	GetSnapshotHistory(ctx context.Context, sessionID string) ([]string, error)
	// SetSnapshotHistory replaces the session's snapshot history.
	SetSnapshotHistory(ctx context.Context, sessionID string, history []string) error

	Close() error
}
