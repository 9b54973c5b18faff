// Package snapshot versions each session's working directory. Every message
// appended to a session is bracketed by a snapshot, giving the engine the
// history that revert and undo operate on.
package snapshot

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/runtime"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
	"github.com/tandemhq/tandem/internal/storage"
)

// Info is a version-control commit handle.
type Info struct {
	ChangeID    string    `json:"change_id"`
	CommitID    string    `json:"commit_id"`
	Description string    `json:"description"`
	Timestamp   time.Time `json:"timestamp"`
	IsEmpty     bool      `json:"is_empty"`
}

// ChangeType classifies a file's fate between two snapshots.
type ChangeType string

const (
	// ChangeAdded means the file exists only in the newer snapshot
	ChangeAdded ChangeType = "added"
	// ChangeModified means the file exists in both with different content
	ChangeModified ChangeType = "modified"
	// ChangeDeleted means the file exists only in the older snapshot
	ChangeDeleted ChangeType = "deleted"
)

// FileDiff describes one file's change between two snapshots, a→b.
// Contents are optional; backends may leave them empty.
type FileDiff struct {
	Path          string     `json:"path"`
	ChangeType    ChangeType `json:"change_type"`
	BeforeContent string     `json:"before_content,omitempty"`
	AfterContent  string     `json:"after_content,omitempty"`
	AddedLines    int        `json:"added_lines"`
	DeletedLines  int        `json:"deleted_lines"`
}

// Backend implements the raw VCS operations for one session directory.
type Backend interface {
	// Init creates the initial commit for the directory. Idempotent: on an
	// already initialized session it returns the existing initial handle.
	Init(ctx context.Context, sessionID, dir string) (*Info, error)
	// Commit records the current working copy. Always produces a handle,
	// even when nothing changed (IsEmpty is set then).
	Commit(ctx context.Context, sessionID, dir, description string) (*Info, error)
	// Diff returns the per-file changes a→b.
	Diff(ctx context.Context, sessionID, dir, a, b string) ([]FileDiff, error)
	// Restore mutates the working copy to equal the state at handle.
	Restore(ctx context.Context, sessionID, dir, handle string) error
	// Cleanup discards everything the backend holds for the session.
	Cleanup(ctx context.Context, sessionID string) error
}

// Store wraps a Backend with per-session serialization, the active-run
// restore guard, and access to the persisted snapshot history.
type Store struct {
	backend Backend
	store   storage.Store
	state   *runtime.State
	logger  *logger.Logger

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewStore creates the snapshot store.
func NewStore(backend Backend, store storage.Store, state *runtime.State, log *logger.Logger) *Store {
	if log == nil {
		log = logger.Default()
	}
	return &Store{
		backend: backend,
		store:   store,
		state:   state,
		logger:  log,
		locks:   make(map[string]*sync.Mutex),
	}
}

// lockFor returns the session's snapshot mutex, creating it on first use.
func (s *Store) lockFor(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if lock, exists := s.locks[sessionID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

// Init creates the session's initial snapshot.
func (s *Store) Init(ctx context.Context, session *sessionmodels.Session) (*Info, error) {
	lock := s.lockFor(session.ID)
	lock.Lock()
	defer lock.Unlock()

	info, err := s.backend.Init(ctx, session.ID, session.Directory)
	if err != nil {
		return nil, err
	}
	s.state.SetOpenSnapshot(session.ID, info.ChangeID)
	return info, nil
}

// Commit records the session's current working copy. Concurrent commits on
// the same session are serialized.
func (s *Store) Commit(ctx context.Context, session *sessionmodels.Session, description string) (*Info, error) {
	lock := s.lockFor(session.ID)
	lock.Lock()
	defer lock.Unlock()

	info, err := s.backend.Commit(ctx, session.ID, session.Directory, description)
	if err != nil {
		return nil, err
	}
	s.state.SetOpenSnapshot(session.ID, info.ChangeID)
	return info, nil
}

// Diff returns the per-file changes between two snapshots.
func (s *Store) Diff(ctx context.Context, session *sessionmodels.Session, a, b string) ([]FileDiff, error) {
	return s.backend.Diff(ctx, session.ID, session.Directory, a, b)
}

// ChangedFiles returns the sorted paths that differ between two snapshots.
func (s *Store) ChangedFiles(ctx context.Context, session *sessionmodels.Session, a, b string) ([]string, error) {
	diffs, err := s.Diff(ctx, session, a, b)
	if err != nil {
		return nil, err
	}
	paths := make([]string, 0, len(diffs))
	for _, d := range diffs {
		paths = append(paths, d.Path)
	}
	sort.Strings(paths)
	return paths, nil
}

// Restore rewinds the session's working copy to handle. Refused while an
// agent run is active; a completed restore invalidates the session's
// runtime state.
func (s *Store) Restore(ctx context.Context, session *sessionmodels.Session, handle string) error {
	if _, active := s.state.Active(session.ID); active {
		return errors.InvalidOperation("cannot restore while an agent run is active")
	}

	lock := s.lockFor(session.ID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.backend.Restore(ctx, session.ID, session.Directory, handle); err != nil {
		return err
	}

	// Any runtime state captured before the restore is stale now.
	s.state.ClearSession(session.ID)
	s.state.SetOpenSnapshot(session.ID, handle)
	s.logger.Info("restored working copy",
		zap.String("session_id", session.ID),
		zap.String("snapshot", handle))
	return nil
}

// History returns the session's ordered snapshot handles.
func (s *Store) History(ctx context.Context, sessionID string) ([]string, error) {
	return s.store.GetSnapshotHistory(ctx, sessionID)
}

// Cleanup discards backend state for a deleted session.
func (s *Store) Cleanup(ctx context.Context, sessionID string) error {
	lock := s.lockFor(sessionID)
	lock.Lock()
	defer lock.Unlock()
	return s.backend.Cleanup(ctx, sessionID)
}
