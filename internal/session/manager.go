// Package session implements session lifecycle: creation, updates, forking,
// revert markers, turn undo and deletion. All mutating operations serialize
// on the session's lock and publish their lifecycle event before releasing
// it, so subscribers observe session events in mutation order.
package session

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/constants"
	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/ident"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/common/tracing"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
	"github.com/tandemhq/tandem/internal/runtime"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
	"github.com/tandemhq/tandem/internal/snapshot"
	"github.com/tandemhq/tandem/internal/storage"
)

const (
	defaultTitle     = "New Session"
	defaultProjectID = "default"
	defaultVersion   = "1.0.0"
)

// CreateOptions configures a new session. Directory is required; everything
// else falls back to engine defaults.
type CreateOptions struct {
	Directory         string
	Title             string
	BypassMode        bool
	Model             string
	ReasoningEffort   sessionmodels.ReasoningEffort
	Plugins           []string
	RunTimeoutSeconds int
}

// UpdateOptions carries the mutable session fields. Nil pointers leave the
// stored value untouched; a nil Plugins slice preserves the stored list
// while an empty one clears it.
type UpdateOptions struct {
	Title           *string
	Archived        *bool
	Model           *string
	ReasoningEffort *sessionmodels.ReasoningEffort
	Plugins         []string
}

// Manager owns session records and coordinates the stores around them.
type Manager struct {
	storage      storage.Store
	snapshots    *snapshot.Store
	state        *runtime.State
	eventBus     bus.EventBus
	logger       *logger.Logger
	defaultModel string
}

// NewManager creates a session manager. defaultModel is assigned to
// sessions created without an explicit model.
func NewManager(store storage.Store, snapshots *snapshot.Store, state *runtime.State, eventBus bus.EventBus, defaultModel string, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Default()
	}
	return &Manager{
		storage:      store,
		snapshots:    snapshots,
		state:        state,
		eventBus:     eventBus,
		logger:       log,
		defaultModel: defaultModel,
	}
}

// CreateSession creates a session owning the given directory, seeds its
// snapshot history with an init snapshot and emits session.created. The
// directory must exist and must not already belong to another session.
func (m *Manager) CreateSession(ctx context.Context, opts CreateOptions) (*sessionmodels.Session, error) {
	ctx, span := tracing.Tracer("tandem-session").Start(ctx, "session.Create")
	defer span.End()

	if opts.Directory == "" {
		return nil, errors.Validation("directory", "is required")
	}

	existing, err := m.storage.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	for _, other := range existing {
		if other.Directory == opts.Directory {
			return nil, errors.InvalidOperation(fmt.Sprintf("directory %s is already owned by session %s", opts.Directory, other.ID))
		}
	}

	now := time.Now().UTC()
	session := &sessionmodels.Session{
		ID:                ident.NewSessionID(),
		ProjectID:         defaultProjectID,
		Directory:         opts.Directory,
		Title:             defaultTitle,
		Version:           defaultVersion,
		Model:             m.defaultModel,
		ReasoningEffort:   sessionmodels.ReasoningEffortMedium,
		Plugins:           []string{},
		BypassMode:        opts.BypassMode,
		RunTimeoutSeconds: opts.RunTimeoutSeconds,
		Time:              sessionmodels.Timestamps{Created: now, Updated: now},
	}
	if opts.Title != "" {
		session.Title = opts.Title
	}
	if opts.Model != "" {
		session.Model = opts.Model
	}
	if opts.ReasoningEffort != "" {
		session.ReasoningEffort = opts.ReasoningEffort
	}
	if opts.Plugins != nil {
		session.Plugins = append([]string{}, opts.Plugins...)
	}
	span.SetAttributes(attribute.String("session_id", session.ID))

	lock := m.state.SessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	// Init fails with InvalidOperation when the directory is missing,
	// before anything is persisted.
	init, err := m.snapshots.Init(ctx, session)
	if err != nil {
		return nil, err
	}
	if err := m.storage.SetSnapshotHistory(ctx, session.ID, []string{init.ChangeID}); err != nil {
		return nil, err
	}
	if err := m.storage.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.logger.Info("created session",
		zap.String("session_id", session.ID),
		zap.String("directory", session.Directory),
		zap.String("model", session.Model))

	m.publish(ctx, events.SessionCreated{Session: session.Clone()})
	return session, nil
}

// GetSession returns the session or NotFound.
func (m *Manager) GetSession(ctx context.Context, id string) (*sessionmodels.Session, error) {
	session, err := m.storage.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, errors.NotFound("Session", id)
	}
	return session, nil
}

// ListSessions returns all sessions. Order is unspecified.
func (m *Manager) ListSessions(ctx context.Context) ([]*sessionmodels.Session, error) {
	return m.storage.ListSessions(ctx)
}

// UpdateSession applies the given options, bumps time.updated and emits
// session.updated.
func (m *Manager) UpdateSession(ctx context.Context, id string, opts UpdateOptions) (*sessionmodels.Session, error) {
	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if opts.Title != nil {
		session.Title = *opts.Title
	}
	if opts.Archived != nil {
		if *opts.Archived {
			now := time.Now().UTC()
			session.Time.Archived = &now
		} else {
			session.Time.Archived = nil
		}
	}
	if opts.Model != nil {
		session.Model = *opts.Model
	}
	if opts.ReasoningEffort != nil {
		session.ReasoningEffort = *opts.ReasoningEffort
	}
	if opts.Plugins != nil {
		session.Plugins = append([]string{}, opts.Plugins...)
	}
	session.Touch()

	if err := m.storage.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.publish(ctx, events.SessionUpdated{Session: session.Clone()})
	return session, nil
}

// DeleteSession cancels any active run, waits for it to observe the
// cancellation, then cascade-removes the session's messages, snapshot
// history and runtime state. Emits session.deleted. If the run has not
// wound down within the wait budget the purge proceeds anyway and the
// overrun is reported as an error event.
func (m *Manager) DeleteSession(ctx context.Context, id string) (bool, error) {
	ctx, span := tracing.Tracer("tandem-session").Start(ctx, "session.Delete")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", id))

	if _, err := m.GetSession(ctx, id); err != nil {
		return false, err
	}

	if task, active := m.state.Active(id); active {
		m.state.Abort(id)
		select {
		case <-task.Done():
		case <-time.After(constants.DeleteWaitTimeout):
			m.logger.Warn("run did not observe cancellation before delete",
				zap.String("session_id", id),
				zap.String("run_id", task.RunID),
				zap.Duration("waited", constants.DeleteWaitTimeout))
			m.publish(ctx, events.Error{
				SessionID: id,
				Operation: "delete_session",
				Message:   fmt.Sprintf("run %s did not observe cancellation within %s", task.RunID, constants.DeleteWaitTimeout),
			})
		}
	}

	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	if err := m.storage.DeleteSession(ctx, id); err != nil {
		return false, err
	}
	if err := m.snapshots.Cleanup(ctx, id); err != nil {
		m.logger.Warn("snapshot cleanup failed",
			zap.String("session_id", id),
			zap.Error(err))
	}
	m.state.ClearSession(id)

	m.logger.Info("deleted session", zap.String("session_id", id))
	m.publish(ctx, events.SessionDeleted{SessionID: id})
	return true, nil
}

// AbortSession cancels the session's active run and frees its run slot.
// Returns false when no run is active; aborting twice is a safe no-op.
func (m *Manager) AbortSession(ctx context.Context, id string) (bool, error) {
	if _, err := m.GetSession(ctx, id); err != nil {
		return false, err
	}
	aborted := m.state.Abort(id)
	if aborted {
		m.logger.Info("aborted session run", zap.String("session_id", id))
	}
	return aborted, nil
}

// RecordTokens adds a run's provider-reported usage to the session's
// running total and emits session.updated.
func (m *Manager) RecordTokens(ctx context.Context, id string, tokens int64) (*sessionmodels.Session, error) {
	lock := m.state.SessionLock(id)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	session.TokenCount += tokens
	session.Touch()

	if err := m.storage.SaveSession(ctx, session); err != nil {
		return nil, err
	}

	m.publish(ctx, events.SessionUpdated{Session: session.Clone()})
	return session, nil
}

// CommitAndRecord commits the session's working copy and appends the new
// snapshot to the session's history. Failed commits are retried with
// backoff; if every attempt fails the failure is published as an error
// event and returned, leaving the history untouched. Conversation writes
// are never rolled back on commit failure.
func (m *Manager) CommitAndRecord(ctx context.Context, session *sessionmodels.Session, description string) (*snapshot.Info, error) {
	lock := m.state.SessionLock(session.ID)
	lock.Lock()
	defer lock.Unlock()

	info, err := m.commitWithRetry(ctx, session, description)
	if err != nil {
		m.logger.Error("snapshot commit failed after retries",
			zap.String("session_id", session.ID),
			zap.String("description", description),
			zap.Error(err))
		m.publish(ctx, events.Error{
			SessionID: session.ID,
			Operation: "commit_snapshot",
			Message:   err.Error(),
		})
		return nil, err
	}

	history, err := m.storage.GetSnapshotHistory(ctx, session.ID)
	if err != nil {
		return nil, err
	}
	history = append(history, info.ChangeID)
	if err := m.storage.SetSnapshotHistory(ctx, session.ID, history); err != nil {
		return nil, err
	}
	return info, nil
}

func (m *Manager) commitWithRetry(ctx context.Context, session *sessionmodels.Session, description string) (*snapshot.Info, error) {
	info, err := m.snapshots.Commit(ctx, session, description)
	if err == nil {
		return info, nil
	}
	for _, wait := range constants.CommitRetryBackoff {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if info, err = m.snapshots.Commit(ctx, session, description); err == nil {
			return info, nil
		}
	}
	return nil, err
}

func (m *Manager) publish(ctx context.Context, event bus.Event) {
	if m.eventBus == nil {
		return
	}
	m.eventBus.Publish(ctx, event)
}
