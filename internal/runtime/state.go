// Package runtime tracks process-local per-session state: the cancellation
// token of the active agent run, the snapshot a session is currently at,
// and the per-session mutex that serializes mutating operations.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/tandemhq/tandem/internal/common/errors"
)

// Task is the cancellation token of one agent run. The loop derives its
// work from Context; Cancel asks the loop to stop; Done closes once the
// loop has observed the cancel (or finished) and cleaned up.
type Task struct {
	RunID     string
	SessionID string

	ctx    context.Context
	cancel context.CancelFunc

	done     chan struct{}
	doneOnce sync.Once
}

// Context returns the run-scoped context.
func (t *Task) Context() context.Context {
	return t.ctx
}

// Cancel signals the run to stop. Safe to call repeatedly.
func (t *Task) Cancel() {
	t.cancel()
}

// Cancelled reports whether cancellation has been signalled.
func (t *Task) Cancelled() bool {
	return t.ctx.Err() != nil
}

// Done is closed once the run has terminated and cleaned up. Callers that
// need to wait for a run to wind down select on this.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// markDone is called by State.Finish when the loop exits.
func (t *Task) markDone() {
	t.doneOnce.Do(func() {
		close(t.done)
	})
}

// State holds the runtime maps. All methods are safe for concurrent use.
type State struct {
	mu            sync.Mutex
	tasks         map[string]*Task
	openSnapshots map[string]string

	lockMu sync.Mutex
	locks  map[string]*sync.Mutex
}

// NewState creates empty runtime state.
func NewState() *State {
	return &State{
		tasks:         make(map[string]*Task),
		openSnapshots: make(map[string]string),
		locks:         make(map[string]*sync.Mutex),
	}
}

// SessionLock returns the mutex serializing mutating operations for the
// session, creating it on first use. Entries are kept for the process
// lifetime; the session count bounds the map.
func (s *State) SessionLock(sessionID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	if lock, exists := s.locks[sessionID]; exists {
		return lock
	}
	lock := &sync.Mutex{}
	s.locks[sessionID] = lock
	return lock
}

// Begin registers a new run for the session and returns its token. The
// token's context derives from parent. At most one run per session: a
// second Begin fails with InvalidOperation until the first is finished
// or aborted.
func (s *State) Begin(parent context.Context, sessionID, runID string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[sessionID]; exists {
		return nil, errors.InvalidOperation(fmt.Sprintf("session %s already has an active run", sessionID))
	}

	ctx, cancel := context.WithCancel(parent)
	task := &Task{
		RunID:     runID,
		SessionID: sessionID,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	s.tasks[sessionID] = task
	return task, nil
}

// Active returns the session's run token, if any.
func (s *State) Active(sessionID string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[sessionID]
	return task, ok
}

// Abort cancels the session's active run and removes its token. Returns
// false when no run is active. The run itself is still winding down when
// Abort returns; wait on the token's Done channel if that matters.
func (s *State) Abort(sessionID string) bool {
	s.mu.Lock()
	task, ok := s.tasks[sessionID]
	if ok {
		delete(s.tasks, sessionID)
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	task.Cancel()
	return true
}

// Finish removes the task's registration (unless a newer run replaced it)
// and marks the token done. Called by the loop on every exit path.
func (s *State) Finish(task *Task) {
	s.mu.Lock()
	if current, ok := s.tasks[task.SessionID]; ok && current == task {
		delete(s.tasks, task.SessionID)
	}
	s.mu.Unlock()

	task.cancel()
	task.markDone()
}

// SetOpenSnapshot records the snapshot the session is currently at.
func (s *State) SetOpenSnapshot(sessionID, handle string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.openSnapshots[sessionID] = handle
}

// OpenSnapshot returns the session's current snapshot handle, if any.
func (s *State) OpenSnapshot(sessionID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handle, ok := s.openSnapshots[sessionID]
	return handle, ok
}

// ClearSession cancels any active run and drops all runtime entries for
// the session. Idempotent; missing entries are fine.
func (s *State) ClearSession(sessionID string) {
	s.mu.Lock()
	task, ok := s.tasks[sessionID]
	if ok {
		delete(s.tasks, sessionID)
	}
	delete(s.openSnapshots, sessionID)
	s.mu.Unlock()

	if ok {
		task.Cancel()
	}
}
