// Package events defines the closed set of events published by the Tandem
// engine. Every state change observable from outside the engine crosses the
// bus as one of the types below; transports subscribe and translate.
package events

import (
	"encoding/json"

	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// Event types for sessions
const (
	TypeSessionCreated = "session.created"
	TypeSessionUpdated = "session.updated"
	TypeSessionDeleted = "session.deleted"
)

// Event types for messages
const (
	TypeMessageCreated   = "message.created"
	TypeMessageUpdated   = "message.updated"
	TypeMessageCompleted = "message.completed"
)

// Event types for message parts
const (
	TypePartCreated = "part.created"
	TypePartUpdated = "part.updated"
)

// Event types for permission requests
const (
	TypePermissionRequested = "permission.requested"
	TypePermissionResponded = "permission.responded"
)

// Event types for agent runs
const (
	TypeTaskStarted   = "task.started"
	TypeTaskCompleted = "task.completed"
	TypeTaskFailed    = "task.failed"
	TypeTaskTimeout   = "task.timeout"
	TypeTaskCancelled = "task.cancelled"
)

// TypeError is emitted for internal faults that occur off the RPC path
// (background commits, cleanup). It never replaces an RPC error return.
const TypeError = "error"

// SessionCreated is published when a new session has been persisted.
type SessionCreated struct {
	Session *sessionmodels.Session `json:"session"`
}

func (e SessionCreated) EventType() string      { return TypeSessionCreated }
func (e SessionCreated) EventSessionID() string { return e.Session.ID }

// SessionUpdated is published after any non-destructive session mutation,
// including revert and unrevert.
type SessionUpdated struct {
	Session *sessionmodels.Session `json:"session"`
}

func (e SessionUpdated) EventType() string      { return TypeSessionUpdated }
func (e SessionUpdated) EventSessionID() string { return e.Session.ID }

// SessionDeleted is published after a session and everything it owned has
// been removed.
type SessionDeleted struct {
	SessionID string `json:"session_id"`
}

func (e SessionDeleted) EventType() string      { return TypeSessionDeleted }
func (e SessionDeleted) EventSessionID() string { return e.SessionID }

// MessageCreated is published when a message is appended to a session.
type MessageCreated struct {
	Message *messagemodels.Message `json:"message"`
}

func (e MessageCreated) EventType() string      { return TypeMessageCreated }
func (e MessageCreated) EventSessionID() string { return e.Message.SessionID }

// MessageUpdated is published when message info fields change.
type MessageUpdated struct {
	Message *messagemodels.Message `json:"message"`
}

func (e MessageUpdated) EventType() string      { return TypeMessageUpdated }
func (e MessageUpdated) EventSessionID() string { return e.Message.SessionID }

// MessageCompleted is published when a message's completion time is set.
// It follows every part event of that message.
type MessageCompleted struct {
	Message *messagemodels.Message `json:"message"`
}

func (e MessageCompleted) EventType() string      { return TypeMessageCompleted }
func (e MessageCompleted) EventSessionID() string { return e.Message.SessionID }

// PartCreated is published when a part is appended to a message.
type PartCreated struct {
	Part *messagemodels.Part `json:"part"`
}

func (e PartCreated) EventType() string      { return TypePartCreated }
func (e PartCreated) EventSessionID() string { return e.Part.SessionID }

// PartUpdated is published when a part is patched, e.g. streaming text
// accumulation or a tool-call status transition.
type PartUpdated struct {
	Part *messagemodels.Part `json:"part"`
}

func (e PartUpdated) EventType() string      { return TypePartUpdated }
func (e PartUpdated) EventSessionID() string { return e.Part.SessionID }

// PermissionRequested is published when a tool call needs approval. Whoever
// answers calls back into the permission broker with the same RequestID.
type PermissionRequested struct {
	RequestID string          `json:"request_id"`
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	Input     json.RawMessage `json:"input,omitempty"`
	Detail    string          `json:"detail,omitempty"`
}

func (e PermissionRequested) EventType() string      { return TypePermissionRequested }
func (e PermissionRequested) EventSessionID() string { return e.SessionID }

// PermissionResponded is published when a pending permission request has
// been answered, or timed out with Granted false.
type PermissionResponded struct {
	RequestID string `json:"request_id"`
	SessionID string `json:"session_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
}

func (e PermissionResponded) EventType() string      { return TypePermissionResponded }
func (e PermissionResponded) EventSessionID() string { return e.SessionID }

// TaskStarted is published when an agent run begins.
type TaskStarted struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

func (e TaskStarted) EventType() string      { return TypeTaskStarted }
func (e TaskStarted) EventSessionID() string { return e.SessionID }

// TaskCompleted is published when an agent run finishes normally.
type TaskCompleted struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Steps     int    `json:"steps"`
}

func (e TaskCompleted) EventType() string      { return TypeTaskCompleted }
func (e TaskCompleted) EventSessionID() string { return e.SessionID }

// TaskFailed is published when an agent run terminates with an error. The
// error never propagates to the caller that started the run.
type TaskFailed struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	Error     string `json:"error"`
}

func (e TaskFailed) EventType() string      { return TypeTaskFailed }
func (e TaskFailed) EventSessionID() string { return e.SessionID }

// TaskTimeout is published when an agent run exceeds its deadline and is
// cancelled by the engine.
type TaskTimeout struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
	TimeoutMs int64  `json:"timeout_ms"`
}

func (e TaskTimeout) EventType() string      { return TypeTaskTimeout }
func (e TaskTimeout) EventSessionID() string { return e.SessionID }

// TaskCancelled is published when an agent run observes cancellation and has
// finished cleaning up.
type TaskCancelled struct {
	SessionID string `json:"session_id"`
	RunID     string `json:"run_id"`
}

func (e TaskCancelled) EventType() string      { return TypeTaskCancelled }
func (e TaskCancelled) EventSessionID() string { return e.SessionID }

// Error is published for background faults: snapshot commits that exhausted
// their retries, deletes that outwaited a stuck run, forwarder failures.
type Error struct {
	SessionID string `json:"session_id,omitempty"`
	Operation string `json:"operation"`
	Message   string `json:"message"`
}

func (e Error) EventType() string      { return TypeError }
func (e Error) EventSessionID() string { return e.SessionID }
