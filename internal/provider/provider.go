// Package provider defines the streaming model-provider abstraction the
// agent loop drives. Adapters translate a Request built from the session's
// message log into provider API calls and surface the response as a flat
// stream of events: text and reasoning deltas keyed by content block,
// complete tool calls, usage updates and a terminal done event.
package provider

import (
	"context"
	"encoding/json"

	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// ToolDefinition describes one tool offered to the model. InputSchema is a
// JSON Schema object.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// Request is one streaming model call. Messages is the session log in
// insertion order; adapters are free to trim long histories but must keep
// the tail from the last unanswered user turn onward.
type Request struct {
	Model           string
	SystemPrompt    string
	Messages        []*messagemodels.Message
	Tools           []ToolDefinition
	ReasoningEffort sessionmodels.ReasoningEffort
	// MaxTokens caps the response length. Zero means the adapter default.
	MaxTokens int64
}

// EventType discriminates stream events.
type EventType string

const (
	// EventTextDelta carries a fragment of assistant text
	EventTextDelta EventType = "text_delta"
	// EventReasoningDelta carries a fragment of provider thinking output
	EventReasoningDelta EventType = "reasoning_delta"
	// EventBlockDone marks the end of a text or reasoning block
	EventBlockDone EventType = "block_done"
	// EventToolCall carries one complete tool invocation request
	EventToolCall EventType = "tool_call"
	// EventUsage carries a provider usage update
	EventUsage EventType = "usage"
	// EventDone terminates the stream with a stop reason
	EventDone EventType = "done"
)

// StopReason explains why the model stopped.
type StopReason string

const (
	// StopEndTurn means the model finished its turn
	StopEndTurn StopReason = "end_turn"
	// StopToolUse means the model is waiting for tool results
	StopToolUse StopReason = "tool_use"
	// StopMaxTokens means the response hit the token cap
	StopMaxTokens StopReason = "max_tokens"
)

// Event is one element of a model response stream. Type decides which
// fields are meaningful.
type Event struct {
	Type EventType

	// Index identifies the content block a delta belongs to. Deltas with
	// the same index extend the same part.
	Index int

	// Text holds text and reasoning fragments.
	Text string

	// Tool call fields, complete at emission.
	ToolCallID string
	ToolName   string
	ToolInput  json.RawMessage

	// Usage fields.
	InputTokens  int64
	OutputTokens int64

	// StopReason accompanies done events.
	StopReason StopReason
}

// Stream yields model output incrementally. The zero pattern follows
// database iterators: Next advances, Current returns the event, Err
// reports what terminated the stream.
type Stream interface {
	// Next blocks until an event is available or the stream ends.
	Next() bool
	// Current returns the event produced by the last successful Next.
	Current() Event
	// Err returns the terminal error, nil on clean end-of-turn.
	Err() error
	// Close releases the underlying connection. Safe to call concurrently
	// with Next; pending Next calls return false promptly.
	Close() error
}

// Provider produces streaming completions.
type Provider interface {
	// Name identifies the provider in message metadata.
	Name() string
	// Stream starts a model call. Cancelling ctx aborts the stream.
	Stream(ctx context.Context, req Request) (Stream, error)
}
