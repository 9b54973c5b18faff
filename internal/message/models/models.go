// Package models defines messages and their ordered parts.
package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Role identifies who produced a message.
type Role string

const (
	// RoleUser marks prompts sent into a session
	RoleUser Role = "user"
	// RoleAssistant marks agent responses
	RoleAssistant Role = "assistant"
	// RoleSystem marks engine-injected messages
	RoleSystem Role = "system"
)

// Message groups the ordered parts of one conversational turn half.
// A user message holds the prompt; an assistant message accumulates
// streamed output, tool calls and file records until it is completed.
type Message struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	Role      Role   `json:"role"`

	// SortOrder is assigned by the store on append; together with each
	// part's SortOrder it orders parts globally within the session.
	SortOrder int `json:"sort_order"`

	// Model and Provider record what produced an assistant message.
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`

	// InputTokens and OutputTokens hold provider-reported usage for
	// assistant messages.
	InputTokens  int64 `json:"input_tokens,omitempty"`
	OutputTokens int64 `json:"output_tokens,omitempty"`

	Created   time.Time  `json:"created"`
	Completed *time.Time `json:"completed,omitempty"`

	Parts []*Part `json:"parts,omitempty"`
}

// ProviderMetadata carries what the provider reported for a completed
// assistant message.
type ProviderMetadata struct {
	Provider     string `json:"provider,omitempty"`
	Model        string `json:"model,omitempty"`
	InputTokens  int64  `json:"input_tokens,omitempty"`
	OutputTokens int64  `json:"output_tokens,omitempty"`
}

// IsCompleted reports whether the message has been finalized.
func (m *Message) IsCompleted() bool {
	return m.Completed != nil
}

// TextContent concatenates the message's text parts in order.
func (m *Message) TextContent() string {
	var b strings.Builder
	for _, p := range m.Parts {
		if p.Type == PartTypeText {
			b.WriteString(p.Content)
		}
	}
	return b.String()
}

// Clone returns a deep copy of the message and its parts.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.Completed != nil {
		t := *m.Completed
		out.Completed = &t
	}
	if m.Parts != nil {
		out.Parts = make([]*Part, len(m.Parts))
		for i, p := range m.Parts {
			out.Parts[i] = p.Clone()
		}
	}
	return &out
}

// PartType discriminates the kinds of content a message can carry.
type PartType string

const (
	// PartTypeText is assistant or user text
	PartTypeText PartType = "text"
	// PartTypeReasoning is provider thinking output, kept separate from text
	PartTypeReasoning PartType = "reasoning"
	// PartTypeToolCall records a tool invocation and its status
	PartTypeToolCall PartType = "tool-call"
	// PartTypeToolResult records the outcome of a tool call
	PartTypeToolResult PartType = "tool-result"
	// PartTypeFile records a file the agent changed during the step
	PartTypeFile PartType = "file"
	// PartTypeStepStart marks the beginning of one agent loop step
	PartTypeStepStart PartType = "step-start"
	// PartTypeStepFinish marks the end of one agent loop step
	PartTypeStepFinish PartType = "step-finish"
)

// ToolStatus tracks a tool call part through its lifecycle.
type ToolStatus string

const (
	// ToolStatusPending means the call is awaiting permission or dispatch
	ToolStatusPending ToolStatus = "pending"
	// ToolStatusRunning means the tool is executing
	ToolStatusRunning ToolStatus = "running"
	// ToolStatusCompleted means the tool returned a result
	ToolStatusCompleted ToolStatus = "completed"
	// ToolStatusFailed means the tool returned an error or was denied
	ToolStatusFailed ToolStatus = "failed"
	// ToolStatusCancelled means the run was cancelled before the tool
	// finished
	ToolStatusCancelled ToolStatus = "cancelled"
)

// FileChange classifies what happened to a file during a step.
type FileChange string

const (
	// FileAdded means the file did not exist before the step
	FileAdded FileChange = "added"
	// FileModified means the file's contents changed
	FileModified FileChange = "modified"
	// FileDeleted means the file was removed
	FileDeleted FileChange = "deleted"
)

// Part is one ordered unit of message content. Type decides which of the
// optional field groups are meaningful; the rest stay zero.
type Part struct {
	ID        string   `json:"id"`
	MessageID string   `json:"message_id"`
	SessionID string   `json:"session_id"`
	Type      PartType `json:"type"`

	// SortOrder is dense per message, assigned by the store.
	SortOrder int `json:"sort_order"`

	// Content carries text and reasoning output. Streaming is true while
	// deltas are still being appended.
	Content   string `json:"content,omitempty"`
	Streaming bool   `json:"streaming,omitempty"`

	// Tool call fields.
	ToolName   string          `json:"tool_name,omitempty"`
	Input      json.RawMessage `json:"input,omitempty"`
	Status     ToolStatus      `json:"status,omitempty"`
	StartedAt  *time.Time      `json:"started_at,omitempty"`
	FinishedAt *time.Time      `json:"finished_at,omitempty"`

	// Tool result fields. ToolCallID references the call part's ID.
	ToolCallID string `json:"tool_call_id,omitempty"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`

	// File fields.
	Path       string     `json:"path,omitempty"`
	BeforeHash string     `json:"before_hash,omitempty"`
	AfterHash  string     `json:"after_hash,omitempty"`
	ChangeType FileChange `json:"change_type,omitempty"`
	Additions  int        `json:"additions,omitempty"`
	Deletions  int        `json:"deletions,omitempty"`

	// Step marker fields. StepOK is meaningful on step-finish only.
	StepName string `json:"step_name,omitempty"`
	StepOK   bool   `json:"step_ok,omitempty"`
}

// Clone returns a copy of the part. Input is shared; callers treat raw
// JSON as immutable.
func (p *Part) Clone() *Part {
	if p == nil {
		return nil
	}
	out := *p
	if p.StartedAt != nil {
		t := *p.StartedAt
		out.StartedAt = &t
	}
	if p.FinishedAt != nil {
		t := *p.FinishedAt
		out.FinishedAt = &t
	}
	return &out
}

// NewTextPart builds an unattached text part. The store assigns identity
// and ordering when the part is appended.
func NewTextPart(content string) *Part {
	return &Part{Type: PartTypeText, Content: content}
}

// NewReasoningPart builds an unattached reasoning part.
func NewReasoningPart(content string) *Part {
	return &Part{Type: PartTypeReasoning, Content: content}
}

// NewToolCallPart builds a pending tool call part.
func NewToolCallPart(toolName string, input json.RawMessage) *Part {
	return &Part{Type: PartTypeToolCall, ToolName: toolName, Input: input, Status: ToolStatusPending}
}

// NewToolResultPart builds a tool result part referencing callID.
func NewToolResultPart(callID, output, errText string) *Part {
	return &Part{Type: PartTypeToolResult, ToolCallID: callID, Output: output, Error: errText}
}

// NewFilePart records a changed file and its diff stats.
func NewFilePart(path string, change FileChange, additions, deletions int) *Part {
	return &Part{Type: PartTypeFile, Path: path, ChangeType: change, Additions: additions, Deletions: deletions}
}

// NewStepStartPart marks the start of an agent loop step.
func NewStepStartPart(name string) *Part {
	return &Part{Type: PartTypeStepStart, StepName: name}
}

// NewStepFinishPart marks the end of an agent loop step.
func NewStepFinishPart(name string, ok bool) *Part {
	return &Part{Type: PartTypeStepFinish, StepName: name, StepOK: ok}
}

// PartPatch is a partial update applied to an existing part. Nil fields are
// left untouched; AppendContent concatenates instead of replacing so
// streaming deltas can accumulate.
type PartPatch struct {
	Content       *string
	AppendContent *string
	Streaming     *bool
	Input         json.RawMessage
	Status        *ToolStatus
	StartedAt     *time.Time
	FinishedAt    *time.Time
	Output        *string
	Error         *string
}

// Apply mutates the part in place according to the patch.
func (p *Part) Apply(patch PartPatch) {
	if patch.Content != nil {
		p.Content = *patch.Content
	}
	if patch.AppendContent != nil {
		p.Content += *patch.AppendContent
	}
	if patch.Streaming != nil {
		p.Streaming = *patch.Streaming
	}
	if patch.Input != nil {
		p.Input = patch.Input
	}
	if patch.Status != nil {
		p.Status = *patch.Status
	}
	if patch.StartedAt != nil {
		p.StartedAt = patch.StartedAt
	}
	if patch.FinishedAt != nil {
		p.FinishedAt = patch.FinishedAt
	}
	if patch.Output != nil {
		p.Output = *patch.Output
	}
	if patch.Error != nil {
		p.Error = *patch.Error
	}
}
