// Package models defines the session domain model.
package models

import "time"

// ReasoningEffort controls how much thinking budget the provider is asked
// to spend on a session's requests.
type ReasoningEffort string

const (
	// ReasoningEffortLow requests minimal provider-side reasoning
	ReasoningEffortLow ReasoningEffort = "low"
	// ReasoningEffortMedium is the default reasoning budget
	ReasoningEffortMedium ReasoningEffort = "medium"
	// ReasoningEffortHigh requests extended provider-side reasoning
	ReasoningEffortHigh ReasoningEffort = "high"
)

// Timestamps carries a session's lifecycle times.
type Timestamps struct {
	Created  time.Time  `json:"created"`
	Updated  time.Time  `json:"updated"`
	Archived *time.Time `json:"archived,omitempty"`
}

// Revert marks a session as viewing an earlier point of its history.
// It is a pure marker: messages and the working copy are untouched, and
// unrevert clears it without discarding anything.
type Revert struct {
	// MessageID is the message the session was reverted to.
	MessageID string `json:"message_id"`
	// PartID optionally narrows the revert point inside the message.
	PartID string `json:"part_id,omitempty"`
	// Snapshot is the history entry recorded at the revert point.
	Snapshot string `json:"snapshot"`
}

// Session is the unit of conversation and agent work. Every session owns a
// working directory, a message history and a snapshot history.
type Session struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	Directory string `json:"directory"`
	Title     string `json:"title"`
	Version   string `json:"version"`

	// ParentID and ForkPoint are set on sessions created by fork. ForkPoint
	// is the last message copied from the parent.
	ParentID  string `json:"parent_id,omitempty"`
	ForkPoint string `json:"fork_point,omitempty"`

	// Model and ReasoningEffort select provider behavior for agent runs.
	Model           string          `json:"model,omitempty"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`

	// Plugins are ordered plugin names interpreted by the agent loop.
	Plugins []string `json:"plugins,omitempty"`

	// BypassMode skips per-call permission prompts for every tool call in
	// this session.
	BypassMode bool `json:"bypass_mode,omitempty"`

	// RunTimeoutSeconds overrides the engine-wide run deadline. Zero means
	// use the configured default.
	RunTimeoutSeconds int `json:"run_timeout_seconds,omitempty"`

	// TokenCount accumulates provider-reported usage across runs.
	TokenCount int64 `json:"token_count"`

	Time   Timestamps `json:"time"`
	Revert *Revert    `json:"revert,omitempty"`
}

// Reverted reports whether the session currently sits at a revert point.
func (s *Session) Reverted() bool {
	return s.Revert != nil
}

// Clone returns a deep copy so callers can hand sessions across goroutine
// boundaries without sharing mutable state.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	out := *s
	if s.Time.Archived != nil {
		t := *s.Time.Archived
		out.Time.Archived = &t
	}
	if s.Revert != nil {
		r := *s.Revert
		out.Revert = &r
	}
	if s.Plugins != nil {
		out.Plugins = append([]string(nil), s.Plugins...)
	}
	return &out
}

// Touch bumps the updated timestamp.
func (s *Session) Touch() {
	s.Time.Updated = time.Now().UTC()
}
