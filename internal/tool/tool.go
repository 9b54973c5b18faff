// Package tool keeps the executable surface available to agent runs. Tools
// are registered by name with a JSON Schema for their input; the agent loop
// dispatches provider tool calls through the registry, which validates input
// and bounds handler execution with a per-call deadline.
package tool

import (
	"context"
	"encoding/json"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Handler executes one tool call. The context carries the run's cancel token
// and the dispatch deadline. The returned string becomes the tool-result
// output; a non-nil error becomes the tool-result error text.
type Handler func(ctx context.Context, call Call, input json.RawMessage) (string, error)

// Call carries the per-invocation environment a handler runs in.
type Call struct {
	SessionID string
	Directory string

	// EmitFile records a workspace file the handler touched. The agent loop
	// turns each emission into a file part on the current message. May be nil.
	EmitFile func(path, change string)
}

// Tool pairs a name and input schema with the handler that executes it.
type Tool struct {
	Name        string
	Description string
	InputSchema json.RawMessage
	Handler     Handler

	schema *jsonschema.Schema
}
