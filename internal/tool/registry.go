package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/constants"
	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/logger"
)

// Registry holds the tools an agent run may call.
type Registry struct {
	timeout time.Duration
	logger  *logger.Logger

	mu    sync.RWMutex
	tools map[string]*Tool
}

// NewRegistry creates an empty registry. timeout bounds each dispatched
// handler; zero or negative falls back to the default dispatch timeout.
func NewRegistry(timeout time.Duration, log *logger.Logger) *Registry {
	if timeout <= 0 {
		timeout = constants.ToolDispatchTimeout
	}
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		timeout: timeout,
		logger:  log,
		tools:   make(map[string]*Tool),
	}
}

// Register adds a tool. The declared input schema is compiled once here so
// malformed schemas fail at registration rather than mid-run.
func (r *Registry) Register(t Tool) error {
	if t.Name == "" {
		return errors.Validation("name", "is required")
	}
	if t.Handler == nil {
		return errors.Validation("handler", "is required")
	}
	schema, err := compileSchema(t.InputSchema)
	if err != nil {
		return errors.Validation("input_schema", fmt.Sprintf("tool %s: %v", t.Name, err))
	}
	t.schema = schema

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name]; exists {
		return errors.InvalidOperation(fmt.Sprintf("tool %s is already registered", t.Name))
	}
	r.tools[t.Name] = &t

	r.logger.Debug("registered tool", zap.String("tool", t.Name))
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (*Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	if !ok {
		return nil, errors.NotFound("Tool", name)
	}
	return t, nil
}

// List returns all registered tools sorted by name.
func (r *Registry) List() []*Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Dispatch validates input against the tool's schema and runs the handler
// under the registry deadline. A handler that outlives the deadline keeps its
// goroutine, but the call returns a timeout error so the run can move on.
// Cancellation of ctx is reported as the context's own error, not a timeout.
func (r *Registry) Dispatch(ctx context.Context, call Call, name string, input json.RawMessage) (string, error) {
	t, err := r.Get(name)
	if err != nil {
		return "", err
	}
	if err := t.validateInput(input); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		output string
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		output, err := t.Handler(callCtx, call, input)
		done <- outcome{output, err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return "", err
		}
		r.logger.Warn("tool dispatch timed out",
			zap.String("tool", name),
			zap.Duration("timeout", r.timeout))
		return "", errors.Timeout("tool "+name, r.timeout)
	}
}
