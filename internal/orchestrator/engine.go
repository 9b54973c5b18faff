// Package orchestrator assembles the Tandem engine from its configured
// parts: storage, the event bus and NATS forwarder, snapshotting, session
// and message stores, permissions, the tool registry with its MCP servers,
// and the agent runner. It also owns prompt dispatch: prompts sent to a
// busy session queue here and start when the active run ends.
package orchestrator

import (
	"context"
	goerrors "errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/agent"
	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/constants"
	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
	"github.com/tandemhq/tandem/internal/message"
	"github.com/tandemhq/tandem/internal/permission"
	"github.com/tandemhq/tandem/internal/promptqueue"
	"github.com/tandemhq/tandem/internal/provider"
	"github.com/tandemhq/tandem/internal/provider/anthropic"
	"github.com/tandemhq/tandem/internal/runtime"
	"github.com/tandemhq/tandem/internal/session"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
	"github.com/tandemhq/tandem/internal/snapshot"
	"github.com/tandemhq/tandem/internal/storage"
	"github.com/tandemhq/tandem/internal/tool"
)

var (
	// ErrAlreadyRunning is returned by Start on a running engine.
	ErrAlreadyRunning = goerrors.New("engine is already running")
	// ErrNotRunning is returned by Stop on a stopped engine.
	ErrNotRunning = goerrors.New("engine is not running")
)

// Option customizes engine construction.
type Option func(*buildOptions)

type buildOptions struct {
	provider provider.Provider
}

// WithProvider overrides the model provider. Tests use this to drive the
// engine with scripted responses.
func WithProvider(p provider.Provider) Option {
	return func(o *buildOptions) {
		o.provider = p
	}
}

// Engine is the assembled Tandem engine.
type Engine struct {
	cfg    *config.Config
	logger *logger.Logger

	store        storage.Store
	storeCleanup func() error
	provided     *events.ProvidedBus
	busCleanup   func() error

	state       *runtime.State
	snapshots   *snapshot.Store
	sessions    *session.Manager
	messages    *message.Store
	registry    *tool.Registry
	mcp         *tool.MCPSource
	permissions *permission.Broker
	runner      *agent.Runner
	queue       *promptqueue.Service

	mu           sync.Mutex
	running      bool
	startedAt    time.Time
	dispatchSub  *bus.Subscription
	dispatchDone chan struct{}
}

// New builds the engine from configuration. Nothing runs until Start; the
// permission policy is loaded here so a broken rules file fails fast.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger, opts ...Option) (*Engine, error) {
	if log == nil {
		log = logger.Default()
	}
	var build buildOptions
	for _, opt := range opts {
		opt(&build)
	}

	store, storeCleanup, err := storage.Provide(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	provided, busCleanup, err := events.Provide(ctx, cfg, log)
	if err != nil {
		_ = storeCleanup()
		return nil, err
	}

	permissions, err := permission.Provide(cfg, provided.Bus, log)
	if err != nil {
		_ = busCleanup()
		_ = storeCleanup()
		return nil, err
	}

	state := runtime.NewState()
	snapshots, err := snapshot.Provide(cfg, store, state, log)
	if err != nil {
		_ = busCleanup()
		_ = storeCleanup()
		return nil, err
	}
	sessions := session.NewManager(store, snapshots, state, provided.Bus, cfg.Agent.DefaultModel, log)
	messages := message.NewStore(store, state, provided.Bus, log)
	registry := tool.NewRegistry(cfg.Agent.ToolTimeoutDuration(), log)

	prov := build.provider
	if prov == nil {
		prov = anthropic.New(cfg.Agent.AnthropicAPIKey, log)
	}

	runner := agent.NewRunner(agent.Deps{
		Sessions:    sessions,
		Messages:    messages,
		Snapshots:   snapshots,
		State:       state,
		Provider:    prov,
		Registry:    registry,
		Permissions: permissions,
		Bus:         provided.Bus,
		Config:      cfg.Agent,
		Logger:      log,
	})

	return &Engine{
		cfg:          cfg,
		logger:       log.WithComponent("engine"),
		store:        store,
		storeCleanup: storeCleanup,
		provided:     provided,
		busCleanup:   busCleanup,
		state:        state,
		snapshots:    snapshots,
		sessions:     sessions,
		messages:     messages,
		registry:     registry,
		mcp:          tool.NewMCPSource(log),
		permissions:  permissions,
		runner:       runner,
		queue:        promptqueue.NewService(log),
	}, nil
}

// Start connects configured MCP servers and begins dispatching queued
// prompts. An MCP connection failure degrades the tool set but does not
// stop the engine.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}
	e.running = true
	e.startedAt = time.Now().UTC()
	e.mu.Unlock()

	if len(e.cfg.MCP.Servers) > 0 {
		if err := e.mcp.Connect(ctx, e.registry, e.cfg.MCP.Servers); err != nil {
			e.logger.Warn("MCP connection failed; running with the tools connected so far", zap.Error(err))
		}
	}

	// The dispatcher outlives the Start call; Stop closes the subscription.
	sub, err := e.provided.Bus.Subscribe(context.Background())
	if err != nil {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
		return err
	}
	e.dispatchSub = sub
	e.dispatchDone = make(chan struct{})
	go e.dispatchLoop(sub)

	e.logger.Info("engine started",
		zap.String("storage", e.cfg.Storage.Driver),
		zap.String("snapshots", e.cfg.Snapshot.Backend),
		zap.Int("tools", len(e.registry.List())))
	return nil
}

// Stop winds the engine down: the dispatcher stops, active runs are
// cancelled and awaited, MCP servers disconnect, then the bus and storage
// close. Sessions and messages stay persisted.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.running = false
	e.mu.Unlock()

	if e.dispatchSub != nil {
		e.dispatchSub.Close()
		<-e.dispatchDone
		e.dispatchSub = nil
	}

	e.abortActiveRuns(ctx)
	e.mcp.Close()

	var firstErr error
	if err := e.busCleanup(); err != nil {
		firstErr = err
	}
	if err := e.storeCleanup(); err != nil && firstErr == nil {
		firstErr = err
	}
	e.logger.Info("engine stopped")
	return firstErr
}

// abortActiveRuns cancels every active run and waits for each to wind
// down, bounded per run so shutdown cannot hang on a stuck provider.
func (e *Engine) abortActiveRuns(ctx context.Context) {
	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		e.logger.Warn("listing sessions during shutdown failed", zap.Error(err))
		return
	}
	var tasks []*runtime.Task
	for _, sess := range sessions {
		if task, ok := e.state.Active(sess.ID); ok {
			tasks = append(tasks, task)
			e.state.Abort(sess.ID)
		}
	}
	for _, task := range tasks {
		select {
		case <-task.Done():
		case <-time.After(constants.DeleteWaitTimeout):
			e.logger.Warn("run did not wind down before shutdown",
				zap.String("session_id", task.SessionID),
				zap.String("run_id", task.RunID))
		case <-ctx.Done():
			return
		}
	}
}

// PromptInput is a prompt submitted to a session. Model and
// ReasoningEffort, when set, update the session before the run starts.
type PromptInput struct {
	SessionID       string
	Content         string
	Model           string
	ReasoningEffort sessionmodels.ReasoningEffort
}

// SendPrompt starts an agent run for the prompt, or queues the prompt when
// the session already has an active run. Exactly one of the returned task
// and queued prompt is non-nil on success.
func (e *Engine) SendPrompt(ctx context.Context, in PromptInput) (*runtime.Task, *promptqueue.Prompt, error) {
	if strings.TrimSpace(in.Content) == "" {
		return nil, nil, errors.Validation("content", "is required")
	}

	if in.Model != "" || in.ReasoningEffort != "" {
		opts := session.UpdateOptions{}
		if in.Model != "" {
			opts.Model = &in.Model
		}
		if in.ReasoningEffort != "" {
			effort := in.ReasoningEffort
			opts.ReasoningEffort = &effort
		}
		if _, err := e.sessions.UpdateSession(ctx, in.SessionID, opts); err != nil {
			return nil, nil, err
		}
	}

	task, err := e.runner.Start(ctx, in.SessionID, in.Content)
	if err == nil {
		return task, nil, nil
	}
	if !errors.IsInvalidOperation(err) {
		return nil, nil, err
	}

	queued, qerr := e.queue.Queue(ctx, in.SessionID, in.Content, in.Model, string(in.ReasoningEffort))
	if qerr != nil {
		return nil, nil, qerr
	}
	e.logger.Info("prompt queued behind active run",
		zap.String("session_id", in.SessionID),
		zap.String("prompt_id", queued.ID))
	return nil, queued, nil
}

// DeleteSession removes the session and drops any prompt queued for it.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) (bool, error) {
	e.queue.ClearSession(sessionID)
	return e.sessions.DeleteSession(ctx, sessionID)
}

// Status describes the running engine.
type Status struct {
	Running    bool      `json:"running"`
	StartedAt  time.Time `json:"started_at,omitempty"`
	Sessions   int       `json:"sessions"`
	ActiveRuns int       `json:"active_runs"`
	Tools      int       `json:"tools"`
}

// Status reports engine state and load.
func (e *Engine) Status(ctx context.Context) (*Status, error) {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	sessions, err := e.sessions.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	active := 0
	for _, sess := range sessions {
		if _, ok := e.state.Active(sess.ID); ok {
			active++
		}
	}
	return &Status{
		Running:    running,
		StartedAt:  startedAt,
		Sessions:   len(sessions),
		ActiveRuns: active,
		Tools:      len(e.registry.List()),
	}, nil
}

// Sessions exposes the session manager.
func (e *Engine) Sessions() *session.Manager { return e.sessions }

// Messages exposes the message store.
func (e *Engine) Messages() *message.Store { return e.messages }

// Permissions exposes the permission broker.
func (e *Engine) Permissions() *permission.Broker { return e.permissions }

// Snapshots exposes the snapshot store.
func (e *Engine) Snapshots() *snapshot.Store { return e.snapshots }

// Queue exposes the prompt queue.
func (e *Engine) Queue() *promptqueue.Service { return e.queue }

// Bus exposes the in-process event bus.
func (e *Engine) Bus() bus.EventBus { return e.provided.Bus }

// Registry exposes the tool registry.
func (e *Engine) Registry() *tool.Registry { return e.registry }
