// Package agent drives provider-backed runs against a session. A run
// streams model output into message parts, routes tool calls through the
// permission broker and the registry, and closes the turn with a snapshot
// commit and a usage-stamped assistant message.
package agent

import (
	"context"
	goerrors "errors"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/appctx"
	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/ident"
	"github.com/tandemhq/tandem/internal/common/logger"
	"github.com/tandemhq/tandem/internal/common/stringutil"
	"github.com/tandemhq/tandem/internal/common/tracing"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
	"github.com/tandemhq/tandem/internal/message"
	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	"github.com/tandemhq/tandem/internal/permission"
	"github.com/tandemhq/tandem/internal/provider"
	"github.com/tandemhq/tandem/internal/runtime"
	"github.com/tandemhq/tandem/internal/session"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
	"github.com/tandemhq/tandem/internal/snapshot"
	"github.com/tandemhq/tandem/internal/tool"
)

// Deps wires the runner's collaborators.
type Deps struct {
	Sessions    *session.Manager
	Messages    *message.Store
	Snapshots   *snapshot.Store
	State       *runtime.State
	Provider    provider.Provider
	Registry    *tool.Registry
	Permissions *permission.Broker
	Bus         bus.EventBus
	Config      config.AgentConfig
	Logger      *logger.Logger
}

// Runner executes agent runs. A single Runner serves every session;
// per-session exclusivity comes from runtime.State.
type Runner struct {
	sessions    *session.Manager
	messages    *message.Store
	snapshots   *snapshot.Store
	state       *runtime.State
	provider    provider.Provider
	registry    *tool.Registry
	permissions *permission.Broker
	eventBus    bus.EventBus
	cfg         config.AgentConfig
	logger      *logger.Logger
}

// NewRunner creates a runner from its dependencies.
func NewRunner(deps Deps) *Runner {
	log := deps.Logger
	if log == nil {
		log = logger.Default()
	}
	return &Runner{
		sessions:    deps.Sessions,
		messages:    deps.Messages,
		snapshots:   deps.Snapshots,
		state:       deps.State,
		provider:    deps.Provider,
		registry:    deps.Registry,
		permissions: deps.Permissions,
		eventBus:    deps.Bus,
		cfg:         deps.Config,
		logger:      log.WithComponent("agent"),
	}
}

// runState carries one run's accumulators across loop steps.
type runState struct {
	session   *sessionmodels.Session
	assistant *messagemodels.Message
	logger    *logger.Logger

	steps        int
	inputTokens  int64
	outputTokens int64

	// emitted guards the end-of-turn diff against duplicating file parts
	// already reported by tools. A timed-out handler may still call its
	// emitter from a stale goroutine, hence the mutex.
	mu      sync.Mutex
	emitted map[string]struct{}
}

func (st *runState) markEmitted(path string) {
	st.mu.Lock()
	st.emitted[path] = struct{}{}
	st.mu.Unlock()
}

func (st *runState) wasEmitted(path string) bool {
	st.mu.Lock()
	defer st.mu.Unlock()
	_, ok := st.emitted[path]
	return ok
}

// Start claims the session's run slot, commits the user message and kicks
// off the run in the background. The returned task is the run's
// cancellation token. A session with an active run refuses a second Start
// with InvalidOperation; callers that want queueing handle that error.
func (r *Runner) Start(ctx context.Context, sessionID, content string) (*runtime.Task, error) {
	if strings.TrimSpace(content) == "" {
		return nil, errors.Validation("content", "is required")
	}
	sess, err := r.sessions.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	// The run must outlive the caller's request context.
	runID := ident.NewRunID()
	lock := r.state.SessionLock(sessionID)
	lock.Lock()
	task, err := r.state.Begin(appctx.Detached(ctx), sessionID, runID)
	lock.Unlock()
	if err != nil {
		return nil, err
	}
	runCtx := task.Context()

	// A prompt sent into a reverted session resumes from the revert point.
	if sess.Reverted() {
		if sess, err = r.sessions.UnrevertSession(runCtx, sessionID); err != nil {
			r.state.Finish(task)
			return nil, err
		}
	}

	r.publish(runCtx, events.TaskStarted{SessionID: sessionID, RunID: runID})

	userMsg, err := r.messages.AppendMessage(runCtx, sessionID, &messagemodels.Message{Role: messagemodels.RoleUser})
	if err != nil {
		r.state.Finish(task)
		return nil, err
	}
	if _, err = r.messages.AppendPart(runCtx, sessionID, userMsg.ID, messagemodels.NewTextPart(content)); err != nil {
		r.state.Finish(task)
		return nil, err
	}
	// Commit failure is already reported by the manager; the conversation
	// write stands and the run proceeds.
	if _, err = r.sessions.CommitAndRecord(runCtx, sess, "user message"); err != nil {
		r.logger.Warn("user message snapshot not recorded",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}

	r.logger.Info("run started",
		zap.String("session_id", sessionID),
		zap.String("run_id", runID),
		zap.String("prompt", stringutil.Preview(content, 80)))

	go r.run(task, sess)
	return task, nil
}

// run executes the agent loop under the run deadline and publishes exactly
// one terminal task event.
func (r *Runner) run(task *runtime.Task, sess *sessionmodels.Session) {
	timeout := r.cfg.RunTimeoutDuration()
	if sess.RunTimeoutSeconds > 0 {
		timeout = time.Duration(sess.RunTimeoutSeconds) * time.Second
	}
	ctx, cancel := context.WithTimeout(task.Context(), timeout)
	defer cancel()
	defer r.state.Finish(task)

	ctx, span := tracing.Tracer("tandem-agent").Start(ctx, "agent.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("session_id", sess.ID),
		attribute.String("run_id", task.RunID),
	)

	st := &runState{
		session: sess,
		emitted: make(map[string]struct{}),
		logger:  r.logger.WithSessionID(sess.ID).WithRunID(task.RunID),
	}

	assistant, err := r.messages.AppendMessage(ctx, sess.ID, &messagemodels.Message{
		Role:     messagemodels.RoleAssistant,
		Model:    sess.Model,
		Provider: r.provider.Name(),
	})
	var runErr error
	if err != nil {
		runErr = err
	} else {
		st.assistant = assistant
		runErr = r.loop(ctx, st)
	}

	r.finish(ctx, st, runErr)

	// Classify before freeing the slot: Finish cancels the run context.
	cancelled := task.Cancelled() || goerrors.Is(runErr, context.Canceled)
	timedOut := !cancelled && ctx.Err() == context.DeadlineExceeded

	// Free the slot first so a handler of the terminal event can start the
	// session's next run immediately.
	r.state.Finish(task)
	detached := appctx.Detached(ctx)

	switch {
	case cancelled:
		st.logger.Info("run cancelled", zap.Int("steps", st.steps))
		r.publish(detached, events.TaskCancelled{SessionID: sess.ID, RunID: task.RunID})
	case timedOut:
		st.logger.Warn("run timed out", zap.Duration("timeout", timeout))
		r.publish(detached, events.TaskTimeout{SessionID: sess.ID, RunID: task.RunID, TimeoutMs: timeout.Milliseconds()})
	case runErr != nil:
		st.logger.Error("run failed", zap.Error(runErr))
		r.publish(detached, events.TaskFailed{SessionID: sess.ID, RunID: task.RunID, Error: runErr.Error()})
	default:
		st.logger.Info("run completed", zap.Int("steps", st.steps))
		r.publish(detached, events.TaskCompleted{SessionID: sess.ID, RunID: task.RunID, Steps: st.steps})
	}
}

// finish closes out the assistant turn regardless of how the loop ended:
// parts left open are settled, the working copy is committed, file parts
// cover changes no tool reported, and the message is stamped with usage.
func (r *Runner) finish(ctx context.Context, st *runState, runErr error) {
	if st.assistant == nil {
		return
	}
	fctx := appctx.Detached(ctx)
	sessionID := st.session.ID

	if runErr != nil || ctx.Err() != nil {
		r.settleOpenParts(fctx, st)
	}

	var prevTop string
	if history, err := r.snapshots.History(fctx, sessionID); err == nil && len(history) > 0 {
		prevTop = history[len(history)-1]
	}
	if info, err := r.sessions.CommitAndRecord(fctx, st.session, "agent turn"); err == nil {
		r.attachFileParts(fctx, st, prevTop, info.ChangeID)
	}

	meta := &messagemodels.ProviderMetadata{
		Provider:     r.provider.Name(),
		Model:        st.session.Model,
		InputTokens:  st.inputTokens,
		OutputTokens: st.outputTokens,
	}
	if _, err := r.messages.CompleteMessage(fctx, sessionID, st.assistant.ID, meta); err != nil {
		st.logger.Warn("completing assistant message failed", zap.Error(err))
	}

	if total := st.inputTokens + st.outputTokens; total > 0 {
		if _, err := r.sessions.RecordTokens(fctx, sessionID, total); err != nil {
			st.logger.Warn("recording token usage failed", zap.Error(err))
		}
	}
}

// settleOpenParts clears what an interrupted loop left behind: unfinished
// tool calls become cancelled and streaming flags drop.
func (r *Runner) settleOpenParts(ctx context.Context, st *runState) {
	msg, err := r.messages.GetMessage(ctx, st.session.ID, st.assistant.ID)
	if err != nil {
		return
	}
	now := time.Now().UTC()
	notStreaming := false
	cancelledStatus := messagemodels.ToolStatusCancelled
	for _, part := range msg.Parts {
		var patch messagemodels.PartPatch
		changed := false
		if part.Type == messagemodels.PartTypeToolCall &&
			(part.Status == messagemodels.ToolStatusPending || part.Status == messagemodels.ToolStatusRunning) {
			patch.Status = &cancelledStatus
			patch.FinishedAt = &now
			changed = true
		}
		if part.Streaming {
			patch.Streaming = &notStreaming
			changed = true
		}
		if !changed {
			continue
		}
		if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, part.ID, patch); err != nil {
			st.logger.Warn("settling interrupted part failed",
				zap.String("part_id", part.ID),
				zap.Error(err))
		}
	}
}

// attachFileParts appends file parts for working-copy changes between the
// turn's bounding snapshots that no tool reported itself.
func (r *Runner) attachFileParts(ctx context.Context, st *runState, from, to string) {
	if from == "" || from == to {
		return
	}
	diffs, err := r.snapshots.Diff(ctx, st.session, from, to)
	if err != nil {
		st.logger.Warn("diffing agent turn failed", zap.Error(err))
		return
	}
	for _, d := range diffs {
		if st.wasEmitted(d.Path) {
			continue
		}
		part := messagemodels.NewFilePart(d.Path, messagemodels.FileChange(d.ChangeType), d.AddedLines, d.DeletedLines)
		if _, err := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, part); err != nil {
			st.logger.Warn("appending file part failed",
				zap.String("path", d.Path),
				zap.Error(err))
		}
	}
}

// fileEmitter returns the EmitFile callback handed to tools. Emitted paths
// get an immediate file part and are excluded from the end-of-turn diff.
func (r *Runner) fileEmitter(ctx context.Context, st *runState) func(path, change string) {
	return func(path, change string) {
		// A stale emitter from a timed-out handler reports into a finished
		// run; drop it.
		if ctx.Err() != nil {
			return
		}
		st.markEmitted(path)
		fc := messagemodels.FileChange(change)
		switch fc {
		case messagemodels.FileAdded, messagemodels.FileModified, messagemodels.FileDeleted:
		default:
			fc = messagemodels.FileModified
		}
		part := messagemodels.NewFilePart(path, fc, 0, 0)
		if _, err := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, part); err != nil {
			st.logger.Warn("appending emitted file part failed",
				zap.String("path", path),
				zap.Error(err))
		}
	}
}

func (r *Runner) publish(ctx context.Context, event bus.Event) {
	if r.eventBus == nil {
		return
	}
	r.eventBus.Publish(ctx, event)
}
