package agent

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/common/errors"
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
	"github.com/tandemhq/tandem/internal/storage"
	"github.com/tandemhq/tandem/internal/tool"
)

type testRig struct {
	runner    *Runner
	sessions  *session.Manager
	messages  *message.Store
	snapshots *snapshot.Store
	storage   storage.Store
	state     *runtime.State
	eventBus  *bus.BroadcastBus
	scripted  *provider.Scripted
	registry  *tool.Registry
}

// newTestRig builds a runner on memory storage with a scripted provider.
// A nil policy allows every tool call without prompting.
func newTestRig(t *testing.T, scripted *provider.Scripted, policy *permission.Policy) *testRig {
	t.Helper()
	if policy == nil {
		var err error
		policy, err = permission.LoadPolicy("", permission.ActionAllow)
		require.NoError(t, err)
	}
	state := runtime.NewState()
	store := storage.NewMemoryStore()
	eventBus := bus.NewBroadcastBus(0, nil)
	t.Cleanup(eventBus.Close)
	snapshots := snapshot.NewStore(snapshot.NewMemoryBackend(), store, state, nil)
	sessions := session.NewManager(store, snapshots, state, eventBus, "test-model", nil)
	messages := message.NewStore(store, state, eventBus, nil)
	registry := tool.NewRegistry(2*time.Second, nil)
	runner := NewRunner(Deps{
		Sessions:    sessions,
		Messages:    messages,
		Snapshots:   snapshots,
		State:       state,
		Provider:    scripted,
		Registry:    registry,
		Permissions: permission.NewBroker(policy, time.Second, eventBus, nil),
		Bus:         eventBus,
		Config:      config.AgentConfig{DefaultModel: "test-model", RunTimeout: 5, MaxSteps: 10, ToolTimeout: 2},
	})
	return &testRig{
		runner:    runner,
		sessions:  sessions,
		messages:  messages,
		snapshots: snapshots,
		storage:   store,
		state:     state,
		eventBus:  eventBus,
		scripted:  scripted,
		registry:  registry,
	}
}

func registerTool(t *testing.T, registry *tool.Registry, name string, handler tool.Handler) {
	t.Helper()
	require.NoError(t, registry.Register(tool.Tool{
		Name:        name,
		Description: name + " test tool",
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Handler:     handler,
	}))
}

func waitEvent(t *testing.T, sub *bus.Subscription, what string, match func(bus.Event) bool) bus.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "bus closed while waiting for %s", what)
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", what)
			return nil
		}
	}
}

func waitEventType(t *testing.T, sub *bus.Subscription, eventType string) bus.Event {
	t.Helper()
	return waitEvent(t, sub, eventType, func(ev bus.Event) bool {
		return ev.EventType() == eventType
	})
}

func partTypes(msg *messagemodels.Message) []messagemodels.PartType {
	types := make([]messagemodels.PartType, 0, len(msg.Parts))
	for _, part := range msg.Parts {
		types = append(types, part.Type)
	}
	return types
}

func TestRunToolLoop(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "Let me "}),
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "check."}),
			provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
			provider.Step(provider.Event{Type: provider.EventToolCall, ToolCallID: "call_1", ToolName: "echo", ToolInput: json.RawMessage(`{"text":"hi"}`)}),
			provider.Step(provider.Event{Type: provider.EventUsage, InputTokens: 10, OutputTokens: 5}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopToolUse}),
		},
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "All done."}),
			provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
			provider.Step(provider.Event{Type: provider.EventUsage, InputTokens: 5, OutputTokens: 2}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}),
		},
	)
	rig := newTestRig(t, scripted, nil)
	registerTool(t, rig.registry, "echo", func(ctx context.Context, call tool.Call, input json.RawMessage) (string, error) {
		var in struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(input, &in); err != nil {
			return "", err
		}
		return "echo: " + in.Text, nil
	})

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	task, err := rig.runner.Start(ctx, sess.ID, "say hi")
	require.NoError(t, err)

	started := waitEventType(t, sub, events.TypeTaskStarted).(events.TaskStarted)
	assert.Equal(t, task.RunID, started.RunID)
	completed := waitEventType(t, sub, events.TypeTaskCompleted).(events.TaskCompleted)
	assert.Equal(t, 2, completed.Steps)
	assert.Equal(t, task.RunID, completed.RunID)

	t.Run("records the conversation as ordered parts", func(t *testing.T) {
		msgs, err := rig.messages.ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		require.Len(t, msgs, 2)

		user := msgs[0]
		assert.Equal(t, messagemodels.RoleUser, user.Role)
		require.Len(t, user.Parts, 1)
		assert.Equal(t, "say hi", user.Parts[0].Content)

		assistant := msgs[1]
		assert.Equal(t, messagemodels.RoleAssistant, assistant.Role)
		assert.Equal(t, []messagemodels.PartType{
			messagemodels.PartTypeStepStart,
			messagemodels.PartTypeText,
			messagemodels.PartTypeToolCall,
			messagemodels.PartTypeToolResult,
			messagemodels.PartTypeStepFinish,
			messagemodels.PartTypeStepStart,
			messagemodels.PartTypeText,
			messagemodels.PartTypeStepFinish,
		}, partTypes(assistant))

		text := assistant.Parts[1]
		assert.Equal(t, "Let me check.", text.Content)
		assert.False(t, text.Streaming)

		call := assistant.Parts[2]
		assert.Equal(t, "call_1", call.ID)
		assert.Equal(t, "echo", call.ToolName)
		assert.Equal(t, messagemodels.ToolStatusCompleted, call.Status)
		assert.NotNil(t, call.StartedAt)
		assert.NotNil(t, call.FinishedAt)

		result := assistant.Parts[3]
		assert.Equal(t, "call_1", result.ToolCallID)
		assert.Equal(t, "echo: hi", result.Output)
		assert.Empty(t, result.Error)

		finishPart := assistant.Parts[4]
		assert.Equal(t, "step-1", finishPart.StepName)
		assert.True(t, finishPart.StepOK)
	})

	t.Run("stamps usage on the message and the session", func(t *testing.T) {
		msgs, err := rig.messages.ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		assistant := msgs[1]
		require.NotNil(t, assistant.Completed)
		assert.Equal(t, int64(15), assistant.InputTokens)
		assert.Equal(t, int64(7), assistant.OutputTokens)
		assert.Equal(t, "scripted", assistant.Provider)
		assert.Equal(t, "test-model", assistant.Model)

		updated, err := rig.sessions.GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, int64(22), updated.TokenCount)
	})

	t.Run("commits a snapshot per turn boundary", func(t *testing.T) {
		history, err := rig.storage.GetSnapshotHistory(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, history, 3, "init, user message, agent turn")
	})

	t.Run("sends history, tools and the system prompt", func(t *testing.T) {
		reqs := rig.scripted.Requests()
		require.Len(t, reqs, 2)
		assert.Equal(t, "test-model", reqs[0].Model)
		assert.Equal(t, sessionmodels.ReasoningEffortMedium, reqs[0].ReasoningEffort)
		assert.Contains(t, reqs[0].SystemPrompt, sess.Directory)
		require.Len(t, reqs[0].Tools, 1)
		assert.Equal(t, "echo", reqs[0].Tools[0].Name)
		assert.Len(t, reqs[1].Messages, 2, "second step sees the partial assistant message")
	})

	t.Run("frees the run slot", func(t *testing.T) {
		_, active := rig.state.Active(sess.ID)
		assert.False(t, active)
	})
}

func TestRunPermissionDenied(t *testing.T) {
	ctx := context.Background()
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(`
default: allow
rules:
  - action: deny
    tool: echo
    message: echo is blocked
`), 0o644))
	policy, err := permission.LoadPolicy(policyPath, permission.ActionAsk)
	require.NoError(t, err)

	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventToolCall, ToolCallID: "call_1", ToolName: "echo", ToolInput: json.RawMessage(`{}`)}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopToolUse}),
		},
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "Understood."}),
			provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}),
		},
	)
	rig := newTestRig(t, scripted, policy)

	var handlerCalls atomic.Int32
	registerTool(t, rig.registry, "echo", func(ctx context.Context, call tool.Call, input json.RawMessage) (string, error) {
		handlerCalls.Add(1)
		return "never", nil
	})

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = rig.runner.Start(ctx, sess.ID, "run echo")
	require.NoError(t, err)

	completed := waitEventType(t, sub, events.TypeTaskCompleted).(events.TaskCompleted)
	assert.Equal(t, 2, completed.Steps, "a denial feeds back to the model instead of ending the run")
	assert.Zero(t, handlerCalls.Load())

	msgs, err := rig.messages.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assistant := msgs[1]
	require.GreaterOrEqual(t, len(assistant.Parts), 4)

	call := assistant.Parts[1]
	assert.Equal(t, messagemodels.PartTypeToolCall, call.Type)
	assert.Equal(t, messagemodels.ToolStatusCancelled, call.Status)
	assert.NotNil(t, call.FinishedAt)

	result := assistant.Parts[2]
	assert.Equal(t, messagemodels.PartTypeToolResult, result.Type)
	assert.Equal(t, "call_1", result.ToolCallID)
	assert.Equal(t, "echo is blocked", result.Error)
}

func TestRunAbort(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "Working"}),
			{Delay: 5 * time.Second, Event: provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}},
		},
	)
	rig := newTestRig(t, scripted, nil)

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	task, err := rig.runner.Start(ctx, sess.ID, "start the job")
	require.NoError(t, err)

	waitEvent(t, sub, "streamed text part", func(ev bus.Event) bool {
		created, ok := ev.(events.PartCreated)
		return ok && created.Part.Type == messagemodels.PartTypeText && created.Part.Content == "Working"
	})

	aborted, err := rig.sessions.AbortSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, aborted)

	cancelled := waitEventType(t, sub, events.TypeTaskCancelled).(events.TaskCancelled)
	assert.Equal(t, task.RunID, cancelled.RunID)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not wind down after abort")
	}

	msgs, err := rig.messages.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assistant := msgs[1]
	require.NotNil(t, assistant.Completed, "the turn is closed out even when cancelled")
	assert.Equal(t, []messagemodels.PartType{
		messagemodels.PartTypeStepStart,
		messagemodels.PartTypeText,
		messagemodels.PartTypeStepFinish,
	}, partTypes(assistant))
	assert.False(t, assistant.Parts[1].Streaming, "interrupted streaming parts are settled")
	assert.False(t, assistant.Parts[2].StepOK)

	_, active := rig.state.Active(sess.ID)
	assert.False(t, active)
}

func TestRunTimeout(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "Working"}),
			{Delay: 5 * time.Second, Event: provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}},
		},
	)
	rig := newTestRig(t, scripted, nil)

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{
		Directory:         t.TempDir(),
		RunTimeoutSeconds: 1,
	})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	task, err := rig.runner.Start(ctx, sess.ID, "work forever")
	require.NoError(t, err)

	deadline := time.After(4 * time.Second)
	var timedOut events.TaskTimeout
	for found := false; !found; {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok)
			if ev.EventType() == events.TypeTaskTimeout {
				timedOut = ev.(events.TaskTimeout)
				found = true
			}
		case <-deadline:
			t.Fatal("timed out waiting for task.timeout")
		}
	}
	assert.Equal(t, task.RunID, timedOut.RunID)
	assert.Equal(t, int64(1000), timedOut.TimeoutMs)

	_, active := rig.state.Active(sess.ID)
	assert.False(t, active)
}

func TestStartValidation(t *testing.T) {
	ctx := context.Background()
	rig := newTestRig(t, provider.NewScripted(), nil)

	t.Run("rejects empty prompts", func(t *testing.T) {
		_, err := rig.runner.Start(ctx, "ses_whatever", "   ")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("unknown session", func(t *testing.T) {
		_, err := rig.runner.Start(ctx, "ses_missing", "hello")
		require.Error(t, err)
		assert.True(t, errors.IsNotFound(err))
	})
}

func TestStartWhileRunning(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			{Delay: 2 * time.Second, Event: provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}},
		},
	)
	rig := newTestRig(t, scripted, nil)

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	task, err := rig.runner.Start(ctx, sess.ID, "first")
	require.NoError(t, err)
	waitEventType(t, sub, events.TypeTaskStarted)

	_, err = rig.runner.Start(ctx, sess.ID, "second")
	require.Error(t, err)
	assert.True(t, errors.IsInvalidOperation(err))

	aborted, err := rig.sessions.AbortSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, aborted)
	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("run did not wind down after abort")
	}
}

func TestRunUnrevertsSession(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "First reply."}),
			provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}),
		},
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "Second reply."}),
			provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}),
		},
	)
	rig := newTestRig(t, scripted, nil)

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = rig.runner.Start(ctx, sess.ID, "first prompt")
	require.NoError(t, err)
	waitEventType(t, sub, events.TypeTaskCompleted)

	msgs, err := rig.messages.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	reverted, err := rig.sessions.RevertSession(ctx, sess.ID, msgs[0].ID, "")
	require.NoError(t, err)
	require.NotNil(t, reverted.Revert)

	_, err = rig.runner.Start(ctx, sess.ID, "second prompt")
	require.NoError(t, err)
	waitEventType(t, sub, events.TypeTaskCompleted)

	final, err := rig.sessions.GetSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.Nil(t, final.Revert, "a new prompt clears the revert marker")

	msgs, err = rig.messages.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assert.Len(t, msgs, 4, "revert is a marker; history is kept")
}

func TestRunFileParts(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventToolCall, ToolCallID: "call_1", ToolName: "write_files", ToolInput: json.RawMessage(`{}`)}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopToolUse}),
		},
		[]provider.ScriptStep{
			provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: "Files written."}),
			provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
			provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}),
		},
	)
	rig := newTestRig(t, scripted, nil)
	registerTool(t, rig.registry, "write_files", func(ctx context.Context, call tool.Call, input json.RawMessage) (string, error) {
		if err := os.WriteFile(filepath.Join(call.Directory, "note.txt"), []byte("alpha\n"), 0o644); err != nil {
			return "", err
		}
		if err := os.WriteFile(filepath.Join(call.Directory, "extra.txt"), []byte("beta\n"), 0o644); err != nil {
			return "", err
		}
		call.EmitFile("note.txt", "added")
		return "ok", nil
	})

	sess, err := rig.sessions.CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	sub, err := rig.eventBus.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	_, err = rig.runner.Start(ctx, sess.ID, "write the files")
	require.NoError(t, err)
	waitEventType(t, sub, events.TypeTaskCompleted)

	msgs, err := rig.messages.ListMessages(ctx, sess.ID)
	require.NoError(t, err)
	assistant := msgs[1]

	fileParts := make(map[string]*messagemodels.Part)
	for _, part := range assistant.Parts {
		if part.Type == messagemodels.PartTypeFile {
			require.NotContains(t, fileParts, part.Path, "each changed path gets exactly one file part")
			fileParts[part.Path] = part
		}
	}
	require.Len(t, fileParts, 2)

	note := fileParts["note.txt"]
	require.NotNil(t, note)
	assert.Equal(t, messagemodels.FileAdded, note.ChangeType)

	extra := fileParts["extra.txt"]
	require.NotNil(t, extra)
	assert.Equal(t, messagemodels.FileAdded, extra.ChangeType)
	assert.Equal(t, 1, extra.Additions, "turn diff fills in line counts for unreported files")
}
