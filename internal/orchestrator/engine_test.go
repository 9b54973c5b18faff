package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/common/config"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
	"github.com/tandemhq/tandem/internal/provider"
	"github.com/tandemhq/tandem/internal/session"
)

func testConfig() *config.Config {
	return &config.Config{
		Storage:  config.StorageConfig{Driver: "memory"},
		Snapshot: config.SnapshotConfig{Backend: "memory"},
		Events:   config.EventsConfig{QueueSize: 16},
		Agent: config.AgentConfig{
			DefaultModel: "test-model",
			RunTimeout:   5,
			MaxSteps:     10,
			ToolTimeout:  2,
		},
		Permissions: config.PermissionsConfig{DefaultMode: "allow", RequestTimeout: 1},
	}
}

// newTestEngine builds and starts an engine on memory backends with a
// scripted provider, stopping it when the test ends.
func newTestEngine(t *testing.T, scripted *provider.Scripted) *Engine {
	t.Helper()
	ctx := context.Background()
	engine, err := New(ctx, testConfig(), nil, WithProvider(scripted))
	require.NoError(t, err)
	require.NoError(t, engine.Start(ctx))
	t.Cleanup(func() {
		if err := engine.Stop(context.Background()); err != nil && err != ErrNotRunning {
			t.Errorf("engine stop: %v", err)
		}
	})
	return engine
}

func quickReply(text string) []provider.ScriptStep {
	return []provider.ScriptStep{
		provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: text}),
		provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
		provider.Step(provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}),
	}
}

func slowReply(delay time.Duration, text string) []provider.ScriptStep {
	return []provider.ScriptStep{
		provider.Step(provider.Event{Type: provider.EventTextDelta, Index: 0, Text: text}),
		provider.Step(provider.Event{Type: provider.EventBlockDone, Index: 0}),
		{Delay: delay, Event: provider.Event{Type: provider.EventDone, StopReason: provider.StopEndTurn}},
	}
}

func waitForEvent(t *testing.T, sub *bus.Subscription, eventType string, timeout time.Duration) bus.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case ev, ok := <-sub.Events():
			require.True(t, ok, "bus closed while waiting for %s", eventType)
			if ev.EventType() == eventType {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", eventType)
			return nil
		}
	}
}

func TestSendPrompt(t *testing.T) {
	ctx := context.Background()

	t.Run("idle sessions run immediately", func(t *testing.T) {
		scripted := provider.NewScripted(quickReply("Done."))
		engine := newTestEngine(t, scripted)

		sess, err := engine.Sessions().CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
		require.NoError(t, err)

		sub, err := engine.Bus().Subscribe(ctx)
		require.NoError(t, err)
		defer sub.Close()

		task, queued, err := engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "hello"})
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Nil(t, queued)

		waitForEvent(t, sub, events.TypeTaskCompleted, 2*time.Second)

		msgs, err := engine.Messages().ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 2)
	})

	t.Run("busy sessions queue and dispatch on completion", func(t *testing.T) {
		scripted := provider.NewScripted(
			slowReply(300*time.Millisecond, "First."),
			quickReply("Second."),
		)
		engine := newTestEngine(t, scripted)

		sess, err := engine.Sessions().CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
		require.NoError(t, err)

		sub, err := engine.Bus().Subscribe(ctx)
		require.NoError(t, err)
		defer sub.Close()

		task, queued, err := engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "first"})
		require.NoError(t, err)
		require.NotNil(t, task)
		assert.Nil(t, queued)

		task2, queued2, err := engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "second"})
		require.NoError(t, err)
		assert.Nil(t, task2)
		require.NotNil(t, queued2)
		assert.Equal(t, "second", queued2.Content)
		assert.True(t, engine.Queue().GetStatus(ctx, sess.ID).Queued)

		waitForEvent(t, sub, events.TypeTaskCompleted, 3*time.Second)
		waitForEvent(t, sub, events.TypeTaskCompleted, 3*time.Second)

		assert.False(t, engine.Queue().GetStatus(ctx, sess.ID).Queued)
		msgs, err := engine.Messages().ListMessages(ctx, sess.ID)
		require.NoError(t, err)
		assert.Len(t, msgs, 4, "both prompts produced turns")
	})

	t.Run("model overrides update the session before the run", func(t *testing.T) {
		scripted := provider.NewScripted(quickReply("Done."))
		engine := newTestEngine(t, scripted)

		sess, err := engine.Sessions().CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
		require.NoError(t, err)

		sub, err := engine.Bus().Subscribe(ctx)
		require.NoError(t, err)
		defer sub.Close()

		_, _, err = engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "hello", Model: "bigger-model"})
		require.NoError(t, err)
		waitForEvent(t, sub, events.TypeTaskCompleted, 2*time.Second)

		updated, err := engine.Sessions().GetSession(ctx, sess.ID)
		require.NoError(t, err)
		assert.Equal(t, "bigger-model", updated.Model)

		reqs := scripted.Requests()
		require.NotEmpty(t, reqs)
		assert.Equal(t, "bigger-model", reqs[0].Model)
	})

	t.Run("rejects empty prompts", func(t *testing.T) {
		engine := newTestEngine(t, provider.NewScripted())
		_, _, err := engine.SendPrompt(ctx, PromptInput{SessionID: "ses_x", Content: " "})
		require.Error(t, err)
	})
}

func TestEngineLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("start is exclusive", func(t *testing.T) {
		engine, err := New(ctx, testConfig(), nil, WithProvider(provider.NewScripted()))
		require.NoError(t, err)
		require.NoError(t, engine.Start(ctx))
		assert.ErrorIs(t, engine.Start(ctx), ErrAlreadyRunning)
		require.NoError(t, engine.Stop(ctx))
		assert.ErrorIs(t, engine.Stop(ctx), ErrNotRunning)
	})

	t.Run("stop aborts active runs", func(t *testing.T) {
		scripted := provider.NewScripted(slowReply(10*time.Second, "Never finishes."))
		engine, err := New(ctx, testConfig(), nil, WithProvider(scripted))
		require.NoError(t, err)
		require.NoError(t, engine.Start(ctx))

		sess, err := engine.Sessions().CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
		require.NoError(t, err)
		task, _, err := engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "work"})
		require.NoError(t, err)
		require.NotNil(t, task)

		done := make(chan error, 1)
		go func() { done <- engine.Stop(ctx) }()
		select {
		case err := <-done:
			require.NoError(t, err)
		case <-time.After(3 * time.Second):
			t.Fatal("stop hung on an active run")
		}

		select {
		case <-task.Done():
		default:
			t.Fatal("run still active after stop")
		}
	})

	t.Run("status reports load", func(t *testing.T) {
		engine := newTestEngine(t, provider.NewScripted(quickReply("ok")))
		_, err := engine.Sessions().CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
		require.NoError(t, err)

		status, err := engine.Status(ctx)
		require.NoError(t, err)
		assert.True(t, status.Running)
		assert.Equal(t, 1, status.Sessions)
		assert.Zero(t, status.ActiveRuns)
	})
}

func TestDeleteSessionClearsQueue(t *testing.T) {
	ctx := context.Background()
	scripted := provider.NewScripted(slowReply(300*time.Millisecond, "First."))
	engine := newTestEngine(t, scripted)

	sess, err := engine.Sessions().CreateSession(ctx, session.CreateOptions{Directory: t.TempDir()})
	require.NoError(t, err)

	task, _, err := engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "first"})
	require.NoError(t, err)
	require.NotNil(t, task)
	_, queued, err := engine.SendPrompt(ctx, PromptInput{SessionID: sess.ID, Content: "second"})
	require.NoError(t, err)
	require.NotNil(t, queued)

	deleted, err := engine.DeleteSession(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.False(t, engine.Queue().GetStatus(ctx, sess.ID).Queued)

	select {
	case <-task.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("delete did not cancel the active run")
	}
}
