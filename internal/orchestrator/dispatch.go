package orchestrator

import (
	"context"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/events"
	"github.com/tandemhq/tandem/internal/events/bus"
)

// dispatchLoop watches for terminal run events and starts the queued
// prompt, if any, for the session whose run just ended.
func (e *Engine) dispatchLoop(sub *bus.Subscription) {
	defer close(e.dispatchDone)
	for ev := range sub.Events() {
		switch ev.EventType() {
		case events.TypeTaskCompleted, events.TypeTaskFailed, events.TypeTaskTimeout, events.TypeTaskCancelled:
		default:
			continue
		}
		if sessionID := ev.EventSessionID(); sessionID != "" {
			e.dispatchQueued(sessionID)
		}
	}
}

// dispatchQueued pops the session's queued prompt and starts its run. The
// session's model and effort were already updated when the prompt was
// accepted, so the prompt content is all that is left to send.
func (e *Engine) dispatchQueued(sessionID string) {
	ctx := context.Background()
	prompt, ok := e.queue.TakeQueued(ctx, sessionID)
	if !ok {
		return
	}

	log := e.logger.WithSessionID(sessionID)
	_, err := e.runner.Start(ctx, sessionID, prompt.Content)
	if err == nil {
		log.Info("dispatched queued prompt", zap.String("prompt_id", prompt.ID))
		return
	}

	if errors.IsInvalidOperation(err) {
		// Another run claimed the slot first. Put the prompt back unless a
		// newer one arrived in the meantime.
		if status := e.queue.GetStatus(ctx, sessionID); !status.Queued {
			if _, qerr := e.queue.Queue(ctx, sessionID, prompt.Content, prompt.Model, prompt.ReasoningEffort); qerr != nil {
				log.Warn("requeueing prompt failed", zap.Error(qerr))
			}
		}
		return
	}
	if errors.IsNotFound(err) {
		// Session deleted while the prompt waited.
		log.Debug("dropping queued prompt for removed session", zap.String("prompt_id", prompt.ID))
		return
	}
	log.Error("starting queued prompt failed", zap.Error(err))
}
