package agent

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/appctx"
	"github.com/tandemhq/tandem/internal/common/constants"
	"github.com/tandemhq/tandem/internal/common/errors"
	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	"github.com/tandemhq/tandem/internal/provider"
	"github.com/tandemhq/tandem/internal/sysprompt"
	"github.com/tandemhq/tandem/internal/tool"
)

// loop drives provider steps until the model stops asking for tools, the
// step budget runs out, or the context ends.
func (r *Runner) loop(ctx context.Context, st *runState) error {
	maxSteps := r.cfg.MaxSteps
	if maxSteps <= 0 {
		maxSteps = 50
	}
	for step := 1; step <= maxSteps; step++ {
		stop, err := r.step(ctx, st, step)
		if err != nil {
			return err
		}
		st.steps = step
		if stop != provider.StopToolUse {
			return nil
		}
	}
	return errors.InvalidOperation(fmt.Sprintf("run exceeded %d steps without finishing", maxSteps))
}

// step performs one provider iteration: send the full history, stream the
// response into parts, then execute any requested tool calls in order.
func (r *Runner) step(ctx context.Context, st *runState, step int) (provider.StopReason, error) {
	name := fmt.Sprintf("step-%d", step)
	if _, err := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, messagemodels.NewStepStartPart(name)); err != nil {
		return "", err
	}
	ok := false
	defer func() {
		fctx := appctx.Detached(ctx)
		if _, err := r.messages.AppendPart(fctx, st.session.ID, st.assistant.ID, messagemodels.NewStepFinishPart(name, ok)); err != nil {
			st.logger.Warn("appending step finish failed", zap.Error(err))
		}
	}()

	history, err := r.messages.ListMessages(ctx, st.session.ID)
	if err != nil {
		return "", err
	}

	req := provider.Request{
		Model:           st.session.Model,
		SystemPrompt:    sysprompt.ForSession(st.session),
		Messages:        history,
		Tools:           r.toolDefinitions(),
		ReasoningEffort: st.session.ReasoningEffort,
	}

	stop, calls, err := r.consumeStream(ctx, st, req)
	if err != nil {
		return "", err
	}

	for _, call := range calls {
		if err := r.executeCall(ctx, st, call); err != nil {
			return "", err
		}
	}
	ok = true
	return stop, nil
}

// consumeStream drains one provider stream into message parts. It returns
// the stop reason and the tool-call parts created, in arrival order.
func (r *Runner) consumeStream(ctx context.Context, st *runState, req provider.Request) (provider.StopReason, []*messagemodels.Part, error) {
	stream, err := r.provider.Stream(ctx, req)
	if err != nil {
		return "", nil, errors.Wrap(err, "starting provider stream")
	}
	defer func() {
		if cerr := stream.Close(); cerr != nil {
			st.logger.Warn("closing provider stream failed", zap.Error(cerr))
		}
	}()

	// Providers that ignore cancellation get the stream yanked from under
	// them so Next unblocks within the abort budget.
	consumed := make(chan struct{})
	defer close(consumed)
	go func() {
		select {
		case <-consumed:
		case <-ctx.Done():
			timer := time.NewTimer(constants.ProviderAbortTimeout)
			defer timer.Stop()
			select {
			case <-consumed:
			case <-timer.C:
				_ = stream.Close()
			}
		}
	}()

	open := make(map[int]*messagemodels.Part)
	var calls []*messagemodels.Part
	var stop provider.StopReason

	for stream.Next() {
		ev := stream.Current()
		switch ev.Type {
		case provider.EventTextDelta, provider.EventReasoningDelta:
			if part, exists := open[ev.Index]; exists {
				text := ev.Text
				if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, part.ID, messagemodels.PartPatch{AppendContent: &text}); err != nil {
					return "", nil, err
				}
				continue
			}
			var part *messagemodels.Part
			if ev.Type == provider.EventTextDelta {
				part = messagemodels.NewTextPart(ev.Text)
			} else {
				part = messagemodels.NewReasoningPart(ev.Text)
			}
			part.Streaming = true
			stored, err := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, part)
			if err != nil {
				return "", nil, err
			}
			open[ev.Index] = stored

		case provider.EventBlockDone:
			part, exists := open[ev.Index]
			if !exists {
				continue
			}
			notStreaming := false
			if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, part.ID, messagemodels.PartPatch{Streaming: &notStreaming}); err != nil {
				return "", nil, err
			}
			delete(open, ev.Index)

		case provider.EventToolCall:
			part := messagemodels.NewToolCallPart(ev.ToolName, ev.ToolInput)
			part.ID = ev.ToolCallID
			stored, err := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, part)
			if err != nil {
				return "", nil, err
			}
			calls = append(calls, stored)

		case provider.EventUsage:
			st.inputTokens += ev.InputTokens
			st.outputTokens += ev.OutputTokens

		case provider.EventDone:
			stop = ev.StopReason
		}
	}

	if err := stream.Err(); err != nil {
		return "", nil, errors.Wrap(err, "provider stream")
	}
	if ctx.Err() != nil {
		return "", nil, ctx.Err()
	}
	for _, part := range open {
		notStreaming := false
		if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, part.ID, messagemodels.PartPatch{Streaming: &notStreaming}); err != nil {
			return "", nil, err
		}
	}
	if stop == "" {
		stop = provider.StopEndTurn
	}
	return stop, calls, nil
}

// executeCall runs one tool call through permissions and the registry,
// recording status transitions and the result part. A denial produces an
// error result for the model; it does not end the run.
func (r *Runner) executeCall(ctx context.Context, st *runState, call *messagemodels.Part) error {
	decision, err := r.permissions.Request(ctx, st.session, call.ToolName, call.Input)
	if err != nil {
		return err
	}
	now := time.Now().UTC()

	if !decision.Granted {
		cancelled := messagemodels.ToolStatusCancelled
		if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, call.ID, messagemodels.PartPatch{Status: &cancelled, FinishedAt: &now}); err != nil {
			return err
		}
		reason := decision.Reason
		if reason == "" {
			reason = fmt.Sprintf("permission to run %s was denied", call.ToolName)
		}
		_, err := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, messagemodels.NewToolResultPart(call.ID, "", reason))
		return err
	}

	running := messagemodels.ToolStatusRunning
	if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, call.ID, messagemodels.PartPatch{Status: &running, StartedAt: &now}); err != nil {
		return err
	}

	output, err := r.registry.Dispatch(ctx, tool.Call{
		SessionID: st.session.ID,
		Directory: st.session.Directory,
		EmitFile:  r.fileEmitter(ctx, st),
	}, call.ToolName, call.Input)
	finished := time.Now().UTC()

	if err != nil {
		// Cancellation ends the run; a tool failure goes back to the model.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		failed := messagemodels.ToolStatusFailed
		if _, uerr := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, call.ID, messagemodels.PartPatch{Status: &failed, FinishedAt: &finished}); uerr != nil {
			return uerr
		}
		_, aerr := r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, messagemodels.NewToolResultPart(call.ID, "", err.Error()))
		return aerr
	}

	completed := messagemodels.ToolStatusCompleted
	if _, err := r.messages.UpdatePart(ctx, st.session.ID, st.assistant.ID, call.ID, messagemodels.PartPatch{Status: &completed, FinishedAt: &finished}); err != nil {
		return err
	}
	_, err = r.messages.AppendPart(ctx, st.session.ID, st.assistant.ID, messagemodels.NewToolResultPart(call.ID, output, ""))
	return err
}

func (r *Runner) toolDefinitions() []provider.ToolDefinition {
	tools := r.registry.List()
	defs := make([]provider.ToolDefinition, 0, len(tools))
	for _, t := range tools {
		defs = append(defs, provider.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	return defs
}
