package anthropic

import (
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/tandemhq/tandem/internal/provider"
)

// stream converts Anthropic SSE events into provider events. One SSE event
// yields zero or more provider events; the surplus queues in pending so
// Next can drain it before touching the wire again.
type stream struct {
	inner *ssestream.Stream[sdk.MessageStreamEventUnion]

	current provider.Event
	pending []provider.Event

	tools      map[int]*toolAccumulator
	stopReason provider.StopReason
}

func newStream(inner *ssestream.Stream[sdk.MessageStreamEventUnion]) *stream {
	return &stream{inner: inner, tools: make(map[int]*toolAccumulator)}
}

func (s *stream) Next() bool {
	for {
		if len(s.pending) > 0 {
			s.current = s.pending[0]
			s.pending = s.pending[1:]
			return true
		}
		if !s.inner.Next() {
			return false
		}
		s.handle(s.inner.Current())
	}
}

func (s *stream) Current() provider.Event { return s.current }

func (s *stream) Err() error { return s.inner.Err() }

func (s *stream) Close() error { return s.inner.Close() }

func (s *stream) push(e provider.Event) {
	s.pending = append(s.pending, e)
}

func (s *stream) handle(event sdk.MessageStreamEventUnion) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		if in := ev.Message.Usage.InputTokens; in > 0 {
			s.push(provider.Event{Type: provider.EventUsage, InputTokens: in})
		}
	case sdk.ContentBlockStartEvent:
		if block, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.tools[int(ev.Index)] = &toolAccumulator{id: block.ID, name: block.Name}
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				s.push(provider.Event{Type: provider.EventTextDelta, Index: idx, Text: delta.Text})
			}
		case sdk.ThinkingDelta:
			if delta.Thinking != "" {
				s.push(provider.Event{Type: provider.EventReasoningDelta, Index: idx, Text: delta.Thinking})
			}
		case sdk.InputJSONDelta:
			if acc := s.tools[idx]; acc != nil && delta.PartialJSON != "" {
				acc.fragments = append(acc.fragments, delta.PartialJSON)
			}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		if acc, ok := s.tools[idx]; ok {
			delete(s.tools, idx)
			s.push(provider.Event{
				Type:       provider.EventToolCall,
				Index:      idx,
				ToolCallID: acc.id,
				ToolName:   acc.name,
				ToolInput:  acc.input(),
			})
		} else {
			s.push(provider.Event{Type: provider.EventBlockDone, Index: idx})
		}
	case sdk.MessageDeltaEvent:
		if r := string(ev.Delta.StopReason); r != "" {
			s.stopReason = mapStopReason(r)
		}
		if ev.Usage.InputTokens > 0 || ev.Usage.OutputTokens > 0 {
			s.push(provider.Event{
				Type:         provider.EventUsage,
				InputTokens:  ev.Usage.InputTokens,
				OutputTokens: ev.Usage.OutputTokens,
			})
		}
	case sdk.MessageStopEvent:
		reason := s.stopReason
		if reason == "" {
			reason = provider.StopEndTurn
		}
		s.push(provider.Event{Type: provider.EventDone, StopReason: reason})
	}
}

// mapStopReason folds the API's stop reasons into the three the agent loop
// distinguishes. Stop sequences and refusals read as an ended turn.
func mapStopReason(reason string) provider.StopReason {
	switch reason {
	case "tool_use":
		return provider.StopToolUse
	case "max_tokens":
		return provider.StopMaxTokens
	default:
		return provider.StopEndTurn
	}
}

type toolAccumulator struct {
	id        string
	name      string
	fragments []string
}

// input joins the accumulated JSON fragments. Tool calls without arguments
// stream no fragments at all, which the API treats as an empty object.
func (a *toolAccumulator) input() json.RawMessage {
	joined := strings.TrimSpace(strings.Join(a.fragments, ""))
	if joined == "" {
		joined = "{}"
	}
	return json.RawMessage(joined)
}
