package anthropic

import (
	"testing"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/provider"
)

// testDecoder feeds a fixed event sequence into an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return nil }

func sse(eventType, data string) ssestream.Event {
	return ssestream.Event{Type: eventType, Data: []byte(data)}
}

func TestStreamConvertsEvents(t *testing.T) {
	dec := &testDecoder{events: []ssestream.Event{
		sse("message_start", `{"type":"message_start","message":{"id":"msg_01","type":"message","role":"assistant","model":"claude-sonnet-4-5","content":[],"usage":{"input_tokens":25,"output_tokens":1}}}`),
		sse("content_block_start", `{"type":"content_block_start","index":0,"content_block":{"type":"thinking","thinking":"","signature":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":0,"delta":{"type":"thinking_delta","thinking":"planning"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":0}`),
		sse("content_block_start", `{"type":"content_block_start","index":1,"content_block":{"type":"text","text":""}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"Hel"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":1,"delta":{"type":"text_delta","text":"lo"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":1}`),
		sse("content_block_start", `{"type":"content_block_start","index":2,"content_block":{"type":"tool_use","id":"toolu_01","name":"read_file","input":{}}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"{\"pa"}}`),
		sse("content_block_delta", `{"type":"content_block_delta","index":2,"delta":{"type":"input_json_delta","partial_json":"th\":\"x\"}"}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":2}`),
		sse("content_block_start", `{"type":"content_block_start","index":3,"content_block":{"type":"tool_use","id":"toolu_02","name":"list_sessions","input":{}}}`),
		sse("content_block_stop", `{"type":"content_block_stop","index":3}`),
		sse("message_delta", `{"type":"message_delta","delta":{"stop_reason":"tool_use","stop_sequence":null},"usage":{"output_tokens":40}}`),
		sse("message_stop", `{"type":"message_stop"}`),
	}}

	s := newStream(ssestream.NewStream[sdk.MessageStreamEventUnion](dec, nil))
	var events []provider.Event
	for s.Next() {
		events = append(events, s.Current())
	}
	require.NoError(t, s.Err())
	require.Len(t, events, 10)

	assert.Equal(t, provider.EventUsage, events[0].Type)
	assert.Equal(t, int64(25), events[0].InputTokens)

	assert.Equal(t, provider.EventReasoningDelta, events[1].Type)
	assert.Equal(t, 0, events[1].Index)
	assert.Equal(t, "planning", events[1].Text)

	assert.Equal(t, provider.EventBlockDone, events[2].Type)
	assert.Equal(t, 0, events[2].Index)

	assert.Equal(t, provider.EventTextDelta, events[3].Type)
	assert.Equal(t, 1, events[3].Index)
	assert.Equal(t, "Hel", events[3].Text)
	assert.Equal(t, "lo", events[4].Text)

	assert.Equal(t, provider.EventBlockDone, events[5].Type)
	assert.Equal(t, 1, events[5].Index)

	call := events[6]
	assert.Equal(t, provider.EventToolCall, call.Type)
	assert.Equal(t, 2, call.Index)
	assert.Equal(t, "toolu_01", call.ToolCallID)
	assert.Equal(t, "read_file", call.ToolName)
	assert.JSONEq(t, `{"path":"x"}`, string(call.ToolInput))

	// A call that streams no input fragments defaults to an empty object.
	empty := events[7]
	assert.Equal(t, provider.EventToolCall, empty.Type)
	assert.Equal(t, "toolu_02", empty.ToolCallID)
	assert.Equal(t, "list_sessions", empty.ToolName)
	assert.Equal(t, "{}", string(empty.ToolInput))

	usage := events[8]
	assert.Equal(t, provider.EventUsage, usage.Type)
	assert.Equal(t, int64(40), usage.OutputTokens)

	done := events[9]
	assert.Equal(t, provider.EventDone, done.Type)
	assert.Equal(t, provider.StopToolUse, done.StopReason)
}

func TestMapStopReason(t *testing.T) {
	assert.Equal(t, provider.StopToolUse, mapStopReason("tool_use"))
	assert.Equal(t, provider.StopMaxTokens, mapStopReason("max_tokens"))
	assert.Equal(t, provider.StopEndTurn, mapStopReason("end_turn"))
	assert.Equal(t, provider.StopEndTurn, mapStopReason("stop_sequence"))
}
