// Package anthropic adapts the Claude Messages API to the provider
// interface. Requests are translated into anthropic-sdk-go streaming calls
// and SSE events are folded into provider events: text and thinking deltas
// pass through keyed by content block, tool input JSON fragments accumulate
// until their block closes and surface as one complete tool call.
package anthropic

import (
	"context"
	"encoding/json"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"github.com/tandemhq/tandem/internal/common/errors"
	"github.com/tandemhq/tandem/internal/common/logger"
	messagemodels "github.com/tandemhq/tandem/internal/message/models"
	"github.com/tandemhq/tandem/internal/provider"
	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

const (
	// defaultMaxTokens caps responses when the request does not set one.
	defaultMaxTokens = 4096

	// mediumThinkingBudget and highThinkingBudget are the thinking token
	// budgets behind the medium and high reasoning efforts.
	mediumThinkingBudget = 4096
	highThinkingBudget   = 16384
)

// Provider streams completions from the Anthropic Messages API.
type Provider struct {
	client sdk.Client
	logger *logger.Logger
}

// New builds an Anthropic provider. When apiKey is empty the SDK falls
// back to the ANTHROPIC_API_KEY environment variable.
func New(apiKey string, log *logger.Logger) *Provider {
	if log == nil {
		log = logger.Default()
	}
	var opts []option.RequestOption
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	return &Provider{client: sdk.NewClient(opts...), logger: log}
}

// Name implements provider.Provider.
func (p *Provider) Name() string { return "anthropic" }

// Stream starts a streaming Messages call for the request.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.Stream, error) {
	params, err := buildParams(req)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("starting anthropic stream",
		zap.String("model", req.Model),
		zap.Int64("max_tokens", params.MaxTokens),
		zap.Int("messages", len(params.Messages)),
		zap.Int("tools", len(params.Tools)))

	raw := p.client.Messages.NewStreaming(ctx, *params)
	if err := raw.Err(); err != nil {
		return nil, errors.Wrap(err, "anthropic stream request failed")
	}
	return newStream(raw), nil
}

func buildParams(req provider.Request) (*sdk.MessageNewParams, error) {
	if req.Model == "" {
		return nil, errors.Validation("model", "is required")
	}

	conversation, system := encodeMessages(req.Messages)
	if req.SystemPrompt != "" {
		system = append([]sdk.TextBlockParam{{Text: req.SystemPrompt}}, system...)
	}
	if len(conversation) == 0 {
		return nil, errors.Validation("messages", "at least one user or assistant message is required")
	}

	tools, err := encodeTools(req.Tools)
	if err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  conversation,
	}
	if budget := thinkingBudget(req.ReasoningEffort); budget > 0 {
		// Thinking tokens draw from the same completion cap, so keep the
		// usual response allowance above the budget.
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + defaultMaxTokens
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	if len(system) > 0 {
		params.System = system
	}
	if len(tools) > 0 {
		params.Tools = tools
	}
	return &params, nil
}

// thinkingBudget maps a reasoning effort to a thinking token budget. Low
// effort disables thinking entirely.
func thinkingBudget(effort sessionmodels.ReasoningEffort) int64 {
	switch effort {
	case sessionmodels.ReasoningEffortHigh:
		return highThinkingBudget
	case sessionmodels.ReasoningEffortMedium:
		return mediumThinkingBudget
	default:
		return 0
	}
}

func encodeMessages(msgs []*messagemodels.Message) ([]sdk.MessageParam, []sdk.TextBlockParam) {
	conversation := make([]sdk.MessageParam, 0, len(msgs))
	var system []sdk.TextBlockParam

	for _, m := range msgs {
		if m == nil {
			continue
		}
		switch m.Role {
		case messagemodels.RoleSystem:
			for _, p := range m.Parts {
				if p.Type == messagemodels.PartTypeText && p.Content != "" {
					system = append(system, sdk.TextBlockParam{Text: p.Content})
				}
			}
		case messagemodels.RoleUser:
			var blocks []sdk.ContentBlockParamUnion
			for _, p := range m.Parts {
				if p.Type == messagemodels.PartTypeText && p.Content != "" {
					blocks = append(blocks, sdk.NewTextBlock(p.Content))
				}
			}
			if len(blocks) > 0 {
				conversation = append(conversation, sdk.NewUserMessage(blocks...))
			}
		case messagemodels.RoleAssistant:
			conversation = appendAssistant(conversation, m)
		}
	}
	return conversation, system
}

// appendAssistant encodes one assistant message from the log. The log keeps
// tool results inside the assistant message that issued the calls, but the
// API expects them in a user message following the assistant turn, so the
// message splits at every run of tool-result parts. Reasoning, file and
// step parts are local bookkeeping and are not sent back.
func appendAssistant(out []sdk.MessageParam, m *messagemodels.Message) []sdk.MessageParam {
	answered := make(map[string]bool)
	for _, p := range m.Parts {
		if p.Type == messagemodels.PartTypeToolResult {
			answered[p.ToolCallID] = true
		}
	}

	var blocks []sdk.ContentBlockParamUnion
	var results []sdk.ContentBlockParamUnion
	var orphans []string
	flush := func() {
		if len(blocks) > 0 {
			out = append(out, sdk.NewAssistantMessage(blocks...))
			blocks = nil
		}
		if len(results) > 0 {
			out = append(out, sdk.NewUserMessage(results...))
			results = nil
		}
	}

	for _, p := range m.Parts {
		switch p.Type {
		case messagemodels.PartTypeText:
			if p.Content == "" {
				continue
			}
			if len(results) > 0 {
				flush()
			}
			blocks = append(blocks, sdk.NewTextBlock(p.Content))
		case messagemodels.PartTypeToolCall:
			if len(results) > 0 {
				flush()
			}
			input := p.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			blocks = append(blocks, sdk.NewToolUseBlock(p.ID, input, p.ToolName))
			if !answered[p.ID] {
				orphans = append(orphans, p.ID)
			}
		case messagemodels.PartTypeToolResult:
			if len(blocks) > 0 {
				out = append(out, sdk.NewAssistantMessage(blocks...))
				blocks = nil
			}
			content := p.Output
			isError := p.Error != ""
			if isError {
				content = p.Error
			}
			results = append(results, sdk.NewToolResultBlock(p.ToolCallID, content, isError))
		}
	}

	// The API rejects a tool_use block with no matching tool_result, so
	// calls whose results never arrived get a synthetic interrupted one.
	for _, id := range orphans {
		results = append(results, sdk.NewToolResultBlock(id, "tool execution was interrupted", true))
	}
	flush()
	return out
}

func encodeTools(defs []provider.ToolDefinition) ([]sdk.ToolUnionParam, error) {
	if len(defs) == 0 {
		return nil, nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		if def.Name == "" {
			continue
		}
		schema, err := toolInputSchema(def.InputSchema)
		if err != nil {
			return nil, errors.Validation("tools", fmt.Sprintf("tool %s input schema: %v", def.Name, err))
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if def.Description != "" && u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out, nil
}

func toolInputSchema(raw json.RawMessage) (sdk.ToolInputSchemaParam, error) {
	if len(raw) == 0 {
		return sdk.ToolInputSchemaParam{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return sdk.ToolInputSchemaParam{}, err
	}
	return sdk.ToolInputSchemaParam{ExtraFields: m}, nil
}
