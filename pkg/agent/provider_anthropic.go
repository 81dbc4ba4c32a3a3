package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/harun/agentrun/pkg/runctx"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements LLMProvider for Anthropic Claude
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a new Anthropic provider
func NewAnthropicProvider(cfg ProviderConfig) *AnthropicProvider {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(opts...),
	}
}

// Provider returns the provider name
func (p *AnthropicProvider) Provider() string {
	return "anthropic"
}

// thinkingBudget maps a compute effort to extended-thinking tokens.
func thinkingBudget(effort ComputeEffort) int64 {
	switch effort {
	case EffortLow:
		return 1024
	case EffortMedium:
		return 4096
	case EffortHigh:
		return 16384
	}
	return 0
}

// Stream runs a streaming messages call.
func (p *AnthropicProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(StreamDelta) error) error {
	messages := anthropicMessages(buildMessages(request))

	maxTokens := int64(request.MaxTokens)
	if maxTokens <= 0 {
		maxTokens = anthropicDefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		Messages:  messages,
		MaxTokens: maxTokens,
	}

	if prompt := systemPrompt(request); prompt != "" {
		params.System = []anthropic.TextBlockParam{
			{
				Type: "text",
				Text: prompt,
			},
		}
	}

	if len(request.Tools) > 0 {
		tools, err := anthropicTools(request)
		if err != nil {
			return fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
		params.ToolChoice = anthropicToolChoice(request.ToolChoice)
	}

	// Thinking cannot be combined with a forced tool choice.
	if budget := thinkingBudget(request.ComputeEffort); budget > 0 && !request.ToolChoice.Forcing() {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
		if params.MaxTokens <= budget {
			params.MaxTokens = budget + maxTokens
		}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	// input_json_delta events carry the block index, not the tool id.
	toolIDs := make(map[int64]string)

	for stream.Next() {
		event := stream.Current()

		var delta StreamDelta
		switch event.Type {
		case "content_block_start":
			start := event.AsContentBlockStart()
			if start.ContentBlock.Type != "tool_use" {
				continue
			}
			toolUse := start.ContentBlock.AsToolUse()
			toolIDs[start.Index] = toolUse.ID
			delta.ToolCalls = []ToolCallDelta{{ID: toolUse.ID, Type: "function", Name: toolUse.Name}}

		case "content_block_delta":
			blockDelta := event.AsContentBlockDelta()
			switch blockDelta.Delta.Type {
			case "text_delta":
				delta.Content = blockDelta.Delta.Text
			case "thinking_delta":
				delta.Reasoning = blockDelta.Delta.Thinking
			case "input_json_delta":
				id, ok := toolIDs[blockDelta.Index]
				if !ok || blockDelta.Delta.PartialJSON == "" {
					continue
				}
				delta.ToolCalls = []ToolCallDelta{{ID: id, Type: "function", ArgsChunk: blockDelta.Delta.PartialJSON}}
			default:
				continue
			}

		default:
			continue
		}

		if delta.Content == "" && delta.Reasoning == "" && len(delta.ToolCalls) == 0 {
			continue
		}
		if err := onDelta(delta); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return fmt.Errorf("anthropic stream: %w", err)
	}
	return nil
}

func anthropicToolChoice(choice ToolChoice) anthropic.ToolChoiceUnionParam {
	switch choice.Mode {
	case ToolChoiceNone:
		return anthropic.ToolChoiceUnionParam{OfNone: &anthropic.ToolChoiceNoneParam{}}
	case ToolChoiceRequired:
		return anthropic.ToolChoiceUnionParam{OfAny: &anthropic.ToolChoiceAnyParam{}}
	case ToolChoiceTool:
		return anthropic.ToolChoiceUnionParam{OfTool: &anthropic.ToolChoiceToolParam{Name: choice.Name}}
	default:
		return anthropic.ToolChoiceUnionParam{OfAuto: &anthropic.ToolChoiceAutoParam{}}
	}
}

func anthropicTools(request LLMRequest) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(request.Tools))
	for _, tool := range request.Tools {
		raw, err := json.Marshal(tool.Parameters)
		if err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}

		toolParam := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if toolParam.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		toolParam.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, toolParam)
	}
	return result, nil
}

// anthropicMessages converts a transcript. Consecutive messages of the same
// role are merged, since tool exchanges arrive one call at a time.
func anthropicMessages(msgs []runctx.Message) []anthropic.MessageParam {
	var out []anthropic.MessageParam

	add := func(role anthropic.MessageParamRole, blocks ...anthropic.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, anthropic.MessageParam{Role: role, Content: blocks})
	}

	for _, msg := range msgs {
		switch msg.Role {
		case runctx.RoleTool:
			add(anthropic.MessageParamRoleUser, anthropic.NewToolResultBlock(msg.ToolCallID, msg.Content, false))

		case runctx.RoleAssistant:
			var blocks []anthropic.ContentBlockParamUnion
			if msg.Content != "" {
				blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
			}
			for _, tc := range msg.ToolCalls {
				// Malformed arguments were already answered with an
				// invalid_arguments result; replay them as an empty input.
				input := map[string]interface{}{}
				if tc.Arguments != "" && json.Unmarshal([]byte(tc.Arguments), &input) != nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			add(anthropic.MessageParamRoleAssistant, blocks...)

		case runctx.RoleUser:
			if msg.Content != "" {
				add(anthropic.MessageParamRoleUser, anthropic.NewTextBlock(msg.Content))
			}
		}
	}
	return out
}
