package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"google.golang.org/genai"

	"github.com/harun/agentrun/pkg/runctx"
)

// GeminiProvider implements LLMProvider for Google Gemini
type GeminiProvider struct {
	client *genai.Client
}

// NewGeminiProvider creates a new Gemini provider
func NewGeminiProvider(cfg ProviderConfig) (*GeminiProvider, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		clientCfg.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(context.Background(), clientCfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: failed to create client: %w", err)
	}
	return &GeminiProvider{client: client}, nil
}

// Provider returns the provider name
func (p *GeminiProvider) Provider() string {
	return "gemini"
}

// Stream runs a streaming generate-content call. Gemini sends each function
// call whole, so every call becomes a single delta with generated id.
func (p *GeminiProvider) Stream(ctx context.Context, request LLMRequest, onDelta func(StreamDelta) error) error {
	contents := geminiContents(buildMessages(request))
	config := geminiConfig(request)

	for resp, err := range p.client.Models.GenerateContentStream(ctx, request.Model, contents, config) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}

				var delta StreamDelta
				switch {
				case part.FunctionCall != nil:
					args, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil || part.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					id := part.FunctionCall.ID
					if id == "" {
						suffix, _ := gonanoid.New()
						id = "call_" + suffix
					}
					delta.ToolCalls = []ToolCallDelta{{
						ID:        id,
						Type:      "function",
						Name:      part.FunctionCall.Name,
						ArgsChunk: string(args),
					}}
				case part.Thought:
					delta.Reasoning = part.Text
				default:
					delta.Content = part.Text
				}

				if delta.Content == "" && delta.Reasoning == "" && len(delta.ToolCalls) == 0 {
					continue
				}
				if err := onDelta(delta); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func geminiConfig(request LLMRequest) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}

	if prompt := systemPrompt(request); prompt != "" {
		config.SystemInstruction = &genai.Content{
			Parts: []*genai.Part{
				{Text: prompt},
			},
		}
	}

	if request.MaxTokens > 0 {
		maxTokens := min(request.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}

	if request.ComputeEffort != EffortDefault {
		config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}

	if len(request.Tools) == 0 {
		return config
	}

	decls := make([]*genai.FunctionDeclaration, 0, len(request.Tools))
	for _, tool := range request.Tools {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  geminiSchema(tool.Parameters),
		})
	}
	config.Tools = []*genai.Tool{{FunctionDeclarations: decls}}

	calling := &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto}
	switch request.ToolChoice.Mode {
	case ToolChoiceNone:
		calling.Mode = genai.FunctionCallingConfigModeNone
	case ToolChoiceRequired:
		calling.Mode = genai.FunctionCallingConfigModeAny
	case ToolChoiceTool:
		calling.Mode = genai.FunctionCallingConfigModeAny
		calling.AllowedFunctionNames = []string{request.ToolChoice.Name}
	}
	config.ToolConfig = &genai.ToolConfig{FunctionCallingConfig: calling}

	return config
}

// geminiSchema converts a JSON schema map to Gemini's schema type.
func geminiSchema(schemaMap map[string]interface{}) *genai.Schema {
	if schemaMap == nil {
		return nil
	}

	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	schema.Enum = stringList(schemaMap["enum"])
	schema.Required = stringList(schemaMap["required"])

	if props, ok := schemaMap["properties"].(map[string]interface{}); ok {
		schema.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				schema.Properties[name] = geminiSchema(propMap)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]interface{}); ok {
		schema.Items = geminiSchema(items)
	}

	return schema
}

func stringList(v interface{}) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func geminiContents(msgs []runctx.Message) []*genai.Content {
	names := make(map[string]string)
	var result []*genai.Content

	for _, msg := range msgs {
		content := &genai.Content{Role: genai.RoleUser}

		switch msg.Role {
		case runctx.RoleAssistant:
			content.Role = genai.RoleModel
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				names[tc.ID] = tc.Name
				var args map[string]any
				if err := json.Unmarshal([]byte(tc.Arguments), &args); err != nil {
					args = make(map[string]any)
				}
				content.Parts = append(content.Parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args},
				})
			}

		case runctx.RoleTool:
			var response map[string]any
			if err := json.Unmarshal([]byte(msg.Content), &response); err != nil {
				response = map[string]any{"result": msg.Content}
			}
			name := msg.Name
			if name == "" {
				name = names[msg.ToolCallID]
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{ID: msg.ToolCallID, Name: name, Response: response},
			})

		default:
			if msg.Content != "" {
				content.Parts = append(content.Parts, &genai.Part{Text: msg.Content})
			}
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}
	return result
}
