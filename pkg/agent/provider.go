package agent

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// LLMProvider streams one model call.
type LLMProvider interface {
	// Stream runs request and hands every delta to onDelta in arrival order.
	// An error from onDelta stops the stream and is returned as is.
	Stream(ctx context.Context, request LLMRequest, onDelta func(StreamDelta) error) error

	// Provider returns the provider name
	Provider() string
}

// LLMRequest contains the request parameters for one model call.
type LLMRequest struct {
	Model        string
	SystemPrompt string
	Messages     []runctx.Message
	// UserPrompt, when set, is sent as a trailing user message.
	UserPrompt    string
	Tools         []toolexecutor.ToolSpec
	ToolChoice    ToolChoice
	ComputeEffort ComputeEffort
	MaxTokens     int
	Stage         string
}

// StreamDelta is one provider chunk. Adapters always fill ToolCallDelta.ID,
// mapping provider-side indexes to ids where the wire format omits them.
type StreamDelta struct {
	Reasoning string
	Content   string
	ToolCalls []ToolCallDelta
}

// ToolCallDelta is a piece of a tool call. Name is set on the first piece.
type ToolCallDelta struct {
	ID        string
	Type      string
	Name      string
	ArgsChunk string
}

// ProviderConfig configures one provider.
type ProviderConfig struct {
	Name         string `json:"name" mapstructure:"name"`
	APIKey       string `json:"apiKey" mapstructure:"api_key"`
	BaseURL      string `json:"baseUrl,omitempty" mapstructure:"base_url"`
	DefaultModel string `json:"defaultModel,omitempty" mapstructure:"default_model"`
}

// ProviderFactory creates LLM providers
type ProviderFactory struct{}

// NewProvider creates a new LLM provider from its configuration
func (f *ProviderFactory) NewProvider(cfg ProviderConfig) (LLMProvider, error) {
	switch cfg.Name {
	case "anthropic":
		return NewAnthropicProvider(cfg), nil
	case "openai":
		return NewOpenAIProvider(cfg), nil
	case "gemini":
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Name)
	}
}

// ProviderRegistry maps provider names to providers and their default models.
type ProviderRegistry struct {
	mu        sync.RWMutex
	providers map[string]LLMProvider
	models    map[string]string
}

// NewProviderRegistry creates an empty registry.
func NewProviderRegistry() *ProviderRegistry {
	return &ProviderRegistry{
		providers: make(map[string]LLMProvider),
		models:    make(map[string]string),
	}
}

// Register adds p under name, replacing any earlier registration.
func (r *ProviderRegistry) Register(name string, p LLMProvider, defaultModel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = p
	r.models[name] = defaultModel
}

// Get returns the provider registered under name and its default model.
func (r *ProviderRegistry) Get(name string) (LLMProvider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}
	return p, r.models[name], nil
}

// Names returns the registered provider names, sorted.
func (r *ProviderRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RegisterConfigs builds and registers a provider per config. Configs
// without an API key are skipped.
func (r *ProviderRegistry) RegisterConfigs(cfgs []ProviderConfig) error {
	factory := &ProviderFactory{}
	for _, cfg := range cfgs {
		if cfg.APIKey == "" {
			continue
		}
		p, err := factory.NewProvider(cfg)
		if err != nil {
			return fmt.Errorf("provider %s: %w", cfg.Name, err)
		}
		r.Register(cfg.Name, p, cfg.DefaultModel)
	}
	return nil
}

// buildMessages returns the transcript with UserPrompt appended.
func buildMessages(req LLMRequest) []runctx.Message {
	msgs := make([]runctx.Message, 0, len(req.Messages)+1)
	for _, m := range req.Messages {
		if m.Role == runctx.RoleSystem {
			continue
		}
		msgs = append(msgs, m)
	}
	if req.UserPrompt != "" {
		msgs = append(msgs, runctx.Message{Role: runctx.RoleUser, Content: req.UserPrompt})
	}
	return msgs
}

// systemPrompt merges system messages of the transcript into the request prompt.
func systemPrompt(req LLMRequest) string {
	prompt := req.SystemPrompt
	for _, m := range req.Messages {
		if m.Role != runctx.RoleSystem || m.Content == "" {
			continue
		}
		if prompt != "" {
			prompt += "\n\n"
		}
		prompt += m.Content
	}
	return prompt
}
