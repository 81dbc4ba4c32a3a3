package config

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harun/agentrun/internal/logger"
	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/harun/agentrun/pkg/runctx"
	"github.com/harun/agentrun/pkg/toolexecutor"
)

// Config represents the main agentrun configuration
type Config struct {
	Engine    EngineConfig    `json:"engine" mapstructure:"engine"`
	Providers ProvidersConfig `json:"providers" mapstructure:"providers"`
	Agents    []AgentConfig   `json:"agents" mapstructure:"agents"`
	Tools     []ToolConfig    `json:"tools" mapstructure:"tools"`
	Logging   LoggingConfig   `json:"logging" mapstructure:"logging"`
	Tracing   TracingConfig   `json:"tracing" mapstructure:"tracing"`
	Gateway   GatewayConfig   `json:"gateway" mapstructure:"gateway"`
	EventLog  EventLogConfig  `json:"eventlog" mapstructure:"eventlog"`

	// Data directory
	DataDir string `json:"data_dir" mapstructure:"data_dir"`
}

// EngineConfig holds run engine settings
type EngineConfig struct {
	// Defaults apply to runs whose agent or request leaves a value unset.
	// They are the only settings reloaded while the daemon runs.
	Defaults agent.Defaults `json:"defaults" mapstructure:"defaults"`
	Pool     PoolConfig     `json:"pool" mapstructure:"pool"`

	FrontendTimeout  time.Duration `json:"frontend_timeout" mapstructure:"frontend_timeout"`
	ToolRetryBackoff time.Duration `json:"tool_retry_backoff" mapstructure:"tool_retry_backoff"`
}

// PoolConfig sizes the worker pool backend tools run on
type PoolConfig struct {
	Concurrency int            `json:"concurrency" mapstructure:"concurrency"`
	Lanes       map[string]int `json:"lanes" mapstructure:"lanes"`
}

// ProviderSettings configures one model provider
type ProviderSettings struct {
	APIKey       string `json:"api_key" mapstructure:"api_key"`
	BaseURL      string `json:"base_url" mapstructure:"base_url"`
	DefaultModel string `json:"default_model" mapstructure:"default_model"`
}

// ProvidersConfig holds provider credentials
type ProvidersConfig struct {
	OpenAI    ProviderSettings `json:"openai" mapstructure:"openai"`
	Anthropic ProviderSettings `json:"anthropic" mapstructure:"anthropic"`
	Gemini    ProviderSettings `json:"gemini" mapstructure:"gemini"`
}

// ProviderConfigs returns the providers in registry form. Providers
// without a key are included; the registry skips them.
func (p ProvidersConfig) ProviderConfigs() []agent.ProviderConfig {
	named := []struct {
		name string
		s    ProviderSettings
	}{
		{"anthropic", p.Anthropic},
		{"openai", p.OpenAI},
		{"gemini", p.Gemini},
	}
	cfgs := make([]agent.ProviderConfig, 0, len(named))
	for _, n := range named {
		cfgs = append(cfgs, agent.ProviderConfig{
			Name:         n.name,
			APIKey:       n.s.APIKey,
			BaseURL:      n.s.BaseURL,
			DefaultModel: n.s.DefaultModel,
		})
	}
	return cfgs
}

// Configured reports whether the named provider has a key.
func (p ProvidersConfig) Configured(name string) bool {
	for _, cfg := range p.ProviderConfigs() {
		if cfg.Name == name {
			return cfg.APIKey != ""
		}
	}
	return false
}

// AgentConfig represents an agent configuration
type AgentConfig struct {
	ID            string             `json:"id" mapstructure:"id"`
	Name          string             `json:"name" mapstructure:"name"`
	Mode          string             `json:"mode" mapstructure:"mode"` // ONESHOT, REACT, PLAN_EXECUTE
	Provider      string             `json:"provider" mapstructure:"provider"`
	Model         string             `json:"model" mapstructure:"model"`
	SystemPrompt  string             `json:"system_prompt" mapstructure:"system_prompt"`
	Tools         []string           `json:"tools" mapstructure:"tools"`
	ToolsRequired bool               `json:"tools_required" mapstructure:"tools_required"`
	ToolChoice    string             `json:"tool_choice" mapstructure:"tool_choice"` // auto, none, required, or a tool name
	ComputeEffort string             `json:"compute_effort" mapstructure:"compute_effort"`
	MaxTokens     int                `json:"max_tokens" mapstructure:"max_tokens"`
	MaxSteps      int                `json:"max_steps" mapstructure:"max_steps"`
	FreeRounds    int                `json:"free_rounds" mapstructure:"free_rounds"`
	ForcedRounds  int                `json:"forced_rounds" mapstructure:"forced_rounds"`
	Prompts       agent.StagePrompts `json:"prompts" mapstructure:"prompts"`
}

// Definition converts the config into the engine's form.
func (a AgentConfig) Definition() agent.AgentDefinition {
	return agent.AgentDefinition{
		ID:            a.ID,
		Name:          a.Name,
		Mode:          agent.AgentMode(strings.ToUpper(a.Mode)),
		Provider:      a.Provider,
		Model:         a.Model,
		SystemPrompt:  a.SystemPrompt,
		Tools:         a.Tools,
		ToolsRequired: a.ToolsRequired,
		ToolChoice:    parseToolChoice(a.ToolChoice),
		ComputeEffort: agent.ComputeEffort(a.ComputeEffort),
		MaxTokens:     a.MaxTokens,
		MaxSteps:      a.MaxSteps,
		FreeRounds:    a.FreeRounds,
		ForcedRounds:  a.ForcedRounds,
		Prompts:       a.Prompts,
	}
}

func parseToolChoice(s string) agent.ToolChoice {
	switch mode := agent.ToolChoiceMode(strings.ToLower(s)); mode {
	case "":
		return agent.ToolChoice{}
	case agent.ToolChoiceAuto, agent.ToolChoiceNone, agent.ToolChoiceRequired:
		return agent.ToolChoice{Mode: mode}
	default:
		return agent.ChoiceTool(s)
	}
}

// ToolConfig declares a client-side tool. Backend tools are built in and
// cannot be declared here because they need a handler.
type ToolConfig struct {
	Name        string                 `json:"name" mapstructure:"name"`
	Description string                 `json:"description" mapstructure:"description"`
	Type        string                 `json:"type" mapstructure:"type"` // action or frontend
	Parameters  map[string]interface{} `json:"parameters" mapstructure:"parameters"`
}

// Spec converts the config into a catalog entry.
func (t ToolConfig) Spec() toolexecutor.ToolSpec {
	return toolexecutor.ToolSpec{
		Name:        t.Name,
		Description: t.Description,
		Parameters:  t.Parameters,
		Type:        protocol.ToolType(strings.ToLower(t.Type)),
	}
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" mapstructure:"level"`
	File      string `json:"file" mapstructure:"file"`
	Console   bool   `json:"console" mapstructure:"console"`
	Pretty    bool   `json:"pretty" mapstructure:"pretty"`
	MaxSize   int    `json:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" mapstructure:"max_age"`   // days
	Compress  bool   `json:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" mapstructure:"audit_file"`
}

// LoggerConfig converts the section into the logger's form.
func (l LoggingConfig) LoggerConfig() logger.Config {
	return logger.Config{
		Level:     l.Level,
		File:      l.File,
		Console:   l.Console,
		Pretty:    l.Pretty,
		Redaction: l.Redaction,
		MaxSize:   l.MaxSize,
		MaxAge:    l.MaxAge,
		Compress:  l.Compress,
	}
}

// TracingConfig holds OpenTelemetry settings
type TracingConfig struct {
	Enabled     bool    `json:"enabled" mapstructure:"enabled"`
	ServiceName string  `json:"service_name" mapstructure:"service_name"`
	SampleRatio float64 `json:"sample_ratio" mapstructure:"sample_ratio"`
}

// GatewayConfig holds gateway server configuration
type GatewayConfig struct {
	Enabled            bool            `json:"enabled" mapstructure:"enabled"`
	Port               int             `json:"port" mapstructure:"port"`
	Host               string          `json:"host" mapstructure:"host"`
	SharedSecret       string          `json:"shared_secret" mapstructure:"shared_secret"`
	TickInterval       time.Duration   `json:"tick_interval" mapstructure:"tick_interval"`
	CancelOnDisconnect bool            `json:"cancel_on_disconnect" mapstructure:"cancel_on_disconnect"`
	RateLimit          RateLimitConfig `json:"rate_limit" mapstructure:"rate_limit"`
}

// RateLimitConfig holds per-client gateway limits
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" mapstructure:"requests_per_minute"`
	Burst             int `json:"burst" mapstructure:"burst"`
	MaxConcurrent     int `json:"max_concurrent" mapstructure:"max_concurrent"`
}

// EventLogConfig holds event log settings
type EventLogConfig struct {
	Enabled       bool   `json:"enabled" mapstructure:"enabled"`
	Path          string `json:"path" mapstructure:"path"`
	RetentionDays int    `json:"retention_days" mapstructure:"retention_days"`
	SweepSpec     string `json:"sweep_spec" mapstructure:"sweep_spec"`
}

// Retention returns the retention window.
func (e EventLogConfig) Retention() time.Duration {
	return time.Duration(e.RetentionDays) * 24 * time.Hour
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		Engine: EngineConfig{
			Defaults: agent.DefaultDefaults(),
			Pool: PoolConfig{
				Concurrency: 8,
				Lanes:       map[string]int{},
			},
			FrontendTimeout:  5 * time.Minute,
			ToolRetryBackoff: 200 * time.Millisecond,
		},
		Providers: ProvidersConfig{
			OpenAI:    ProviderSettings{DefaultModel: "gpt-4o"},
			Anthropic: ProviderSettings{DefaultModel: "claude-sonnet-4-5"},
			Gemini:    ProviderSettings{DefaultModel: "gemini-2.5-flash"},
		},
		Agents: []AgentConfig{},
		Tools:  []ToolConfig{},
		Logging: LoggingConfig{
			Level:     "info",
			Console:   true,
			Pretty:    true,
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Tracing: TracingConfig{
			ServiceName: "agentrun",
			SampleRatio: 1,
		},
		Gateway: GatewayConfig{
			Enabled:            true,
			Port:               8080,
			Host:               "127.0.0.1",
			TickInterval:       30 * time.Second,
			CancelOnDisconnect: true,
			RateLimit: RateLimitConfig{
				RequestsPerMinute: 60,
				Burst:             20,
				MaxConcurrent:     10,
			},
		},
		EventLog: EventLogConfig{
			Enabled:       true,
			RetentionDays: 7,
			SweepSpec:     "0 3 * * *",
		},
	}
}

// AgentDefinitions converts every configured agent.
func (c *Config) AgentDefinitions() []agent.AgentDefinition {
	defs := make([]agent.AgentDefinition, 0, len(c.Agents))
	for _, a := range c.Agents {
		defs = append(defs, a.Definition())
	}
	return defs
}

// String returns a JSON representation of the config with secrets masked
func (c *Config) String() string {
	masked := *c
	masked.Providers.OpenAI.APIKey = mask(c.Providers.OpenAI.APIKey)
	masked.Providers.Anthropic.APIKey = mask(c.Providers.Anthropic.APIKey)
	masked.Providers.Gemini.APIKey = mask(c.Providers.Gemini.APIKey)
	masked.Gateway.SharedSecret = mask(c.Gateway.SharedSecret)
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := validateBudget(c.Engine.Defaults.Budget); err != nil {
		return fmt.Errorf("engine.defaults.budget: %w", err)
	}
	d := c.Engine.Defaults
	if d.MaxSteps < 0 || d.FreeRounds < 0 || d.ForcedRounds < 0 {
		return fmt.Errorf("engine.defaults: step and round limits cannot be negative")
	}
	if c.Engine.Pool.Concurrency < 0 {
		return fmt.Errorf("engine.pool.concurrency cannot be negative")
	}
	for lane, n := range c.Engine.Pool.Lanes {
		if n <= 0 {
			return fmt.Errorf("engine.pool.lanes.%s must be positive", lane)
		}
	}
	if c.Engine.FrontendTimeout < 0 {
		return fmt.Errorf("engine.frontend_timeout cannot be negative")
	}

	seen := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		def := a.Definition()
		if err := def.Validate(); err != nil {
			return fmt.Errorf("agent %d: %w", i, err)
		}
		if seen[a.ID] {
			return fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		seen[a.ID] = true
		if !c.Providers.Configured(a.Provider) {
			return fmt.Errorf("agent %s: provider %s has no api_key", a.ID, a.Provider)
		}
	}

	for i, t := range c.Tools {
		if strings.TrimSpace(t.Name) == "" {
			return fmt.Errorf("tool %d: name is required", i)
		}
		switch protocol.ToolType(strings.ToLower(t.Type)) {
		case protocol.ToolTypeAction, protocol.ToolTypeFrontend:
		default:
			return fmt.Errorf("tool %s: type must be action or frontend, got %q", t.Name, t.Type)
		}
	}

	if c.Gateway.Enabled {
		if c.Gateway.Port < 0 || c.Gateway.Port > 65535 {
			return fmt.Errorf("invalid gateway port: %d", c.Gateway.Port)
		}
		if c.Gateway.SharedSecret == "" {
			return fmt.Errorf("gateway.shared_secret is required when the gateway is enabled")
		}
	}

	if c.EventLog.Enabled {
		if c.EventLog.RetentionDays <= 0 {
			return fmt.Errorf("eventlog.retention_days must be positive")
		}
		if strings.TrimSpace(c.EventLog.SweepSpec) == "" {
			return fmt.Errorf("eventlog.sweep_spec is required")
		}
	}

	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be between 0 and 1")
	}

	return nil
}

func validateBudget(b runctx.Budget) error {
	if b.RunTimeoutMs < 0 {
		return fmt.Errorf("run_timeout_ms cannot be negative")
	}
	for name, call := range map[string]runctx.CallBudget{"model": b.Model, "tool": b.Tool} {
		if call.MaxCalls < 0 || call.TimeoutMs < 0 {
			return fmt.Errorf("%s limits cannot be negative", name)
		}
	}
	return nil
}
