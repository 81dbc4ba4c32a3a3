package config

import (
	"testing"
	"time"

	"github.com/harun/agentrun/pkg/agent"
	"github.com/harun/agentrun/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Providers.Anthropic.APIKey = "sk-ant-test123"
	cfg.Gateway.SharedSecret = "0123456789abcdef"
	cfg.Agents = []AgentConfig{{
		ID:       "helper",
		Mode:     "REACT",
		Provider: "anthropic",
		Tools:    []string{"search"},
	}}
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, agent.DefaultDefaults(), cfg.Engine.Defaults)
	assert.Equal(t, 8, cfg.Engine.Pool.Concurrency)
	assert.Equal(t, 5*time.Minute, cfg.Engine.FrontendTimeout)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 30*time.Second, cfg.Gateway.TickInterval)
	assert.True(t, cfg.Gateway.CancelOnDisconnect)
	assert.Equal(t, 7*24*time.Hour, cfg.EventLog.Retention())
	assert.Empty(t, cfg.Agents)
}

func TestConfigValidate(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		assert.NoError(t, validConfig().Validate())
	})

	t.Run("agent provider without key", func(t *testing.T) {
		cfg := validConfig()
		cfg.Agents[0].Provider = "openai"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "has no api_key")
	})

	t.Run("invalid agent mode", func(t *testing.T) {
		cfg := validConfig()
		cfg.Agents[0].Mode = "LOOP"

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid mode")
	})

	t.Run("duplicate agent ids", func(t *testing.T) {
		cfg := validConfig()
		cfg.Agents = append(cfg.Agents, cfg.Agents[0])

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "duplicate id")
	})

	t.Run("negative budget", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.Defaults.Budget.Tool.MaxCalls = -1

		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "tool limits")
	})

	t.Run("gateway needs a secret", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.SharedSecret = ""
		assert.Error(t, cfg.Validate())

		cfg.Gateway.Enabled = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("invalid gateway port", func(t *testing.T) {
		cfg := validConfig()
		cfg.Gateway.Port = 70000
		assert.Error(t, cfg.Validate())
	})

	t.Run("event log retention", func(t *testing.T) {
		cfg := validConfig()
		cfg.EventLog.RetentionDays = 0
		assert.Error(t, cfg.Validate())

		cfg.EventLog.Enabled = false
		assert.NoError(t, cfg.Validate())
	})

	t.Run("pool lanes must be positive", func(t *testing.T) {
		cfg := validConfig()
		cfg.Engine.Pool.Lanes = map[string]int{"search": 0}
		assert.Error(t, cfg.Validate())
	})

	t.Run("declared tools must be client-side", func(t *testing.T) {
		cfg := validConfig()
		cfg.Tools = []ToolConfig{{Name: "open_tab", Type: "ACTION"}, {Name: "confirm", Type: "frontend"}}
		assert.NoError(t, cfg.Validate())

		cfg.Tools = append(cfg.Tools, ToolConfig{Name: "search", Type: "function"})
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "type must be action or frontend")
	})

	t.Run("sample ratio range", func(t *testing.T) {
		cfg := validConfig()
		cfg.Tracing.SampleRatio = 1.5
		assert.Error(t, cfg.Validate())
	})
}

func TestAgentConfigDefinition(t *testing.T) {
	t.Run("should normalize mode and tool choice", func(t *testing.T) {
		def := AgentConfig{ID: "a", Mode: "oneshot", Provider: "openai", ToolChoice: "Required"}.Definition()

		assert.Equal(t, agent.ModeOneShot, def.Mode)
		assert.Equal(t, agent.ChoiceRequired, def.ToolChoice)
	})

	t.Run("should treat other choices as a tool name", func(t *testing.T) {
		def := AgentConfig{ID: "a", Mode: "REACT", ToolChoice: "web_search"}.Definition()

		assert.Equal(t, agent.ChoiceTool("web_search"), def.ToolChoice)
	})

	t.Run("should leave an empty choice unset", func(t *testing.T) {
		def := AgentConfig{ID: "a", Mode: "REACT"}.Definition()
		assert.Equal(t, agent.ToolChoice{}, def.ToolChoice)
	})
}

func TestToolConfigSpec(t *testing.T) {
	spec := ToolConfig{Name: "open_tab", Type: "Action", Description: "Open a tab"}.Spec()

	assert.Equal(t, "open_tab", spec.Name)
	assert.Equal(t, protocol.ToolTypeAction, spec.Type)
}

func TestProviderConfigs(t *testing.T) {
	cfg := validConfig()

	cfgs := cfg.Providers.ProviderConfigs()
	require.Len(t, cfgs, 3)
	assert.Equal(t, "anthropic", cfgs[0].Name)
	assert.Equal(t, "sk-ant-test123", cfgs[0].APIKey)
	assert.Equal(t, "claude-sonnet-4-5", cfgs[0].DefaultModel)
	assert.True(t, cfg.Providers.Configured("anthropic"))
	assert.False(t, cfg.Providers.Configured("gemini"))
	assert.False(t, cfg.Providers.Configured("unknown"))
}

func TestConfigString(t *testing.T) {
	cfg := validConfig()

	out := cfg.String()
	assert.NotContains(t, out, "sk-ant-test123")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "***")
	assert.Equal(t, "sk-ant-test123", cfg.Providers.Anthropic.APIKey, "String must not mutate")
}
