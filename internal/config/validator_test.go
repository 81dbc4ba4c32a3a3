package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	t.Run("valid anthropic key", func(t *testing.T) {
		err := v.ValidateAPIKey("sk-ant-test123", "anthropic")
		assert.NoError(t, err)
	})

	t.Run("invalid anthropic key", func(t *testing.T) {
		err := v.ValidateAPIKey("invalid-key", "anthropic")
		assert.Error(t, err)
	})

	t.Run("valid openai key", func(t *testing.T) {
		err := v.ValidateAPIKey("sk-test123", "openai")
		assert.NoError(t, err)
	})

	t.Run("invalid gemini key", func(t *testing.T) {
		err := v.ValidateAPIKey("sk-test123", "gemini")
		assert.Error(t, err)
	})

	t.Run("empty key", func(t *testing.T) {
		err := v.ValidateAPIKey("", "anthropic")
		assert.Error(t, err)
	})
}

func TestValidateComputeEffort(t *testing.T) {
	v := NewValidator()

	for _, effort := range []string{"", "low", "medium", "high"} {
		assert.NoError(t, v.ValidateComputeEffort(effort), "effort %q should be valid", effort)
	}
	assert.Error(t, v.ValidateComputeEffort("extreme"))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()

	t.Run("valid tokens", func(t *testing.T) {
		err := v.ValidateMaxTokens(4096)
		assert.NoError(t, err)
	})

	t.Run("zero tokens", func(t *testing.T) {
		err := v.ValidateMaxTokens(0)
		assert.Error(t, err)
	})

	t.Run("too many tokens", func(t *testing.T) {
		err := v.ValidateMaxTokens(300000)
		assert.Error(t, err)
	})
}

func TestValidateSweepSpec(t *testing.T) {
	v := NewValidator()

	assert.NoError(t, v.ValidateSweepSpec("0 3 * * *"))
	assert.NoError(t, v.ValidateSweepSpec("@hourly"))
	assert.Error(t, v.ValidateSweepSpec("every night"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults with a long secret are clean", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Gateway.SharedSecret = "0123456789abcdef"
		assert.Empty(t, v.ValidateConfig(cfg))
	})

	t.Run("collects every problem", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Providers.Anthropic.APIKey = "bad"
		cfg.Gateway.SharedSecret = "short"
		cfg.Logging.Level = "verbose"
		cfg.EventLog.SweepSpec = "never"
		cfg.Agents = []AgentConfig{{ID: "p", Mode: "PLAN_EXECUTE", ComputeEffort: "max"}}

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 6)
	})
}
