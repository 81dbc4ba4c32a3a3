package config

import (
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
)

// Validator validates configuration values that Config.Validate leaves
// alone: formats and ranges that are suspicious rather than fatal.
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidateAPIKey validates an API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	case "gemini":
		if !strings.HasPrefix(key, "AIza") {
			return fmt.Errorf("invalid Gemini API key format (should start with AIza)")
		}
	}

	return nil
}

// ValidateComputeEffort validates an agent's compute effort
func (v *Validator) ValidateComputeEffort(effort string) error {
	switch effort {
	case "", "low", "medium", "high":
		return nil
	}
	return fmt.Errorf("invalid compute effort: %s (must be one of: low, medium, high)", effort)
}

// ValidateMaxTokens validates max tokens value
func (v *Validator) ValidateMaxTokens(tokens int) error {
	if tokens <= 0 {
		return fmt.Errorf("max tokens must be positive, got %d", tokens)
	}
	if tokens > 200000 {
		return fmt.Errorf("max tokens too large (max 200000), got %d", tokens)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateSweepSpec checks a retention sweep schedule
func (v *Validator) ValidateSweepSpec(spec string) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", spec, err)
	}
	return nil
}

// ValidateSharedSecret rejects secrets short enough to guess.
func (v *Validator) ValidateSharedSecret(secret string) error {
	if len(secret) < 16 {
		return fmt.Errorf("gateway shared secret should be at least 16 characters")
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	for _, p := range cfg.Providers.ProviderConfigs() {
		if p.APIKey == "" {
			continue
		}
		if err := v.ValidateAPIKey(p.APIKey, p.Name); err != nil {
			errors = append(errors, err)
		}
	}

	for i, agent := range cfg.Agents {
		if err := v.ValidateComputeEffort(agent.ComputeEffort); err != nil {
			errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.ID, err))
		}
		if agent.MaxTokens != 0 {
			if err := v.ValidateMaxTokens(agent.MaxTokens); err != nil {
				errors = append(errors, fmt.Errorf("agent %d (%s): %w", i, agent.ID, err))
			}
		}
		if agent.Mode == "PLAN_EXECUTE" && len(agent.Tools) == 0 {
			errors = append(errors, fmt.Errorf("agent %d (%s): PLAN_EXECUTE without tools can only answer from the plan", i, agent.ID))
		}
	}

	if cfg.Gateway.Enabled && cfg.Gateway.SharedSecret != "" {
		if err := v.ValidateSharedSecret(cfg.Gateway.SharedSecret); err != nil {
			errors = append(errors, err)
		}
	}

	if cfg.EventLog.Enabled {
		if err := v.ValidateSweepSpec(cfg.EventLog.SweepSpec); err != nil {
			errors = append(errors, err)
		}
	}

	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}

	return errors
}
