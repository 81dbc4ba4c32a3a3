package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix prefixes every environment override, e.g.
	// AGENTRUN_PROVIDERS_OPENAI_API_KEY.
	EnvPrefix = "AGENTRUN"

	defaultDirName  = ".agentrun"
	defaultFileName = "config.json"
)

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load reads the config file, applies environment overrides and fills
// derived paths. A missing file yields the defaults plus overrides.
func (l *Loader) Load() (*Config, error) {
	configPath, err := l.path()
	if err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, DefaultConfig())

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.DataDir == "" {
		cfg.DataDir = filepath.Dir(configPath)
	}
	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "agentrun.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}
	if cfg.EventLog.Path == "" {
		cfg.EventLog.Path = filepath.Join(cfg.DataDir, "events.db")
	}

	return cfg, nil
}

// setDefaults registers every scalar key so AutomaticEnv can override
// keys that are absent from the file.
func setDefaults(v *viper.Viper, cfg *Config) {
	for key, value := range settings(cfg) {
		v.SetDefault(key, value)
	}
}

// settings flattens cfg into viper keys. Durations are written in
// time.ParseDuration form.
func settings(cfg *Config) map[string]interface{} {
	d := cfg.Engine.Defaults
	s := map[string]interface{}{
		"engine.defaults.budget.run_timeout_ms":         d.Budget.RunTimeoutMs,
		"engine.defaults.budget.model.max_calls":        d.Budget.Model.MaxCalls,
		"engine.defaults.budget.model.timeout_ms":       d.Budget.Model.TimeoutMs,
		"engine.defaults.budget.model.retry_count":      d.Budget.Model.RetryCount,
		"engine.defaults.budget.tool.max_calls":         d.Budget.Tool.MaxCalls,
		"engine.defaults.budget.tool.timeout_ms":        d.Budget.Tool.TimeoutMs,
		"engine.defaults.budget.tool.retry_count":       d.Budget.Tool.RetryCount,
		"engine.defaults.max_steps":                     d.MaxSteps,
		"engine.defaults.free_rounds":                   d.FreeRounds,
		"engine.defaults.forced_rounds":                 d.ForcedRounds,
		"engine.defaults.suppress_text_after_tool_call": d.SuppressTextAfterToolCall,
		"engine.defaults.emit_snapshots":                d.EmitSnapshots,
		"engine.defaults.model_retry_backoff":           d.ModelRetryBackoff.String(),
		"engine.pool.concurrency":                       cfg.Engine.Pool.Concurrency,
		"engine.frontend_timeout":                       cfg.Engine.FrontendTimeout.String(),
		"engine.tool_retry_backoff":                     cfg.Engine.ToolRetryBackoff.String(),

		"logging.level":      cfg.Logging.Level,
		"logging.file":       cfg.Logging.File,
		"logging.console":    cfg.Logging.Console,
		"logging.pretty":     cfg.Logging.Pretty,
		"logging.max_size":   cfg.Logging.MaxSize,
		"logging.max_age":    cfg.Logging.MaxAge,
		"logging.compress":   cfg.Logging.Compress,
		"logging.redaction":  cfg.Logging.Redaction,
		"logging.audit_file": cfg.Logging.AuditFile,

		"tracing.enabled":      cfg.Tracing.Enabled,
		"tracing.service_name": cfg.Tracing.ServiceName,
		"tracing.sample_ratio": cfg.Tracing.SampleRatio,

		"gateway.enabled":                        cfg.Gateway.Enabled,
		"gateway.port":                           cfg.Gateway.Port,
		"gateway.host":                           cfg.Gateway.Host,
		"gateway.shared_secret":                  cfg.Gateway.SharedSecret,
		"gateway.tick_interval":                  cfg.Gateway.TickInterval.String(),
		"gateway.cancel_on_disconnect":           cfg.Gateway.CancelOnDisconnect,
		"gateway.rate_limit.requests_per_minute": cfg.Gateway.RateLimit.RequestsPerMinute,
		"gateway.rate_limit.burst":               cfg.Gateway.RateLimit.Burst,
		"gateway.rate_limit.max_concurrent":      cfg.Gateway.RateLimit.MaxConcurrent,

		"eventlog.enabled":        cfg.EventLog.Enabled,
		"eventlog.path":           cfg.EventLog.Path,
		"eventlog.retention_days": cfg.EventLog.RetentionDays,
		"eventlog.sweep_spec":     cfg.EventLog.SweepSpec,

		"data_dir": cfg.DataDir,
	}
	for name, p := range map[string]ProviderSettings{
		"openai":    cfg.Providers.OpenAI,
		"anthropic": cfg.Providers.Anthropic,
		"gemini":    cfg.Providers.Gemini,
	} {
		s["providers."+name+".api_key"] = p.APIKey
		s["providers."+name+".base_url"] = p.BaseURL
		s["providers."+name+".default_model"] = p.DefaultModel
	}
	return s
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath, err := l.path()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("json")

	for key, value := range settings(cfg) {
		v.Set(key, value)
	}
	v.Set("engine.pool.lanes", cfg.Engine.Pool.Lanes)
	v.Set("agents", cfg.Agents)

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
		} else {
			return fmt.Errorf("failed to write config file: %w", err)
		}
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	p, err := l.path()
	if err != nil {
		return ""
	}
	return p
}

func (l *Loader) path() (string, error) {
	if l.configPath != "" {
		return l.configPath, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(home, defaultDirName, defaultFileName), nil
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
