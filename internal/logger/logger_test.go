package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	t.Run("should write to the configured file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "agentrun.log")

		l, err := New(Config{Level: "debug", File: logFile})
		require.NoError(t, err)

		engine := l.Component("engine")
		engine.Info().Str("run_id", "r1").Msg("run started")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), `"component":"engine"`)
		assert.Contains(t, string(data), `"run_id":"r1"`)
	})

	t.Run("should install the global logger", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "global.log")

		l, err := New(Config{Level: "info", File: logFile})
		require.NoError(t, err)
		defer l.Close()

		log.Info().Msg("through the global logger")

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Contains(t, string(data), "through the global logger")
	})

	t.Run("should redact provider keys when enabled", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "redacted.log")

		l, err := New(Config{Level: "info", File: logFile, Redaction: true})
		require.NoError(t, err)

		l.Info().Str("key", "sk-ant-REDACTED").Msg("provider configured")
		require.NoError(t, l.Close())

		data, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.NotContains(t, string(data), "abcdefghijklmnopqrstuvwxyz")
		assert.Contains(t, string(data), "[REDACTED]")
	})

	t.Run("should fall back to info on an unknown level", func(t *testing.T) {
		l, err := New(Config{Level: "chatty", File: filepath.Join(t.TempDir(), "x.log")})
		require.NoError(t, err)
		defer l.Close()

		assert.Equal(t, "info", l.Zerolog().GetLevel().String())
	})
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.True(t, cfg.Redaction)
	assert.True(t, cfg.Console)
}
