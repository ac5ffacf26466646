package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger.Level)
	assert.True(t, cfg.Browser.Headless)
	assert.Equal(t, 1920, cfg.Browser.Width)
	assert.Equal(t, 30*time.Second, cfg.Browser.Timeout)
	assert.Equal(t, 20, cfg.Discovery.MaxHover)
	assert.Equal(t, 10, cfg.Discovery.MaxPopup)
	assert.Equal(t, 500*time.Millisecond, cfg.Discovery.HoverSettle)
	assert.Equal(t, time.Second, cfg.Discovery.PopupSettle)
	assert.Equal(t, "groq", cfg.LLM.Provider)
	assert.Equal(t, "openai/gpt-oss-20b", cfg.LLM.Model)
	assert.InDelta(t, 0.3, cfg.LLM.Temperature, 1e-9)
	assert.Equal(t, "0.0.0.0:8000", cfg.Server.Addr())
}

func TestLoadFromYAML(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(`
browser:
  headless: false
  timeout: 10s
discovery:
  max_hover: 5
llm:
  provider: Claude
  model: claude-sonnet-4-20250514
`)))

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.False(t, cfg.Browser.Headless)
	assert.Equal(t, 10*time.Second, cfg.Browser.Timeout)
	assert.Equal(t, 5, cfg.Discovery.MaxHover)
	assert.Equal(t, "claude", cfg.LLM.Provider)
	// Untouched keys keep their defaults.
	assert.Equal(t, 10, cfg.Discovery.MaxPopup)
}

func TestConfigValidation(t *testing.T) {
	t.Run("defaults are valid", func(t *testing.T) {
		assert.NoError(t, NewDefaultConfig().Validate())
	})

	t.Run("bad provider", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.LLM.Provider = "gemini"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), `llm.provider "gemini"`)
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := NewDefaultConfig()
		cfg.Browser.Width = 0
		cfg.LLM.Temperature = 3
		cfg.Server.Port = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "browser.width must be positive")
		assert.Contains(t, err.Error(), "llm.temperature must be between 0 and 2")
		assert.Contains(t, err.Error(), "server.port must be between 1 and 65535")
	})
}
