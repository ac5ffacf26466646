// Package ai wraps the LLM providers used to write feature files.
package ai

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/v0xg/bddscout/internal/config"
)

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from provider")

// Prompt is one system/user exchange.
type Prompt struct {
	System string
	User   string
}

// Provider generates text for a prompt.
type Provider interface {
	Name() string
	Generate(ctx context.Context, prompt Prompt) (string, error)
}

// Options configures a provider. Empty fields take provider defaults.
type Options struct {
	Model       string
	Temperature float64
	MaxTokens   int
	APIKey      string
	// BaseURL overrides the API endpoint.
	BaseURL string
}

const defaultMaxTokens = 4096

// DefaultModel returns the model used when none is configured.
func DefaultModel(provider string) string {
	switch provider {
	case "claude":
		return defaultClaudeModel
	case "openai":
		return "gpt-4o-mini"
	default:
		return "openai/gpt-oss-20b"
	}
}

// NewProvider creates a provider by name.
func NewProvider(name string, opts Options) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if opts.Model == "" {
		opts.Model = DefaultModel(name)
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.APIKey == "" {
		opts.APIKey = apiKeyFromEnv(name)
	}

	switch name {
	case "groq":
		return NewGroqProvider(opts)
	case "openai", "gpt":
		return NewOpenAIProvider(opts)
	case "claude", "anthropic":
		return NewClaudeProvider(opts)
	default:
		return nil, fmt.Errorf("unknown provider: %s (supported: %s)", name, strings.Join(config.Providers, ", "))
	}
}

// FromConfig creates the provider selected by cfg.
func FromConfig(cfg config.LLMConfig) (Provider, error) {
	return NewProvider(cfg.Provider, Options{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		APIKey:      cfg.APIKeys[cfg.Provider],
	})
}

// envName maps a provider to the prefix of its key variable.
func envName(provider string) string {
	switch provider {
	case "claude", "anthropic":
		return "ANTHROPIC"
	case "gpt":
		return "OPENAI"
	default:
		return strings.ToUpper(provider)
	}
}

// apiKeyFromEnv reads BDDSCOUT_<P>_API_KEY, then <P>_API_KEY.
func apiKeyFromEnv(provider string) string {
	p := envName(provider)
	if key := os.Getenv("BDDSCOUT_" + p + "_API_KEY"); key != "" {
		return key
	}
	return os.Getenv(p + "_API_KEY")
}

func missingKey(provider string) error {
	p := envName(provider)
	return fmt.Errorf("BDDSCOUT_%s_API_KEY or %s_API_KEY environment variable required", p, p)
}
