package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full bddscout configuration tree.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Browser   BrowserConfig   `mapstructure:"browser" yaml:"browser"`
	Discovery DiscoveryConfig `mapstructure:"discovery" yaml:"discovery"`
	LLM       LLMConfig       `mapstructure:"llm" yaml:"llm"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Output    OutputConfig    `mapstructure:"output" yaml:"output"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
}

// LoggerConfig controls console and file logging.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
	Colors      bool   `mapstructure:"colors" yaml:"colors"`
}

// BrowserConfig controls the Chromium instance behind each page session.
type BrowserConfig struct {
	Headless   bool          `mapstructure:"headless" yaml:"headless"`
	Bin        string        `mapstructure:"bin" yaml:"bin"`
	RemoteURL  string        `mapstructure:"remote_url" yaml:"remote_url"`
	Stealth    bool          `mapstructure:"stealth" yaml:"stealth"`
	Width      int           `mapstructure:"width" yaml:"width"`
	Height     int           `mapstructure:"height" yaml:"height"`
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
	SlowMotion time.Duration `mapstructure:"slow_motion" yaml:"slow_motion"`
	Settle     time.Duration `mapstructure:"settle" yaml:"settle"`
}

// DiscoveryConfig bounds the probing passes and their timing.
type DiscoveryConfig struct {
	MaxHover    int           `mapstructure:"max_hover" yaml:"max_hover"`
	MaxPopup    int           `mapstructure:"max_popup" yaml:"max_popup"`
	HoverSettle time.Duration `mapstructure:"hover_settle" yaml:"hover_settle"`
	HoverReset  time.Duration `mapstructure:"hover_reset" yaml:"hover_reset"`
	PopupSettle time.Duration `mapstructure:"popup_settle" yaml:"popup_settle"`
	PopupReset  time.Duration `mapstructure:"popup_reset" yaml:"popup_reset"`
	ClosePause  time.Duration `mapstructure:"close_pause" yaml:"close_pause"`
}

// LLMConfig selects the provider used for scenario generation.
type LLMConfig struct {
	Provider    string            `mapstructure:"provider" yaml:"provider"`
	Model       string            `mapstructure:"model" yaml:"model"`
	Temperature float64           `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int               `mapstructure:"max_tokens" yaml:"max_tokens"`
	APIKeys     map[string]string `mapstructure:"api_keys" yaml:"api_keys"`
}

type StorageConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

type OutputConfig struct {
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host" yaml:"host"`
	Port            int           `mapstructure:"port" yaml:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Providers lists the LLM provider names accepted by llm.provider.
var Providers = []string{"groq", "openai", "claude"}

// SetDefaults registers every key so env and flag overrides resolve.
func SetDefaults(v *viper.Viper) {
	// Logger
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "bddscout")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 50)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors", true)

	// Browser
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.stealth", true)
	v.SetDefault("browser.width", 1920)
	v.SetDefault("browser.height", 1080)
	v.SetDefault("browser.timeout", "30s")
	v.SetDefault("browser.slow_motion", "100ms")
	v.SetDefault("browser.settle", "2s")

	// Discovery
	v.SetDefault("discovery.max_hover", 20)
	v.SetDefault("discovery.max_popup", 10)
	v.SetDefault("discovery.hover_settle", "500ms")
	v.SetDefault("discovery.hover_reset", "300ms")
	v.SetDefault("discovery.popup_settle", "1s")
	v.SetDefault("discovery.popup_reset", "500ms")
	v.SetDefault("discovery.close_pause", "300ms")

	// LLM
	v.SetDefault("llm.provider", "groq")
	v.SetDefault("llm.model", "openai/gpt-oss-20b")
	v.SetDefault("llm.temperature", 0.3)
	v.SetDefault("llm.max_tokens", 4096)

	v.SetDefault("storage.path", "data/bddscout.db")
	v.SetDefault("output.dir", "outputs")

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8000)
	v.SetDefault("server.shutdown_timeout", "15s")
}

// NewDefaultConfig returns a config populated only from defaults.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	cfg, err := Load(v)
	if err != nil {
		panic(fmt.Sprintf("failed to load default config: %v", err))
	}
	return cfg
}

// Load unmarshals v into a Config and validates it.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if c.Browser.Width <= 0 {
		errs = append(errs, errors.New("browser.width must be positive"))
	}
	if c.Browser.Height <= 0 {
		errs = append(errs, errors.New("browser.height must be positive"))
	}
	if c.Browser.Timeout <= 0 {
		errs = append(errs, errors.New("browser.timeout must be positive"))
	}
	if c.Discovery.MaxHover < 0 {
		errs = append(errs, errors.New("discovery.max_hover must not be negative"))
	}
	if c.Discovery.MaxPopup < 0 {
		errs = append(errs, errors.New("discovery.max_popup must not be negative"))
	}
	if !IsProvider(c.LLM.Provider) {
		errs = append(errs, fmt.Errorf("llm.provider %q is not one of %s", c.LLM.Provider, strings.Join(Providers, ", ")))
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errs = append(errs, errors.New("llm.temperature must be between 0 and 2"))
	}
	if c.LLM.MaxTokens <= 0 {
		errs = append(errs, errors.New("llm.max_tokens must be a positive integer"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Output.Dir == "" {
		errs = append(errs, errors.New("output.dir is required"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, errors.New("server.port must be between 1 and 65535"))
	}

	return errors.Join(errs...)
}

// IsProvider reports whether name is a supported LLM provider.
func IsProvider(name string) bool {
	for _, p := range Providers {
		if p == name {
			return true
		}
	}
	return false
}
