// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the parley configuration. Playbook directives
// override these values per run.
type Config struct {
	Adapter  AdapterConfig  `toml:"adapter"`
	Engine   EngineConfig   `toml:"engine"`
	Detector DetectorConfig `toml:"detector"`
	Storage  StorageConfig  `toml:"storage"`
}

// AdapterConfig contains backend settings.
type AdapterConfig struct {
	Name      string `toml:"name"`        // backend name, "agentkit" by default
	Provider  string `toml:"provider"`    // inferred from model when empty
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	BaseURL   string `toml:"base_url"`    // custom API endpoint
	MaxTokens int    `toml:"max_tokens"`
}

// EngineConfig contains run loop settings.
type EngineConfig struct {
	MaxCycles     int    `toml:"max_cycles"`
	ContextLimit  int    `toml:"context_limit"`  // compaction ceiling, percent
	ContextWindow int    `toml:"context_window"` // model window in tokens
	StepTimeout   string `toml:"step_timeout"`   // per prompt step, e.g. "10m"
	ExecTimeout   string `toml:"exec_timeout"`   // per shell step, e.g. "5m"
	RetryBackoff  string `toml:"retry_backoff"`  // base backoff between retries

	// SummaryPrefix and SummarySuffix frame compaction summaries
	// before they re-enter the conversation.
	SummaryPrefix string `toml:"summary_prefix"`
	SummarySuffix string `toml:"summary_suffix"`
}

// DetectorConfig tunes the stall heuristics.
type DetectorConfig struct {
	Phrases            []string `toml:"phrases"`
	IdenticalThreshold int      `toml:"identical_threshold"`
	MinResponseChars   int      `toml:"min_response_chars"`
}

// StorageConfig locates session logs and checkpoints.
type StorageConfig struct {
	Path string `toml:"path"` // base directory for all persistent data
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Adapter: AdapterConfig{
			Name:      "agentkit",
			MaxTokens: 8192,
		},
		Engine: EngineConfig{
			MaxCycles:     1,
			ContextLimit:  80,
			ContextWindow: 200000,
			StepTimeout:   "10m",
			ExecTimeout:   "5m",
			RetryBackoff:  "2s",
		},
		Detector: DetectorConfig{
			IdenticalThreshold: 2,
			MinResponseChars:   100,
		},
		Storage: StorageConfig{
			Path: "~/.local/parley",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, nil
}

// LoadDefault loads configuration from parley.toml in the current
// directory, falling back to defaults when it does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, "parley.toml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// GetAPIKey returns the API key from the configured environment
// variable. If api_key_env is not set, uses the default env var for
// the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.Adapter.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.Adapter.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for
// a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// StoragePath expands the configured base directory, resolving a
// leading "~" against the user's home.
func (c *Config) StoragePath() string {
	path := c.Storage.Path
	if len(path) > 1 && path[0] == '~' && path[1] == '/' {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	return path
}
