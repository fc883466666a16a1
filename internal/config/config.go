// Package config loads Loom configuration from YAML with environment
// variable expansion, and persists workspace-scoped permission grants.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomchat/loom/internal/tools/policy"
)

// Config is the top-level application configuration.
type Config struct {
	// Provider selects the model backend: "anthropic" or "openai".
	Provider string `yaml:"provider"`

	// Model is the provider-specific model id.
	Model string `yaml:"model"`

	// APIKey is the backend credential. Usually set via ${ENV_VAR}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the provider endpoint.
	BaseURL string `yaml:"base_url"`

	// Workspace is the working-directory boundary for tools.
	Workspace string `yaml:"workspace"`

	// System is the system prompt.
	System string `yaml:"system"`

	// MaxTurns bounds model invocations per run.
	MaxTurns int `yaml:"max_turns"`

	// MaxTokens bounds model output per invocation.
	MaxTokens int `yaml:"max_tokens"`

	// HistoryLimit caps messages sent to the model (0 = all).
	HistoryLimit int `yaml:"history_limit"`

	// StorePath is the SQLite database path. Empty selects in-memory.
	StorePath string `yaml:"store_path"`

	// Policy overrides the built-in command classification lists.
	Policy *policy.Ruleset `yaml:"policy"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Provider:  "anthropic",
		Workspace: ".",
		MaxTurns:  16,
		MaxTokens: 8192,
	}
}

// Load reads the YAML config at path, expanding ${VAR} references from the
// environment. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Provider {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider)
	}
	if c.MaxTurns < 0 {
		return fmt.Errorf("max_turns must be non-negative")
	}
	if c.MaxTokens < 0 {
		return fmt.Errorf("max_tokens must be non-negative")
	}
	return nil
}

// Rules returns the configured ruleset, falling back to the defaults.
func (c *Config) Rules() *policy.Ruleset {
	if c.Policy != nil {
		return c.Policy
	}
	return policy.DefaultRuleset()
}
