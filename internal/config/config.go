// Package config loads and validates the proxy configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultPort           = 8000
	defaultTimeoutSeconds = 90
	defaultMaxTokensLimit = 65535
	defaultMinTokensLimit = 4096
)

// Config represents the application configuration parsed from YAML.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upstream UpstreamConfig `yaml:"upstream"`
}

// ServerConfig defines the listener and the optional caller-side secret.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// AuthKey, when set, is required from callers via x-api-key or a
	// bearer token. Empty disables caller authentication.
	AuthKey string `yaml:"auth_key"`
}

// UpstreamConfig captures the endpoint, the credential pool and the model
// list the proxy rotates over.
type UpstreamConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKeys []string `yaml:"api_keys"`
	Models  []string `yaml:"models"`

	TimeoutSeconds int `yaml:"timeout_seconds"`
	MaxTokensLimit int `yaml:"max_tokens_limit"`
	MinTokensLimit int `yaml:"min_tokens_limit"`

	// ValidateOnStart probes every key before serving; DiscardInvalidKeys
	// additionally removes the rejected ones from rotation.
	ValidateOnStart    bool `yaml:"validate_on_start"`
	DiscardInvalidKeys bool `yaml:"discard_invalid_keys"`
}

// Timeout returns the configured upstream timeout as a duration.
func (u UpstreamConfig) Timeout() time.Duration {
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// Load reads YAML configuration from disk, fills defaults and validates the
// result.
func Load(path string) (Config, error) {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return Config{}, fmt.Errorf("resolve config path: %w", err)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return Config{}, fmt.Errorf("read config file %q: %w", absPath, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file %q: %w", absPath, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = defaultPort
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = defaultTimeoutSeconds
	}
	if c.Upstream.MaxTokensLimit == 0 {
		c.Upstream.MaxTokensLimit = defaultMaxTokensLimit
	}
	if c.Upstream.MinTokensLimit == 0 {
		c.Upstream.MinTokensLimit = defaultMinTokensLimit
	}
}

// Validate performs strict sanity checks on the configuration. An empty key
// pool or model list is fatal here rather than at first request.
func (c Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be a valid TCP port, got %d", c.Server.Port)
	}

	if strings.TrimSpace(c.Upstream.BaseURL) == "" {
		return fmt.Errorf("upstream.base_url must be provided")
	}
	if len(c.Upstream.APIKeys) == 0 {
		return fmt.Errorf("upstream.api_keys must list at least one key")
	}
	for i, key := range c.Upstream.APIKeys {
		if strings.TrimSpace(key) == "" {
			return fmt.Errorf("upstream.api_keys[%d] must not be empty", i)
		}
	}
	if len(c.Upstream.Models) == 0 {
		return fmt.Errorf("upstream.models must list at least one model")
	}
	for i, model := range c.Upstream.Models {
		if strings.TrimSpace(model) == "" {
			return fmt.Errorf("upstream.models[%d] must not be empty", i)
		}
	}

	if c.Upstream.TimeoutSeconds < 0 {
		return fmt.Errorf("upstream.timeout_seconds must not be negative")
	}
	if c.Upstream.MinTokensLimit > c.Upstream.MaxTokensLimit {
		return fmt.Errorf("upstream.min_tokens_limit (%d) exceeds max_tokens_limit (%d)",
			c.Upstream.MinTokensLimit, c.Upstream.MaxTokensLimit)
	}
	if c.Upstream.DiscardInvalidKeys && !c.Upstream.ValidateOnStart {
		return fmt.Errorf("upstream.discard_invalid_keys requires validate_on_start")
	}
	return nil
}
