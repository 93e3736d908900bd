// Package config loads the agent configuration.
//
// The file is stored at $XDG_CONFIG_HOME/edgeagent/config.yaml (defaults to
// ~/.config/edgeagent/config.yaml). A missing file yields the defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"

	"edgeagent/internal/configtree"
	"edgeagent/internal/deployment"
	"edgeagent/internal/logging"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultMetricsAddr  = "127.0.0.1:9464"
)

// Config is the agent configuration.
type Config struct {
	DataRoot          string        `yaml:"data_root,omitempty"`
	LogLevel          string        `yaml:"log_level,omitempty"`
	Capabilities      []string      `yaml:"capabilities,omitempty"`
	DeploymentTimeout time.Duration `yaml:"deployment_timeout,omitempty"`
	// PollInterval is how often the watched deployment inbox is fully rescanned.
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	// MetricsAddr serves /metrics. Empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr,omitempty"`
	// Components is the initial configuration tree, used until a deployment
	// leaves an effective configuration behind.
	Components map[string]configtree.Component `yaml:"components,omitempty"`
}

// Path returns the config file location. It respects XDG_CONFIG_HOME,
// falling back to ~/.config/edgeagent/config.yaml.
func Path() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "edgeagent", "config.yaml")
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "edgeagent", "config.yaml")
}

// DefaultDataRoot is where state lives unless configured.
func DefaultDataRoot() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "edgeagent")
	}
	if os.Geteuid() == 0 {
		return "/var/lib/edgeagent"
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "state", "edgeagent")
	}
	return filepath.Join(home, ".local", "state", "edgeagent")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DataRoot:          DefaultDataRoot(),
		LogLevel:          logging.LevelInfo,
		Capabilities:      slices.Clone(deployment.DefaultCapabilities),
		DeploymentTimeout: deployment.DefaultTimeout,
		PollInterval:      DefaultPollInterval,
		MetricsAddr:       DefaultMetricsAddr,
		Components:        make(map[string]configtree.Component),
	}
}

// Load reads the config file at path. An empty path means Path(). If the
// file does not exist, Default() is returned (not an error).
func Load(path string) (*Config, error) {
	if path == "" {
		path = Path()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a config document, filling defaults.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.DataRoot == "" {
		c.DataRoot = DefaultDataRoot()
	}
	if c.DeploymentTimeout <= 0 {
		return fmt.Errorf("config: deployment_timeout must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: poll_interval must be positive")
	}
	if c.Components == nil {
		c.Components = make(map[string]configtree.Component)
	}
	if err := configtree.Validate(c.Components); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// StatePath is the agent database.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataRoot, "agent.db")
}

// InboxDir is where local deployment documents are dropped for pickup.
func (c *Config) InboxDir() string {
	return filepath.Join(c.DataRoot, "inbox")
}

// Save writes the config to path, creating directories as needed.
func (c *Config) Save(path string) error {
	if path == "" {
		path = Path()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}
