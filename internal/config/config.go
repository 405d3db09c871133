package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	// Adapter is the BlueZ adapter name, e.g. "hci0".
	Adapter   string        `yaml:"adapter"`
	LocalName string        `yaml:"local_name"`
	Advertise bool          `yaml:"advertise"`
	Agent     AgentConfig   `yaml:"agent"`
	Shutdown  time.Duration `yaml:"shutdown_grace"`
	LogLevel  string        `yaml:"log_level"`
}

// AgentConfig holds pairing agent settings.
type AgentConfig struct {
	Capability string `yaml:"capability"`
	Default    bool   `yaml:"default"` // request default-agent status
}

var capabilities = []string{
	"DisplayOnly",
	"DisplayYesNo",
	"KeyboardOnly",
	"NoInputNoOutput",
	"KeyboardDisplay",
}

// DefaultConfigDir returns the default config directory path.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "ancsd")
}

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Adapter:   "hci0",
		LocalName: "ancsd",
		Advertise: true,
		Agent: AgentConfig{
			Capability: "DisplayYesNo",
			Default:    true,
		},
		Shutdown: 3 * time.Second,
		LogLevel: "info",
	}
}

// Load reads and parses a YAML config file. Missing fields are filled
// with defaults. A path starting with ~ is expanded to the user's home
// directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(expandTilde(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	return cfg, nil
}

// Validate checks the config for invalid values.
func (c *Config) Validate() error {
	if c.Adapter == "" {
		return fmt.Errorf("adapter must not be empty")
	}
	if strings.ContainsAny(c.Adapter, "/ ") {
		return fmt.Errorf("adapter must be a name like \"hci0\", got %q", c.Adapter)
	}

	if c.Advertise && c.LocalName == "" {
		return fmt.Errorf("local_name must not be empty when advertise is enabled")
	}

	valid := false
	for _, capability := range capabilities {
		if c.Agent.Capability == capability {
			valid = true
			break
		}
	}
	if !valid {
		return fmt.Errorf("agent.capability must be one of %s, got %q",
			strings.Join(capabilities, ", "), c.Agent.Capability)
	}

	if c.Shutdown <= 0 {
		return fmt.Errorf("shutdown_grace must be > 0, got %s", c.Shutdown)
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level must be debug, info, warn, or error, got %q", c.LogLevel)
	}

	return nil
}

// ParseLogLevel maps a log_level value to a slog level. Unknown values
// fall back to info.
func ParseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const defaultHeader = `# ancsd configuration
# See agent.capability values: DisplayOnly, DisplayYesNo, KeyboardOnly,
# NoInputNoOutput, KeyboardDisplay.
`

// WriteDefault writes the default config to DefaultConfigPath if no file
// exists there yet. It returns the written path, or "" if a config was
// already present.
func WriteDefault() (string, error) {
	path := DefaultConfigPath()
	if _, err := os.Stat(path); err == nil {
		return "", nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("checking config file: %w", err)
	}

	data, err := yaml.Marshal(Default())
	if err != nil {
		return "", fmt.Errorf("encoding default config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("creating config dir: %w", err)
	}
	if err := os.WriteFile(path, append([]byte(defaultHeader), data...), 0644); err != nil {
		return "", fmt.Errorf("writing config file: %w", err)
	}
	return path, nil
}

// expandTilde replaces a leading ~ with the user's home directory.
func expandTilde(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
