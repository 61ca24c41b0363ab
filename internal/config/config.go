// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Programator2/TSEM/internal/digest"
	"github.com/Programator2/TSEM/internal/event"
	"github.com/Programator2/TSEM/pkg/types"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Root    RootConfig    `yaml:"root"`
	Trust   TrustConfig   `yaml:"trust"`
	Actions ActionsConfig `yaml:"actions"`
}

type ServerConfig struct {
	Addr         string `yaml:"addr"`
	ReadTimeout  string `yaml:"read_timeout"`
	WriteTimeout string `yaml:"write_timeout"`
}

type AuthConfig struct {
	// Type is "api_key" or "none".
	Type   string           `yaml:"type"`
	APIKey AuthAPIKeyConfig `yaml:"api_key"`
}

type AuthAPIKeyConfig struct {
	KeysFile   string `yaml:"keys_file"`
	HeaderName string `yaml:"header_name"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// RootConfig shapes the root modeling domain created at startup.
type RootConfig struct {
	Digest       string `yaml:"digest"`
	MagazineSize int    `yaml:"magazine_size"`
	Namespace    string `yaml:"ns_ref"`
}

type TrustConfig struct {
	TPM    bool   `yaml:"tpm"`
	Device string `yaml:"device"`
	PCR    int    `yaml:"pcr"`
}

// ActionsConfig seeds the root domain's per-event action table.
// Profile points at a YAML file of event-to-action entries that is
// reloaded when it changes.
type ActionsConfig struct {
	Profile string            `yaml:"profile"`
	Default map[string]string `yaml:"default"`
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return LoadFromBytes(b)
}

func LoadFromBytes(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	applyDefaults(&cfg)
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = "127.0.0.1:7070"
	}
	if cfg.Server.ReadTimeout == "" {
		cfg.Server.ReadTimeout = "30s"
	}
	if cfg.Server.WriteTimeout == "" {
		// Export long-polls hold the response open.
		cfg.Server.WriteTimeout = "5m"
	}
	if cfg.Auth.Type == "" {
		cfg.Auth.Type = "none"
	}
	if cfg.Auth.APIKey.HeaderName == "" {
		cfg.Auth.APIKey.HeaderName = "X-API-Key"
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Logging.Output == "" {
		cfg.Logging.Output = "stderr"
	}
	if cfg.Metrics.Path == "" {
		cfg.Metrics.Path = "/metrics"
	}
	if cfg.Root.Digest == "" {
		cfg.Root.Digest = "sha256"
	}
	if cfg.Root.MagazineSize <= 0 {
		cfg.Root.MagazineSize = 96
	}
	if cfg.Root.Namespace == "" {
		cfg.Root.Namespace = string(types.NSInitial)
	}
	if cfg.Trust.Device == "" {
		cfg.Trust.Device = "/dev/tpmrm0"
	}
	if cfg.Trust.PCR == 0 {
		cfg.Trust.PCR = 11
	}
}

func validate(cfg *Config) error {
	switch strings.ToLower(cfg.Auth.Type) {
	case "none":
	case "api_key":
		if cfg.Auth.APIKey.KeysFile == "" {
			return fmt.Errorf("auth.api_key.keys_file is required for api_key auth")
		}
	default:
		return fmt.Errorf("unsupported auth type %q", cfg.Auth.Type)
	}

	if _, err := digest.Alloc(cfg.Root.Digest); err != nil {
		return fmt.Errorf("root.digest: %w", err)
	}
	switch types.NamespaceRef(cfg.Root.Namespace) {
	case types.NSInitial, types.NSCurrent:
	default:
		return fmt.Errorf("root.ns_ref must be initial or current, got %q", cfg.Root.Namespace)
	}

	for _, field := range []struct{ name, value string }{
		{"server.read_timeout", cfg.Server.ReadTimeout},
		{"server.write_timeout", cfg.Server.WriteTimeout},
	} {
		if _, err := time.ParseDuration(field.value); err != nil {
			return fmt.Errorf("%s: %w", field.name, err)
		}
	}

	if _, err := ParseActionTable(cfg.Actions.Default); err != nil {
		return err
	}
	return nil
}

// ReadTimeout returns the parsed server read timeout.
func (c *Config) ReadTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.ReadTimeout)
	return d
}

// WriteTimeout returns the parsed server write timeout.
func (c *Config) WriteTimeout() time.Duration {
	d, _ := time.ParseDuration(c.Server.WriteTimeout)
	return d
}

// ParseActionTable validates a map of event names to actions.
func ParseActionTable(entries map[string]string) (map[event.Type]types.Action, error) {
	table := make(map[event.Type]types.Action, len(entries))
	for name, value := range entries {
		t, err := event.ParseType(name)
		if err != nil {
			return nil, fmt.Errorf("actions: %w", err)
		}
		action := types.Action(strings.ToUpper(value))
		if !action.Valid() {
			return nil, fmt.Errorf("actions: invalid action %q for %s", value, name)
		}
		table[t] = action
	}
	return table, nil
}

// LoadActionProfile reads an action table from a profile YAML file of
// the form "event_name: ACTION" entries.
func LoadActionProfile(path string) (map[event.Type]types.Action, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read action profile: %w", err)
	}
	var entries map[string]string
	if err := yaml.Unmarshal(b, &entries); err != nil {
		return nil, fmt.Errorf("parse action profile: %w", err)
	}
	return ParseActionTable(entries)
}
