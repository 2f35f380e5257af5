// Package config resolves daemon configuration from the environment, with
// optional YAML file overrides. Environment variables win over the file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is the resolved daemon configuration.
type Config struct {
	Port                 int    `yaml:"port"`
	Bind                 string `yaml:"bind"`
	DataDir              string `yaml:"data_dir"`
	APIToken             string `yaml:"api_token"`
	DefaultPolicyProfile string `yaml:"default_policy_profile"`
	RingBufferSize       int    `yaml:"ring_buffer_size"`
	SnapshotLRU          int    `yaml:"snapshot_lru"`
	LogLevel             string `yaml:"log_level"`
	PersistKey           string `yaml:"persist_key"`
	AuditDB              string `yaml:"audit_db"`
}

func defaults() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		Port:                 19315,
		Bind:                 "127.0.0.1",
		DataDir:              filepath.Join(home, ".agentmb"),
		DefaultPolicyProfile: "safe",
		RingBufferSize:       500,
		SnapshotLRU:          16,
		LogLevel:             "info",
	}
}

// Load resolves the configuration in three layers: built-in defaults, then
// the YAML file named by CONFIG_FILE (if set), then environment variables.
func Load() (*Config, error) {
	cfg := defaults()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.mergeEnv(); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads a YAML configuration file on top of the defaults, without
// consulting the environment. Used by tests and by tooling that wants a
// reproducible config.
func LoadFile(path string) (*Config, error) {
	cfg := defaults()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) mergeEnv() error {
	if v := os.Getenv("PORT"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: PORT: %w", err)
		}
		c.Port = n
	}
	if v := os.Getenv("BIND"); v != "" {
		c.Bind = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("API_TOKEN"); v != "" {
		c.APIToken = v
	}
	if v := os.Getenv("DEFAULT_POLICY_PROFILE"); v != "" {
		c.DefaultPolicyProfile = v
	}
	if v := os.Getenv("RING_BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RING_BUFFER_SIZE: %w", err)
		}
		c.RingBufferSize = n
	}
	if v := os.Getenv("SNAPSHOT_LRU"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: SNAPSHOT_LRU: %w", err)
		}
		c.SnapshotLRU = n
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("PERSIST_KEY"); v != "" {
		c.PersistKey = v
	}
	if v := os.Getenv("AUDIT_DB"); v != "" {
		c.AuditDB = v
	}
	return nil
}

func (c *Config) validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("config: port %d out of range", c.Port)
	}
	switch c.DefaultPolicyProfile {
	case "safe", "permissive", "disabled":
	default:
		return fmt.Errorf("config: unknown policy profile %q", c.DefaultPolicyProfile)
	}
	if c.RingBufferSize < 1 {
		return fmt.Errorf("config: ring_buffer_size must be positive, got %d", c.RingBufferSize)
	}
	if c.SnapshotLRU < 1 {
		return fmt.Errorf("config: snapshot_lru must be positive, got %d", c.SnapshotLRU)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.LogLevel)
	}
	return nil
}

// Addr returns the listen address in host:port form.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Bind, c.Port)
}

// SessionsFile is the persisted session state path.
func (c *Config) SessionsFile() string {
	return filepath.Join(c.DataDir, "sessions.json")
}

// PIDFile is the daemon PID file path, used as a double-start guard.
func (c *Config) PIDFile() string {
	return filepath.Join(c.DataDir, "agentmb.pid")
}

// ProfilesDir holds persistent browser profiles for managed sessions.
func (c *Config) ProfilesDir() string {
	return filepath.Join(c.DataDir, "profiles")
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
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
