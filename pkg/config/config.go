// Package config loads FlowStudio settings from config.yaml in the
// configuration directory, a .env file next to it, and FLOWSTUDIO_*
// environment variables, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dario.cat/mergo"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	// FileName is the config file inside the configuration directory
	FileName = "config.yaml"

	// EnvPrefix prefixes every environment override
	EnvPrefix = "FLOWSTUDIO_"

	// EnvConfigDir overrides the configuration directory
	EnvConfigDir = EnvPrefix + "CONFIG_DIR"
)

// Config holds every setting of the CLI and server
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Remote   RemoteConfig   `yaml:"remote"`
	Autosave AutosaveConfig `yaml:"autosave"`
	Log      LogConfig      `yaml:"log"`
}

// ServerConfig configures `flowstudio serve`
type ServerConfig struct {
	Addr      string        `yaml:"addr"`
	JWTSecret string        `yaml:"jwt_secret,omitempty"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

// DatabaseConfig selects the store behind the server and local commands
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // "sqlite" or "postgres"
	DSN    string `yaml:"dsn"`
}

// RemoteConfig points the CLI at a running server. An empty URL makes the
// CLI open the database directly.
type RemoteConfig struct {
	URL   string `yaml:"url,omitempty"`
	Token string `yaml:"token,omitempty"`
	User  string `yaml:"user,omitempty"`
}

// AutosaveConfig controls the background save of edited workflows
type AutosaveConfig struct {
	Disabled bool          `yaml:"disabled,omitempty"`
	Interval time.Duration `yaml:"interval"`
}

// LogConfig configures hclog output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json,omitempty"`
}

// Default returns the settings used for anything left unset. The database
// DSN is relative to the configuration directory.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Addr:     "127.0.0.1:8080",
			TokenTTL: 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Driver: "sqlite",
			DSN:    "flowstudio.db",
		},
		Remote: RemoteConfig{
			User: "local",
		},
		Autosave: AutosaveConfig{
			Interval: 30 * time.Second,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Dir resolves the configuration directory: the FLOWSTUDIO_CONFIG_DIR
// environment variable, then flagValue, then ~/.flowstudio.
func Dir(flagValue string) (string, error) {
	if env := os.Getenv(EnvConfigDir); env != "" {
		return env, nil
	}
	if flagValue != "" {
		return flagValue, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, ".flowstudio"), nil
}

// Load reads dir/.env and dir/config.yaml, fills unset fields from Default
// and applies environment overrides. Missing files are not an error.
func Load(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	var cfg Config
	data, err := os.ReadFile(filepath.Join(dir, FileName))
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := mergo.Merge(&cfg, Default()); err != nil {
		return nil, fmt.Errorf("failed to apply defaults: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	if cfg.Database.Driver == "sqlite" && cfg.Database.DSN != ":memory:" && !filepath.IsAbs(cfg.Database.DSN) {
		cfg.Database.DSN = filepath.Join(dir, cfg.Database.DSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_ADDR": &c.Server.Addr,
		"JWT_SECRET":  &c.Server.JWTSecret,
		"DB_DRIVER":   &c.Database.Driver,
		"DB_DSN":      &c.Database.DSN,
		"REMOTE_URL":  &c.Remote.URL,
		"TOKEN":       &c.Remote.Token,
		"USER":        &c.Remote.User,
		"LOG_LEVEL":   &c.Log.Level,
	}
	for key, dst := range strs {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"TOKEN_TTL":         &c.Server.TokenTTL,
		"AUTOSAVE_INTERVAL": &c.Autosave.Interval,
	}
	for key, dst := range durations {
		v, ok := lookup(EnvPrefix + key)
		if !ok || v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("invalid %s%s: %w", EnvPrefix, key, err)
		}
		*dst = d
	}

	if v, ok := lookup(EnvPrefix + "LOG_JSON"); ok {
		c.Log.JSON = v == "1" || strings.EqualFold(v, "true")
	}
	return nil
}

// Validate checks the merged settings
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn is required")
	}
	if c.Autosave.Interval < time.Second {
		return fmt.Errorf("autosave interval must be at least 1s, got %s", c.Autosave.Interval)
	}
	if c.Server.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive")
	}
	return nil
}

// Save writes cfg to dir/config.yaml, creating dir if needed
func Save(dir string, cfg *Config) error {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, FileName), data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
