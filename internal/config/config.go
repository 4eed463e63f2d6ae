// ABOUTME: Configuration loading and parsing for hub-sync
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete hub-sync configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Sync     SyncConfig     `yaml:"sync"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AuthConfig holds authentication configuration. JWTSecret signs namespace
// tokens for HTTP clients; CLIToken is the shared secret CLI agents and
// daemons present when opening a websocket.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
	CLIToken  string `yaml:"cli_token"`
}

// SyncConfig holds liveness and RPC timing configuration
type SyncConfig struct {
	InactivityThreshold time.Duration `yaml:"-"`
	SweepInterval       time.Duration `yaml:"-"`
	RPCTimeout          time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	InactivityThresholdRaw string `yaml:"inactivity_threshold"`
	SweepIntervalRaw       string `yaml:"sweep_interval"`
	RPCTimeoutRaw          string `yaml:"rpc_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults applied when the config file leaves a value unset.
const (
	DefaultInactivityThreshold = 30 * time.Second
	DefaultSweepInterval       = 5 * time.Second
	DefaultRPCTimeout          = 30 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Sync.InactivityThreshold <= 0 {
		return fmt.Errorf("sync.inactivity_threshold must be positive")
	}
	if c.Sync.SweepInterval <= 0 {
		return fmt.Errorf("sync.sweep_interval must be positive")
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Sync.InactivityThresholdRaw != "" {
		cfg.Sync.InactivityThreshold, err = time.ParseDuration(cfg.Sync.InactivityThresholdRaw)
		if err != nil {
			return fmt.Errorf("parsing inactivity_threshold %q: %w", cfg.Sync.InactivityThresholdRaw, err)
		}
	}

	if cfg.Sync.SweepIntervalRaw != "" {
		cfg.Sync.SweepInterval, err = time.ParseDuration(cfg.Sync.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Sync.SweepIntervalRaw, err)
		}
	}

	if cfg.Sync.RPCTimeoutRaw != "" {
		cfg.Sync.RPCTimeout, err = time.ParseDuration(cfg.Sync.RPCTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing rpc_timeout %q: %w", cfg.Sync.RPCTimeoutRaw, err)
		}
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Sync.InactivityThreshold == 0 {
		cfg.Sync.InactivityThreshold = DefaultInactivityThreshold
	}
	if cfg.Sync.SweepInterval == 0 {
		cfg.Sync.SweepInterval = DefaultSweepInterval
	}
	if cfg.Sync.RPCTimeout == 0 {
		cfg.Sync.RPCTimeout = DefaultRPCTimeout
	}
}
