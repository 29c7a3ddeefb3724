// Package config loads the tractor server configuration from a YAML file
// with environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/funderberkr/tractor"
)

// Ledger backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// Config holds server configuration.
type Config struct {
	Domain             tractor.Domain `yaml:"domain"`
	Ledger             LedgerConfig   `yaml:"ledger"`
	Listen             string         `yaml:"listen"`
	LogLevel           string         `yaml:"log_level"`
	LogFormat          string         `yaml:"log_format"` // "text" or "json"
	MaxDelegationDepth int            `yaml:"max_delegation_depth"`
	Delegates          []Delegate     `yaml:"delegates"`
}

// LedgerConfig selects and configures the ledger backend.
type LedgerConfig struct {
	Backend       string `yaml:"backend"`
	DSN           string `yaml:"dsn"` // sqlite path or postgres URL
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Prefix        string `yaml:"prefix"`
}

// Delegate is a remote instance trusted as a programmatic publisher.
type Delegate struct {
	Address tractor.Address `yaml:"address"`
	URL     string          `yaml:"url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Domain: tractor.Domain{
			Name:    "tractor",
			Version: "1",
			Network: 1,
		},
		Ledger: LedgerConfig{
			Backend: BackendSQLite,
			DSN:     "tractor.db",
		},
		Listen:             ":8080",
		LogLevel:           "INFO",
		LogFormat:          "text",
		MaxDelegationDepth: tractor.DefaultMaxDelegationDepth,
	}
}

// Load reads path over the defaults, applies TRACTOR_* environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setString("TRACTOR_LISTEN", &c.Listen)
	setString("TRACTOR_LOG_LEVEL", &c.LogLevel)
	setString("TRACTOR_LOG_FORMAT", &c.LogFormat)
	setString("TRACTOR_DOMAIN_NAME", &c.Domain.Name)
	setString("TRACTOR_DOMAIN_VERSION", &c.Domain.Version)
	setString("TRACTOR_LEDGER_BACKEND", &c.Ledger.Backend)
	setString("TRACTOR_LEDGER_DSN", &c.Ledger.DSN)
	setString("TRACTOR_REDIS_ADDR", &c.Ledger.RedisAddr)
	setString("TRACTOR_REDIS_PASSWORD", &c.Ledger.RedisPassword)
	if v := os.Getenv("TRACTOR_INSTANCE"); v != "" {
		c.Domain.Instance = tractor.Address(v)
	}
	if v := os.Getenv("TRACTOR_NETWORK"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid TRACTOR_NETWORK: %w", err)
		}
		c.Domain.Network = n
	}
	return nil
}

// Validate reports configuration that cannot run.
func (c *Config) Validate() error {
	var errs []error
	if c.Domain.Name == "" {
		errs = append(errs, errors.New("domain.name must not be empty"))
	}
	if c.Domain.Instance == "" {
		errs = append(errs, errors.New("domain.instance must not be empty"))
	}
	switch c.Ledger.Backend {
	case BackendMemory:
	case BackendSQLite, BackendPostgres:
		if c.Ledger.DSN == "" {
			errs = append(errs, fmt.Errorf("ledger.dsn is required for %s", c.Ledger.Backend))
		}
	case BackendRedis:
		if c.Ledger.RedisAddr == "" {
			errs = append(errs, errors.New("ledger.redis_addr is required for redis"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown ledger backend %q", c.Ledger.Backend))
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		errs = append(errs, fmt.Errorf("log_format must be text or json, got %q", c.LogFormat))
	}
	for i, d := range c.Delegates {
		if d.Address == "" || d.URL == "" {
			errs = append(errs, fmt.Errorf("delegates[%d] needs address and url", i))
		}
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel, defaulting to Info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Logger builds the process logger from LogFormat and LogLevel.
func (c *Config) Logger() *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.SlogLevel()}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
