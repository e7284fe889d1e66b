// Package config loads syncd configuration.
//
// Values are resolved in order, later sources winning:
//
//	built-in defaults → syncd.yaml → SYNCD_* environment variables
//
// Command line flags are applied by the cmd package on top of the result.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/relaybird/syncd/internal/command"
	"github.com/relaybird/syncd/internal/origin"
	"github.com/relaybird/syncd/internal/platform"
)

// FileName is the config file name inside the config directory.
const FileName = "syncd.yaml"

// Config is the complete daemon configuration.
type Config struct {
	// DataDir holds the ledger and downloads (default: platform.DataDir())
	DataDir string `yaml:"data_dir" env:"SYNCD_DATA_DIR"`

	// DBPath is the ledger file (default: <data_dir>/ledger.db)
	DBPath string `yaml:"db_path" env:"SYNCD_DB_PATH"`

	// Workers bounds concurrent command executions
	Workers int `yaml:"workers" env:"SYNCD_WORKERS"`

	// PassInterval is the period of scheduled passes; 0 disables the ticker
	PassInterval time.Duration `yaml:"pass_interval" env:"SYNCD_PASS_INTERVAL"`

	// MinPassGap rate limits passes started by bursts of triggers
	MinPassGap time.Duration `yaml:"min_pass_gap" env:"SYNCD_MIN_PASS_GAP"`

	// PruneAfter removes finished ledger rows older than this on startup; 0 keeps them
	PruneAfter time.Duration `yaml:"prune_after" env:"SYNCD_PRUNE_AFTER"`

	// RequestTimeout bounds every HTTP request to an origin server
	RequestTimeout time.Duration `yaml:"request_timeout" env:"SYNCD_REQUEST_TIMEOUT"`

	Redis RedisConfig `yaml:"redis" envPrefix:"SYNCD_REDIS_"`

	// Accounts are the origin accounts commands run against
	Accounts []origin.Account `yaml:"accounts"`

	// Budgets overrides the retry budget per command kind
	Budgets map[string]int `yaml:"budgets"`
}

// RedisConfig configures the optional control stream and report publisher.
type RedisConfig struct {
	// URL enables Redis when set (e.g. redis://localhost:6379/0)
	URL      string `yaml:"url" env:"URL"`
	Password string `yaml:"password" env:"PASSWORD"`

	ControlStream string `yaml:"control_stream" env:"CONTROL_STREAM"`
	ConsumerGroup string `yaml:"consumer_group" env:"CONSUMER_GROUP"`
	ReportChannel string `yaml:"report_channel" env:"REPORT_CHANNEL"`

	// StatusTTL expires per-command status hashes; 0 keeps them
	StatusTTL time.Duration `yaml:"status_ttl" env:"STATUS_TTL"`
}

// Enabled reports whether a Redis URL is configured.
func (r RedisConfig) Enabled() bool {
	return r.URL != ""
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		DataDir:        platform.DataDir(),
		Workers:        4,
		PassInterval:   5 * time.Minute,
		MinPassGap:     2 * time.Second,
		PruneAfter:     30 * 24 * time.Hour,
		RequestTimeout: 30 * time.Second,
		Redis: RedisConfig{
			StatusTTL: 7 * 24 * time.Hour,
		},
	}
}

// DefaultPath returns <config dir>/syncd.yaml.
func DefaultPath() string {
	return filepath.Join(platform.ConfigDir(), FileName)
}

// Load reads the config file at path (a missing file is not an error),
// applies environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := decode(data, &cfg); err != nil {
			return nil, fmt.Errorf("could not parse config %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("could not read config %s: %w", path, err)
	}

	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.fill()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// decode unmarshals YAML rejecting unknown keys, so typos do not pass silently.
func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) fill() {
	if c.DataDir == "" {
		c.DataDir = platform.DataDir()
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "ledger.db")
	}
}

// Validate checks the configuration for values the daemon cannot run with.
func (c *Config) Validate() error {
	if c.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	}
	if c.PassInterval < 0 || c.MinPassGap < 0 || c.PruneAfter < 0 || c.RequestTimeout < 0 {
		return errors.New("durations must not be negative")
	}

	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.Name == "" {
			return fmt.Errorf("account %d: missing name", i)
		}
		if a.Name == command.AllAccounts {
			return fmt.Errorf("account %d: %q is reserved", i, command.AllAccounts)
		}
		if seen[a.Name] {
			return fmt.Errorf("account %s: listed twice", a.Name)
		}
		seen[a.Name] = true
		if a.BaseURL == "" {
			return fmt.Errorf("account %s: missing base_url", a.Name)
		}
	}

	if _, err := c.Table(); err != nil {
		return err
	}
	return nil
}

// Table returns the kind table with the configured budget overrides.
func (c *Config) Table() (command.Table, error) {
	return command.DefaultTable().WithBudgets(c.Budgets)
}

// AccountNames lists the configured account names in file order.
func (c *Config) AccountNames() []string {
	names := make([]string, 0, len(c.Accounts))
	for _, a := range c.Accounts {
		names = append(names, a.Name)
	}
	return names
}
