// Package config loads pairlock settings from a YAML file and the
// environment.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/pairlock/internal/entity"
	"github.com/roach88/pairlock/internal/store/memstore"
)

// Backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Environment overrides.
const (
	EnvBackend           = "PAIRLOCK_BACKEND"
	EnvDSN               = "PAIRLOCK_DSN"
	EnvCheckpointTimeout = "PAIRLOCK_CHECKPOINT_TIMEOUT"
)

// DefaultSQLitePath is where the CLI keeps entities when no DSN is given.
const DefaultSQLitePath = "pairlock.db"

// Config holds the settings shared by every command.
type Config struct {
	// Backend is memory, sqlite or postgres. Single-shot commands against
	// memory start from an empty store each time.
	Backend string `yaml:"backend"`

	// DSN is the sqlite file path or the postgres connection string.
	DSN string `yaml:"dsn"`

	LockWaitTimeout   time.Duration `yaml:"lock_wait_timeout"`
	CheckpointTimeout time.Duration `yaml:"checkpoint_timeout"`
	ScenarioTimeout   time.Duration `yaml:"scenario_timeout"`

	// RepeatableRead selects the memory backend's repeatable read mode.
	RepeatableRead memstore.RepeatableReadMode `yaml:"repeatable_read"`

	// Isolation is the isolation level of pairing service transactions.
	// default leaves it to the backend.
	Isolation entity.IsolationLevel `yaml:"isolation"`

	// GetLock is the row lock get reads with: none or shared.
	GetLock entity.LockMode `yaml:"get_lock"`

	// SerializationRetries is how many times a pairing transaction aborted
	// by a serialization failure is retried, starting RetryBackoff apart.
	SerializationRetries uint64        `yaml:"serialization_retries"`
	RetryBackoff         time.Duration `yaml:"retry_backoff"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `yaml:"log_level"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Backend:           BackendSQLite,
		DSN:               DefaultSQLitePath,
		LockWaitTimeout:   time.Second,
		CheckpointTimeout: 2 * time.Second,
		ScenarioTimeout:   30 * time.Second,
		RepeatableRead:    memstore.RepeatableReadSnapshot,
		GetLock:           entity.LockShared,
		RetryBackoff:      5 * time.Millisecond,
		LogLevel:          "warn",
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// ApplyEnv overrides fields from the environment through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup(EnvBackend); ok && v != "" {
		c.Backend = v
		// A backend switch without a DSN must not keep the other backend's DSN.
		if _, hasDSN := lookup(EnvDSN); !hasDSN && v != BackendSQLite {
			c.DSN = ""
		}
	}
	if v, ok := lookup(EnvDSN); ok {
		c.DSN = v
	}
	if v, ok := lookup(EnvCheckpointTimeout); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvCheckpointTimeout, err)
		}
		c.CheckpointTimeout = d
	}
	return nil
}

// Validate checks the configuration and normalizes enum fields.
func (c *Config) Validate() error {
	c.Backend = strings.ToLower(strings.TrimSpace(c.Backend))
	switch c.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.DSN == "" {
			c.DSN = DefaultSQLitePath
		}
	case BackendPostgres:
		if c.DSN == "" {
			return fmt.Errorf("backend postgres requires a dsn")
		}
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}

	for name, d := range map[string]time.Duration{
		"lock_wait_timeout":  c.LockWaitTimeout,
		"checkpoint_timeout": c.CheckpointTimeout,
		"scenario_timeout":   c.ScenarioTimeout,
		"retry_backoff":      c.RetryBackoff,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}

	mode, err := memstore.ParseRepeatableReadMode(string(c.RepeatableRead))
	if err != nil {
		return err
	}
	c.RepeatableRead = mode

	if c.GetLock == entity.LockExclusive {
		return fmt.Errorf("get_lock must be none or shared")
	}

	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return level, nil
}
