// Package config loads service configuration from the environment and an
// optional TOML entries file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"

	"github.com/powerhive/nicehash-bridge/pkg/coordinator"
	"github.com/powerhive/nicehash-bridge/pkg/fleet"
	"github.com/powerhive/nicehash-bridge/pkg/nicehash"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EntryConfig is one NiceHash account to seed into the entry store.
type EntryConfig struct {
	Name           string `toml:"name" validate:"required"`
	OrganizationID string `toml:"org_id" validate:"required"`
	APIKey         string `toml:"api_key" validate:"required"`
	APISecret      string `toml:"api_secret" validate:"required"`
	Fiat           string `toml:"fiat" validate:"len=3"`
	UpdateInterval int    `toml:"update_interval" validate:"min=1,max=30"` // minutes
}

// Credentials returns the entry's API credentials.
func (e EntryConfig) Credentials() nicehash.Credentials {
	return nicehash.Credentials{OrganizationID: e.OrganizationID, Key: e.APIKey, Secret: e.APISecret}
}

// Config holds all configuration for the bridge.
type Config struct {
	// Entry store
	DBPath string `validate:"required"`

	// NiceHash API
	APIURL  string        `validate:"required,url"`
	Entries []EntryConfig `validate:"dive"`

	// Timing
	SettleDelay    time.Duration `validate:"min=0"`
	RequestTimeout time.Duration `validate:"gt=0"`

	// HTTP surface
	ListenAddr string `validate:"required"`

	// Event publishing, disabled when NATSURL is empty
	NATSURL           string
	NATSSubjectPrefix string `validate:"required"`

	// Logging
	LogLevel  string
	LogFormat string `validate:"oneof=json console"`
}

// DefaultConfig returns configuration with default values.
func DefaultConfig() *Config {
	return &Config{
		DBPath:            "nicehash.db",
		APIURL:            nicehash.DefaultBaseURL,
		SettleDelay:       fleet.DefaultSettleDelay,
		RequestTimeout:    coordinator.DefaultTimeout,
		ListenAddr:        ":8089",
		NATSSubjectPrefix: "nicehash",
		LogLevel:          "info",
		LogFormat:         "json",
	}
}

const (
	defaultFiat     = "USD"
	defaultInterval = 1
)

// LoadConfig loads configuration from .env, the optional entries file at
// path and environment variables, in that order of increasing precedence.
// A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	// Load .env file if it exists (doesn't error if missing)
	_ = godotenv.Load()

	cfg := DefaultConfig()

	if path != "" {
		entries, err := loadEntries(path)
		if err != nil {
			return nil, err
		}
		cfg.Entries = entries
	}

	if v := os.Getenv("NICEHASH_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("NICEHASH_API_URL"); v != "" {
		cfg.APIURL = strings.TrimRight(v, "/")
	}
	if v := os.Getenv("SETTLE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.SettleDelay = d
		}
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.RequestTimeout = d
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATSURL = v
	}
	if v := os.Getenv("NATS_SUBJECT_PREFIX"); v != "" {
		cfg.NATSSubjectPrefix = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.LogFormat = strings.ToLower(v)
	}

	cfg.mergeEnvEntry()

	for i := range cfg.Entries {
		applyEntryDefaults(&cfg.Entries[i])
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeEnvEntry overlays the NICEHASH_* account variables onto the file
// entry with the same name, or appends a new entry.
func (c *Config) mergeEnvEntry() {
	name := os.Getenv("NICEHASH_NAME")
	key := os.Getenv("NICEHASH_API_KEY")
	if name == "" && key == "" {
		return
	}
	if name == "" {
		name = "NiceHash"
	}

	idx := -1
	for i := range c.Entries {
		if c.Entries[i].Name == name {
			idx = i
			break
		}
	}
	if idx < 0 {
		c.Entries = append(c.Entries, EntryConfig{Name: name})
		idx = len(c.Entries) - 1
	}

	e := &c.Entries[idx]
	if v := os.Getenv("NICEHASH_ORG_ID"); v != "" {
		e.OrganizationID = v
	}
	if key != "" {
		e.APIKey = key
	}
	if v := os.Getenv("NICEHASH_API_SECRET"); v != "" {
		e.APISecret = v
	}
	if v := os.Getenv("NICEHASH_FIAT"); v != "" {
		e.Fiat = strings.ToUpper(v)
	}
	if v := os.Getenv("NICEHASH_UPDATE_INTERVAL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			e.UpdateInterval = n
		}
	}
}

func applyEntryDefaults(e *EntryConfig) {
	e.Name = strings.TrimSpace(e.Name)
	if e.Fiat == "" {
		e.Fiat = defaultFiat
	}
	if e.UpdateInterval == 0 {
		e.UpdateInterval = defaultInterval
	}
}

func loadEntries(path string) ([]EntryConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Entries []EntryConfig `toml:"entry"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return raw.Entries, nil
}

// Validate checks field constraints and that entry names are unique.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	seen := make(map[string]bool, len(c.Entries))
	for _, e := range c.Entries {
		if seen[e.Name] {
			return fmt.Errorf("%w: duplicate entry name %q", ErrInvalidConfig, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}
