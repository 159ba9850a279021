// Package config loads the sync engine's settings from a YAML file
// with DRIFTSYNC_* environment overrides on top. Key material is
// stored base64-encoded.
package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config is everything the CLI and the relay need to run.
type Config struct {
	// DBPath is the local event log and materialized state.
	DBPath string `yaml:"db_path"`
	// RelayURL is the sync endpoint, empty when syncing is off.
	RelayURL string `yaml:"relay_url,omitempty"`
	// AccountKey is the base64 32-byte symmetric key payloads are
	// sealed with. Never leaves the device.
	AccountKey string `yaml:"account_key,omitempty"`
	// SigningKey is the base64 ed25519 seed the account id derives
	// from.
	SigningKey string `yaml:"signing_key,omitempty"`
	// Token is the bearer credential for relays that require one.
	Token    string `yaml:"token,omitempty"`
	PageSize int    `yaml:"page_size,omitempty"`

	// Relay-side settings, used by the serve command.
	Listen      string `yaml:"listen,omitempty"`
	RelayDBPath string `yaml:"relay_db_path,omitempty"`
	TokenSecret string `yaml:"token_secret,omitempty"`
}

// Default returns a config with working local-only settings.
func Default() Config {
	return Config{
		DBPath:   "driftsync.db",
		PageSize: 100,
		Listen:   ":8940",
	}
}

// Load reads path if it exists, then applies environment overrides.
// A missing file is not an error; the defaults plus environment still
// form a usable config.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return Config{}, err
	}
	cfg.applyEnv()
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	return cfg, nil
}

// Save writes the config file with owner-only permissions, since it
// holds key material.
func (c Config) Save(path string) error {
	raw, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

func (c *Config) applyEnv() {
	setStr := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok {
			*dst = v
		}
	}
	setStr(&c.DBPath, "DRIFTSYNC_DB_PATH")
	setStr(&c.RelayURL, "DRIFTSYNC_RELAY_URL")
	setStr(&c.AccountKey, "DRIFTSYNC_ACCOUNT_KEY")
	setStr(&c.SigningKey, "DRIFTSYNC_SIGNING_KEY")
	setStr(&c.Token, "DRIFTSYNC_TOKEN")
	setStr(&c.Listen, "DRIFTSYNC_LISTEN")
	setStr(&c.RelayDBPath, "DRIFTSYNC_RELAY_DB_PATH")
	setStr(&c.TokenSecret, "DRIFTSYNC_TOKEN_SECRET")
	if v, ok := os.LookupEnv("DRIFTSYNC_PAGE_SIZE"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			c.PageSize = n
		}
	}
}

// DecodedAccountKey returns the symmetric key bytes, or an error when
// unset or malformed.
func (c Config) DecodedAccountKey() ([]byte, error) {
	if c.AccountKey == "" {
		return nil, errors.New("account_key is not set")
	}
	key, err := base64.StdEncoding.DecodeString(c.AccountKey)
	if err != nil {
		return nil, fmt.Errorf("account_key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("account_key: want 32 bytes, got %d", len(key))
	}
	return key, nil
}

// DecodedSigningSeed returns the ed25519 seed bytes.
func (c Config) DecodedSigningSeed() ([]byte, error) {
	if c.SigningKey == "" {
		return nil, errors.New("signing_key is not set")
	}
	seed, err := base64.StdEncoding.DecodeString(c.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("signing_key: %w", err)
	}
	if len(seed) != 32 {
		return nil, fmt.Errorf("signing_key: want 32 bytes, got %d", len(seed))
	}
	return seed, nil
}

// SyncConfigured reports whether this config can reach a relay.
func (c Config) SyncConfigured() bool {
	return c.RelayURL != "" && c.AccountKey != "" && c.SigningKey != ""
}
