// Package config loads router configuration from a YAML file and applies
// environment variable overrides on top.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFileName is the default config file name beneath DataDir.
const ConfigFileName = "walletmesh.yaml"

// Config holds every setting the router needs to start: session lifetime
// defaults, approval timeouts, the listen address, and logging.
type Config struct {
	// SessionLifetimeMS is the default session lifetime in milliseconds;
	// overridable per connect request up to MaxSessionLifetimeMS.
	SessionLifetimeMS int64 `yaml:"session_lifetime_ms"`

	// MaxSessionLifetimeMS caps any client-requested lifetime.
	MaxSessionLifetimeMS int64 `yaml:"max_session_lifetime_ms"`

	// SessionRefreshOnAccess extends a session's expiry every time it is
	// validated, keeping active dApps connected indefinitely.
	SessionRefreshOnAccess bool `yaml:"session_refresh_on_access"`

	// ApprovalTimeoutMS is the default approval-queue timeout.
	ApprovalTimeoutMS int64 `yaml:"approval_timeout_ms"`

	// RequestTimeoutMS bounds outbound wallet requests.
	RequestTimeoutMS int64 `yaml:"request_timeout_ms"`

	// DangerousMethods lists inner methods that require approval-queue
	// confirmation before being forwarded to a wallet.
	DangerousMethods []string `yaml:"dangerous_methods"`

	// Storage selects and configures the session store backend.
	Storage StorageConfig `yaml:"storage"`

	// Listen is the WebSocket address the router binds for dApp connections.
	Listen string `yaml:"listen"`

	// Wallets maps a chain id to the WebSocket URL of the wallet backend the
	// router dials out to and binds via Router.AddWallet.
	Wallets map[string]string `yaml:"wallets"`

	// Logging controls the ambient logger.
	Logging LoggingConfig `yaml:"logging"`

	// Debug enables verbose logging regardless of Logging.Level.
	Debug bool `yaml:"debug"`
}

// StorageConfig selects the session store backend.
type StorageConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `yaml:"backend"`
	// DataDir holds the sqlite database file when Backend is "sqlite".
	DataDir string `yaml:"data_dir"`
}

// LoggingConfig mirrors pkg/logging.Config in YAML-friendly form.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Prefix string `yaml:"prefix"`
}

// SessionLifetime returns SessionLifetimeMS as a time.Duration.
func (c *Config) SessionLifetime() time.Duration {
	return time.Duration(c.SessionLifetimeMS) * time.Millisecond
}

// MaxSessionLifetime returns MaxSessionLifetimeMS as a time.Duration.
func (c *Config) MaxSessionLifetime() time.Duration {
	return time.Duration(c.MaxSessionLifetimeMS) * time.Millisecond
}

// ApprovalTimeout returns ApprovalTimeoutMS as a time.Duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutMS) * time.Millisecond
}

// RequestTimeout returns RequestTimeoutMS as a time.Duration.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutMS) * time.Millisecond
}

// DefaultConfig returns a Config with sensible defaults: 24 hour sessions
// capped at 7 days, 5 minute approval timeout, 30 second wallet request
// timeout, an in-memory session store, and info-level logging.
func DefaultConfig() *Config {
	return &Config{
		SessionLifetimeMS:      int64(24 * time.Hour / time.Millisecond),
		MaxSessionLifetimeMS:   int64(7 * 24 * time.Hour / time.Millisecond),
		SessionRefreshOnAccess: true,
		ApprovalTimeoutMS:      int64(5 * time.Minute / time.Millisecond),
		RequestTimeoutMS:       int64(30 * time.Second / time.Millisecond),
		DangerousMethods: []string{
			"personal_sign",
			"eth_sendTransaction",
			"eth_signTypedData_v4",
			"aztec_wmExecuteTx",
		},
		Storage: StorageConfig{Backend: "memory"},
		Listen:  "127.0.0.1:8787",
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from dataDir/walletmesh.yaml, creating it with
// defaults if absent, then applies WM_* environment overrides.
func Load(dataDir string) (*Config, error) {
	configPath := filepath.Join(dataDir, ConfigFileName)

	cfg := DefaultConfig()
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		if err := cfg.Save(configPath); err != nil {
			return nil, fmt.Errorf("config: write default config: %w", err)
		}
	} else {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", configPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	header := []byte("# WalletMesh router configuration\n# Generated automatically on first run\n\n")
	if err := os.WriteFile(path, append(header, data...), 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies WM_SESSION_LIFETIME_MS, WM_APPROVAL_TIMEOUT_MS,
// and WM_DEBUG on top of whatever was loaded from YAML.
func applyEnvOverrides(cfg *Config) {
	if v, ok := os.LookupEnv("WM_SESSION_LIFETIME_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.SessionLifetimeMS = n
		}
	}
	if v, ok := os.LookupEnv("WM_APPROVAL_TIMEOUT_MS"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ApprovalTimeoutMS = n
		}
	}
	if v, ok := os.LookupEnv("WM_DEBUG"); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}
}
