// Package config provides configuration management for the resilience agent.
// It handles loading and parsing YAML configuration files, and provides
// structured access to the immunity engine, smart logging, storage, and API
// server settings.
package config

import (
	"fmt"
	"os"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/ledgerstack/resilience/internal/immunity"
	"github.com/ledgerstack/resilience/internal/smartlog"
)

// Config represents the agent's configuration, loaded from a YAML file.
type Config struct {
	// Host is the network host/interface on which the API server will bind.
	// Default is empty ("") to bind all interfaces. Use "127.0.0.1" for
	// local-only access.
	Host string `yaml:"host" json:"-"`

	// Port is the network port on which the API server will listen.
	Port int `yaml:"port" json:"-"`

	// Debug enables or disables debug-level logging and other debug features.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile controls whether agent logs are written to rotating
	// files or stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// Management nests management API options under 'management'.
	Management Management `yaml:"management" json:"-"`

	// Immunity configures the error immunity engine.
	Immunity immunity.Config `yaml:"immunity" json:"immunity"`

	// SmartLog configures the smart logging engine.
	SmartLog smartlog.Config `yaml:"smartlog" json:"smartlog"`

	// Storage configures the persistent log store.
	Storage StorageConfig `yaml:"storage" json:"storage"`

	// Archive configures the expired-record archiver.
	Archive ArchiveConfig `yaml:"archive" json:"archive"`
}

// Management holds management API configuration under 'management'.
type Management struct {
	// AllowRemote toggles remote (non-localhost) access to the management API.
	AllowRemote bool `yaml:"allow-remote"`

	// SecretKey is the management key (plaintext or bcrypt hashed).
	SecretKey string `yaml:"secret-key"`
}

// StorageConfig selects and configures the persistent log store backend.
type StorageConfig struct {
	// Backend is one of "memory", "sqlite", or "postgres".
	Backend string `yaml:"backend" json:"backend"`

	// Path is the database file path for the sqlite backend.
	Path string `yaml:"path" json:"path"`

	// DSN is the connection string for the postgres backend.
	DSN string `yaml:"dsn" json:"-"`

	// MaxRecords bounds the memory backend.
	MaxRecords int `yaml:"max-records" json:"max_records"`
}

// ArchiveConfig holds object-store settings for expired log batches.
type ArchiveConfig struct {
	// Enabled toggles archiving; when false expired records are discarded.
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Endpoint is the S3-compatible endpoint host:port.
	Endpoint string `yaml:"endpoint" json:"endpoint"`

	// AccessKey and SecretKey authenticate against the endpoint.
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`

	// UseSSL enables TLS for the connection.
	UseSSL bool `yaml:"use-ssl" json:"use_ssl"`

	// Bucket is the destination bucket; it must already exist.
	Bucket string `yaml:"bucket" json:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `yaml:"prefix" json:"prefix"`
}

// DefaultConfig returns a config with engine defaults, the sqlite storage
// backend, and the API server bound to localhost:8317.
func DefaultConfig() *Config {
	return &Config{
		Host:     "127.0.0.1",
		Port:     8317,
		Immunity: immunity.DefaultConfig(),
		SmartLog: smartlog.DefaultConfig(),
		Storage: StorageConfig{
			Backend:    "sqlite",
			Path:       "resilience.db",
			MaxRecords: 100000,
		},
	}
}

// LoadConfig reads and parses the YAML configuration file at the given path.
// Missing fields keep their defaults. If the management secret key is
// plaintext it is hashed in place and persisted back to the file so the
// plaintext never survives a restart.
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err = yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err = cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Management.SecretKey != "" && !looksLikeBcrypt(cfg.Management.SecretKey) {
		hashed, errHash := hashSecret(cfg.Management.SecretKey)
		if errHash != nil {
			return nil, fmt.Errorf("failed to hash management key: %w", errHash)
		}
		cfg.Management.SecretKey = hashed

		// Persist the hashed value back so plaintext is not re-read on the
		// next startup. Best effort; a read-only config file is tolerated.
		_ = SaveConfig(configFile, cfg)
	}

	return cfg, nil
}

// Validate checks cross-field constraints that yaml parsing cannot.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "sqlite" && c.Storage.Path == "" {
		return fmt.Errorf("sqlite storage backend needs a path")
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("postgres storage backend needs a dsn")
	}
	if c.Archive.Enabled && (c.Archive.Endpoint == "" || c.Archive.Bucket == "") {
		return fmt.Errorf("archive needs an endpoint and a bucket when enabled")
	}
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return nil
}

// SaveConfig writes the configuration back to disk as YAML.
func SaveConfig(configFile string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	if err := os.WriteFile(configFile, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// CheckManagementKey reports whether the presented plaintext key matches the
// stored management key hash. An empty stored key rejects everything.
func (c *Config) CheckManagementKey(presented string) bool {
	if c.Management.SecretKey == "" || presented == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(c.Management.SecretKey), []byte(presented)) == nil
}

// looksLikeBcrypt returns true if the provided string appears to be a bcrypt hash.
func looksLikeBcrypt(s string) bool {
	return len(s) > 4 && (s[:4] == "$2a$" || s[:4] == "$2b$" || s[:4] == "$2y$")
}

// hashSecret hashes the given secret using bcrypt.
func hashSecret(secret string) (string, error) {
	hashedBytes, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashedBytes), nil
}
