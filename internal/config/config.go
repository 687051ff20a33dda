// Package config provides configuration management for the LedgerLink server.
// It handles loading and parsing YAML configuration files, and provides structured
// access to application settings including server port, state directory, provider
// endpoints, persistence backend selection, and logging behavior.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Port is the TCP port the management API listens on.
	Port int `yaml:"port" json:"port"`

	// StateDir is the directory where credentials, tokens, and tenant
	// selection are persisted when the file backend is active.
	StateDir string `yaml:"state-dir" json:"state-dir"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// APIKeys is a list of keys for authenticating clients to the management API.
	APIKeys []string `yaml:"api-keys" json:"api-keys"`

	// Debug enables verbose logging when true.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile switches log output to rotating files under the log directory.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB caps the total size of the log directory. <= 0 disables cleanup.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb,omitempty" json:"logs-max-total-size-mb,omitempty"`

	// ReconcileIntervalSeconds controls the periodic status reconciliation.
	// <= 0 disables the periodic reconciler; startup reconciliation always runs.
	ReconcileIntervalSeconds int `yaml:"reconcile-interval-seconds,omitempty" json:"reconcile-interval-seconds,omitempty"`

	// Provider describes the external accounting provider endpoints.
	Provider ProviderConfig `yaml:"provider" json:"provider"`

	// Storage selects and configures the persistence backend.
	Storage StorageConfig `yaml:"storage" json:"storage"`
}

// ProviderConfig holds the endpoints of the external accounting provider.
// The provider speaks the standard OAuth2 authorization-code grant with
// refresh tokens; the remaining endpoints are treated as opaque collaborators.
type ProviderConfig struct {
	// AuthURL is the provider's OAuth2 authorization endpoint.
	AuthURL string `yaml:"auth-url" json:"auth-url"`

	// TokenURL is the provider's OAuth2 token endpoint.
	TokenURL string `yaml:"token-url" json:"token-url"`

	// RevokeURL is the provider's token revocation endpoint. Optional;
	// disconnect is purely local when empty.
	RevokeURL string `yaml:"revoke-url,omitempty" json:"revoke-url,omitempty"`

	// StatusURL is the authoritative connection-status endpoint used by
	// reconciliation. It returns the server-side view of the connection
	// together with the tenant organizations available to it.
	StatusURL string `yaml:"status-url" json:"status-url"`

	// ResourceURL is the base URL for resource fetches. The resource kind is
	// appended as a path segment.
	ResourceURL string `yaml:"resource-url" json:"resource-url"`

	// Scopes are the OAuth2 scopes requested during authorization.
	Scopes []string `yaml:"scopes,omitempty" json:"scopes,omitempty"`
}

// StorageConfig selects the persistence backend for credentials and tokens.
type StorageConfig struct {
	// Backend is one of "file", "postgres", or "object". Empty means "file".
	Backend string `yaml:"backend,omitempty" json:"backend,omitempty"`

	// Postgres configures the Postgres backend.
	Postgres PostgresConfig `yaml:"postgres,omitempty" json:"postgres,omitempty"`

	// Object configures the S3-compatible object storage backend.
	Object ObjectConfig `yaml:"object,omitempty" json:"object,omitempty"`
}

// PostgresConfig captures the settings required by the Postgres backend.
type PostgresConfig struct {
	// DSN is the connection string. It may also be supplied through the
	// LEDGERLINK_PG_DSN environment variable, which takes precedence.
	DSN string `yaml:"dsn,omitempty" json:"dsn,omitempty"`

	// Table overrides the records table name. Defaults to "connection_store".
	Table string `yaml:"table,omitempty" json:"table,omitempty"`
}

// ObjectConfig captures the settings required by the object storage backend.
type ObjectConfig struct {
	Endpoint  string `yaml:"endpoint,omitempty" json:"endpoint,omitempty"`
	Bucket    string `yaml:"bucket,omitempty" json:"bucket,omitempty"`
	AccessKey string `yaml:"access-key,omitempty" json:"access-key,omitempty"`
	SecretKey string `yaml:"secret-key,omitempty" json:"secret-key,omitempty"`
	Prefix    string `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	UseSSL    bool   `yaml:"use-ssl,omitempty" json:"use-ssl,omitempty"`
}

// LoadConfig reads and parses the configuration file at the given path.
//
// Parameters:
//   - configFile: The path of the YAML configuration file
//
// Returns:
//   - *Config: The parsed configuration
//   - error: An error if reading or parsing fails
func LoadConfig(configFile string) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", configFile, err)
	}
	var cfg Config
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
	}
	cfg.applyDefaults()
	if err = cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 8317
	}
	if strings.TrimSpace(c.StateDir) == "" {
		c.StateDir = "state"
	}
	if c.ReconcileIntervalSeconds == 0 {
		c.ReconcileIntervalSeconds = 30
	}
	if strings.TrimSpace(c.Storage.Backend) == "" {
		c.Storage.Backend = "file"
	}
	if dsn := strings.TrimSpace(os.Getenv("LEDGERLINK_PG_DSN")); dsn != "" {
		c.Storage.Postgres.DSN = dsn
	}
}

func (c *Config) validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Backend)) {
	case "file", "postgres", "object":
	default:
		return fmt.Errorf("config: unknown storage backend %q", c.Storage.Backend)
	}
	if strings.TrimSpace(c.Provider.AuthURL) == "" {
		return fmt.Errorf("config: provider auth-url is required")
	}
	if strings.TrimSpace(c.Provider.TokenURL) == "" {
		return fmt.Errorf("config: provider token-url is required")
	}
	return nil
}

// AbsStateDir resolves the state directory to an absolute path.
func (c *Config) AbsStateDir() string {
	abs, err := filepath.Abs(c.StateDir)
	if err != nil {
		return c.StateDir
	}
	return abs
}
