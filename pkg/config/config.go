// Package config loads and validates service configuration.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Privacy   PrivacyConfig   `yaml:"privacy"`
	Retention RetentionConfig `yaml:"retention"`
	Extractor ServiceConfig   `yaml:"extractor"`
	Insight   InsightConfig   `yaml:"insight"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Address        string        `yaml:"address"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	StreamInterval time.Duration `yaml:"stream_interval"`
	TLS            TLSConfig     `yaml:"tls"`
}

// TLSConfig configures TLS.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// DatabaseConfig configures session, vault and consent persistence.
// Driver "memory" selects the in-process stores; anything else requires
// a DSN.
type DatabaseConfig struct {
	Driver       string `yaml:"driver"` // "postgres", "memory"
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// PrivacyConfig configures the anonymization and vault layer.
type PrivacyConfig struct {
	// SigningKey is the base64 or raw HMAC key for privacy capability
	// tokens; at least 32 bytes.
	SigningKey string `yaml:"signing_key"`
}

// RetentionConfig sets session/vault retention windows.
type RetentionConfig struct {
	DefaultHours int `yaml:"default_hours"`
	// JurisdictionHours overrides retention per jurisdiction code.
	JurisdictionHours map[string]int `yaml:"jurisdiction_hours"`
}

// Hours returns the retention window for a jurisdiction.
func (r RetentionConfig) Hours(jurisdiction string) int {
	if h, ok := r.JurisdictionHours[jurisdiction]; ok && h > 0 {
		return h
	}
	return r.DefaultHours
}

// ServiceConfig configures an HTTP collaborator.
type ServiceConfig struct {
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// InsightConfig configures the language-model collaborator.
type InsightConfig struct {
	ServiceConfig `yaml:",inline"`
	Model         string `yaml:"model"`
}

// CatalogConfig locates the policy catalog.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// PipelineConfig tunes orchestrator retries.
type PipelineConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	RetryBase   time.Duration `yaml:"retry_base"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "text"
}

// LoadConfig loads configuration from a file.
// The path is expected to come from command line arguments, controlled by the administrator.
func LoadConfig(path string) (*Config, error) {
	// #nosec G304 -- path is from CLI args, controlled by admin
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses configuration YAML, expanding ${VAR} environment
// references and applying defaults.
func Parse(data []byte) (*Config, error) {
	data = []byte(expandEnvVars(string(data)))

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	applyDefaults(&cfg)
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// expandEnvVars expands ${VAR} patterns in the string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := match[2 : len(match)-1]
		return os.Getenv(varName)
	})
}

// applyDefaults applies default values to the config.
func applyDefaults(cfg *Config) {
	if cfg.Server.Address == "" {
		cfg.Server.Address = ":8080"
	}
	if cfg.Server.MaxUploadBytes == 0 {
		cfg.Server.MaxUploadBytes = 10 << 20
	}
	if cfg.Server.StreamInterval == 0 {
		cfg.Server.StreamInterval = time.Second
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = "postgres"
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 25
	}
	if cfg.Retention.DefaultHours == 0 {
		cfg.Retention.DefaultHours = 168
	}
	if cfg.Extractor.Timeout == 0 {
		cfg.Extractor.Timeout = 30 * time.Second
	}
	if cfg.Insight.Timeout == 0 {
		cfg.Insight.Timeout = 60 * time.Second
	}
	if cfg.Catalog.Path == "" {
		cfg.Catalog.Path = "catalog.yaml"
	}
	if cfg.Pipeline.MaxAttempts == 0 {
		cfg.Pipeline.MaxAttempts = 3
	}
	if cfg.Pipeline.RetryBase == 0 {
		cfg.Pipeline.RetryBase = 500 * time.Millisecond
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		errs = append(errs, "database.dsn is required unless database.driver is \"memory\"")
	}
	if len(c.Privacy.SigningKey) < 32 {
		errs = append(errs, "privacy.signing_key must be at least 32 bytes")
	}
	if c.Server.TLS.Enabled {
		if c.Server.TLS.CertFile == "" {
			errs = append(errs, "server.tls.cert_file is required when TLS is enabled")
		}
		if c.Server.TLS.KeyFile == "" {
			errs = append(errs, "server.tls.key_file is required when TLS is enabled")
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}
	return nil
}
