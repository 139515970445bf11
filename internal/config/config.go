// Package config loads engine configuration from environment variables and
// an optional YAML policy file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `json:"server" yaml:"server"`
	Storage StorageConfig `json:"storage" yaml:"storage"`
	Policy  PolicyConfig  `json:"policy" yaml:"policy"`
	Audit   AuditConfig   `json:"audit" yaml:"audit"`
	Logging LoggingConfig `json:"logging" yaml:"logging"`
}

// ServerConfig represents HTTP server configuration
type ServerConfig struct {
	Host         string `json:"host" yaml:"host"`
	Port         int    `json:"port" yaml:"port"`
	ReadTimeout  int    `json:"read_timeout_seconds" yaml:"read_timeout_seconds"`
	WriteTimeout int    `json:"write_timeout_seconds" yaml:"write_timeout_seconds"`
}

// StorageConfig represents conflict store configuration
type StorageConfig struct {
	DatabasePath string `json:"database_path" yaml:"database_path"`
}

// PolicyConfig holds the resolution policy knobs. The confidence thresholds
// and the quorum window are policy, not mechanism, so they live here rather
// than as constants in the engine.
type PolicyConfig struct {
	// QuorumWindow is the minimum timestamp gap required to treat one
	// side as unambiguously newer.
	QuorumWindow time.Duration `json:"quorum_window" yaml:"quorum_window"`
	// MaxRetries bounds automatic resolution attempts per conflict.
	MaxRetries int `json:"max_retries" yaml:"max_retries"`
	// AIAutoThreshold is the recommendation confidence above which
	// auto-resolution is unlocked.
	AIAutoThreshold float64 `json:"ai_auto_threshold" yaml:"ai_auto_threshold"`
	// ReviewThreshold is the recommendation confidence below which a
	// conflict needs human intervention.
	ReviewThreshold float64 `json:"review_threshold" yaml:"review_threshold"`
	// PreferLatestConfidence is assigned to prefer-latest resolutions.
	PreferLatestConfidence float64 `json:"prefer_latest_confidence" yaml:"prefer_latest_confidence"`
	// MergeConfidence is assigned to three-way merge resolutions.
	MergeConfidence float64 `json:"merge_confidence" yaml:"merge_confidence"`
}

// AuditConfig represents audit trail configuration
type AuditConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	BaseDir string `json:"base_dir" yaml:"base_dir"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "localhost",
			Port:         8080,
			ReadTimeout:  30,
			WriteTimeout: 30,
		},
		Storage: StorageConfig{
			DatabasePath: "./data/conflicts.db",
		},
		Policy: PolicyConfig{
			QuorumWindow:           60 * time.Second,
			MaxRetries:             3,
			AIAutoThreshold:        0.8,
			ReviewThreshold:        0.7,
			PreferLatestConfidence: 0.8,
			MergeConfidence:        0.7,
		},
		Audit: AuditConfig{
			Enabled: true,
			BaseDir: "./data/audit",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadConfig loads configuration from environment variables and defaults.
// FITSYNC_POLICY_FILE, when set, overlays the policy section from YAML
// before env overrides are applied.
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := DefaultConfig()

	if path := os.Getenv("FITSYNC_POLICY_FILE"); path != "" {
		if err := loadPolicyFile(config, path); err != nil {
			return nil, err
		}
	}

	loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadPolicyFile overlays the policy section from a YAML file
func loadPolicyFile(config *Config, path string) error {
	data, err := os.ReadFile(path) // #nosec G304 -- operator-provided path
	if err != nil {
		return fmt.Errorf("error reading policy file %s: %w", path, err)
	}
	var file struct {
		Policy struct {
			QuorumWindowSeconds    *int     `yaml:"quorum_window_seconds"`
			MaxRetries             *int     `yaml:"max_retries"`
			AIAutoThreshold        *float64 `yaml:"ai_auto_threshold"`
			ReviewThreshold        *float64 `yaml:"review_threshold"`
			PreferLatestConfidence *float64 `yaml:"prefer_latest_confidence"`
			MergeConfidence        *float64 `yaml:"merge_confidence"`
		} `yaml:"policy"`
	}
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("error parsing policy file %s: %w", path, err)
	}
	p := &config.Policy
	if file.Policy.QuorumWindowSeconds != nil {
		p.QuorumWindow = time.Duration(*file.Policy.QuorumWindowSeconds) * time.Second
	}
	if file.Policy.MaxRetries != nil {
		p.MaxRetries = *file.Policy.MaxRetries
	}
	if file.Policy.AIAutoThreshold != nil {
		p.AIAutoThreshold = *file.Policy.AIAutoThreshold
	}
	if file.Policy.ReviewThreshold != nil {
		p.ReviewThreshold = *file.Policy.ReviewThreshold
	}
	if file.Policy.PreferLatestConfidence != nil {
		p.PreferLatestConfidence = *file.Policy.PreferLatestConfidence
	}
	if file.Policy.MergeConfidence != nil {
		p.MergeConfidence = *file.Policy.MergeConfidence
	}
	return nil
}

// loadFromEnv loads configuration from environment variables
func loadFromEnv(config *Config) {
	if host := os.Getenv("FITSYNC_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("FITSYNC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if path := os.Getenv("FITSYNC_DB_PATH"); path != "" {
		config.Storage.DatabasePath = path
	}
	if dir := os.Getenv("FITSYNC_AUDIT_DIR"); dir != "" {
		config.Audit.BaseDir = dir
	}
	if v := os.Getenv("FITSYNC_AUDIT_ENABLED"); v != "" {
		config.Audit.Enabled = v == "true" || v == "1"
	}
	if level := os.Getenv("FITSYNC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if v := os.Getenv("FITSYNC_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Policy.MaxRetries = n
		}
	}
	if v := os.Getenv("FITSYNC_QUORUM_WINDOW_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			config.Policy.QuorumWindow = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("FITSYNC_AI_AUTO_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Policy.AIAutoThreshold = f
		}
	}
	if v := os.Getenv("FITSYNC_REVIEW_THRESHOLD"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			config.Policy.ReviewThreshold = f
		}
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.DatabasePath == "" {
		return errors.New("storage database path is required")
	}
	return c.Policy.Validate()
}

// Validate checks the policy knobs for out-of-range values
func (p *PolicyConfig) Validate() error {
	if p.MaxRetries < 1 {
		return fmt.Errorf("max retries must be at least 1, got %d", p.MaxRetries)
	}
	if p.QuorumWindow <= 0 {
		return errors.New("quorum window must be positive")
	}
	for name, v := range map[string]float64{
		"ai_auto_threshold":        p.AIAutoThreshold,
		"review_threshold":         p.ReviewThreshold,
		"prefer_latest_confidence": p.PreferLatestConfidence,
		"merge_confidence":         p.MergeConfidence,
	} {
		if v < 0 || v > 1 {
			return fmt.Errorf("%s must be in [0,1], got %f", name, v)
		}
	}
	return nil
}
