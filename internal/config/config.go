package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models guardline.yml.
type Config struct {
	Compliance struct {
		StatutoryMinimumRate float64 `yaml:"statutory_minimum_rate"`
		SnapshotTTLHours     int     `yaml:"snapshot_ttl_hours"`
		VerifyTimeoutSeconds int     `yaml:"verify_timeout_seconds"`
	} `yaml:"compliance"`
	Rating struct {
		Min        float64 `yaml:"min"`
		Max        float64 `yaml:"max"`
		WindowDays int     `yaml:"window_days"`
	} `yaml:"rating"`
	Payment struct {
		InitiateTimeoutSeconds int `yaml:"initiate_timeout_seconds"`
	} `yaml:"payment"`
	Webhooks []WebhookConfig `yaml:"webhooks,omitempty"`
}

type WebhookConfig struct {
	URL            string   `yaml:"url"`
	Secret         string   `yaml:"secret,omitempty"`
	Events         []string `yaml:"events,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled,omitempty"`
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Compliance.StatutoryMinimumRate <= 0 {
		return fmt.Errorf("config.compliance.statutory_minimum_rate must be positive")
	}
	if c.Compliance.SnapshotTTLHours <= 0 {
		return fmt.Errorf("config.compliance.snapshot_ttl_hours must be positive")
	}
	if c.Compliance.VerifyTimeoutSeconds <= 0 {
		return fmt.Errorf("config.compliance.verify_timeout_seconds must be positive")
	}
	if c.Rating.Min >= c.Rating.Max {
		return fmt.Errorf("config.rating.min must be below config.rating.max")
	}
	if c.Rating.WindowDays <= 0 {
		return fmt.Errorf("config.rating.window_days must be positive")
	}
	if c.Payment.InitiateTimeoutSeconds <= 0 {
		return fmt.Errorf("config.payment.initiate_timeout_seconds must be positive")
	}
	for i, hook := range c.Webhooks {
		if hook.URL == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
	}
	return nil
}

func (c *Config) SnapshotTTL() time.Duration {
	return time.Duration(c.Compliance.SnapshotTTLHours) * time.Hour
}

func (c *Config) VerifyTimeout() time.Duration {
	return time.Duration(c.Compliance.VerifyTimeoutSeconds) * time.Second
}

func (c *Config) InitiateTimeout() time.Duration {
	return time.Duration(c.Payment.InitiateTimeoutSeconds) * time.Second
}

func (c *Config) RatingWindow() time.Duration {
	return time.Duration(c.Rating.WindowDays) * 24 * time.Hour
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "guardline.yml")
}

// Load reads and validates config from workspace, falling back to defaults
// when no file exists.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.Unmarshal([]byte(defaultTemplate), &cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `compliance:
  statutory_minimum_rate: 12.00
  snapshot_ttl_hours: 24
  verify_timeout_seconds: 10

rating:
  min: 1.0
  max: 5.0
  window_days: 7

payment:
  initiate_timeout_seconds: 15
`
