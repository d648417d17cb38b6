// Package config loads and validates the application configuration from
// YAML plus environment overrides.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/model-router/internal/health"
	"github.com/tributary-ai/model-router/internal/ledger"
	"github.com/tributary-ai/model-router/internal/middleware"
	"github.com/tributary-ai/model-router/internal/providers"
	"github.com/tributary-ai/model-router/internal/providers/anthropic"
	"github.com/tributary-ai/model-router/internal/providers/openai"
	"github.com/tributary-ai/model-router/internal/server"
)

// Config is the complete application configuration.
type Config struct {
	Server     ServerConfig                `yaml:"server"`
	Catalog    CatalogConfig               `yaml:"catalog"`
	Health     HealthConfig                `yaml:"health"`
	Ledger     LedgerConfig                `yaml:"ledger"`
	Flags      FlagsConfig                 `yaml:"flags"`
	Providers  ProvidersConfig             `yaml:"providers"`
	Logging    LoggingConfig               `yaml:"logging"`
	Validation middleware.ValidationConfig `yaml:"validation"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port           string        `yaml:"port"`
	ReadTimeout    time.Duration `yaml:"read_timeout"`
	WriteTimeout   time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"`
	HealthCacheTTL time.Duration `yaml:"health_cache_ttl"`
}

// CatalogConfig points at the model catalog file.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig tunes the provider health monitor.
type HealthConfig struct {
	Interval            time.Duration `yaml:"interval"`
	ProbeTimeout        time.Duration `yaml:"probe_timeout"`
	DegradedLatency     time.Duration `yaml:"degraded_latency"`
	MaxConcurrentProbes int           `yaml:"max_concurrent_probes"`
}

// LedgerConfig holds the credit ledger database settings.
type LedgerConfig struct {
	DSN          string  `yaml:"dsn"`
	ExchangeRate float64 `yaml:"exchange_rate"`
	QueueSize    int     `yaml:"queue_size"`
}

// FlagsConfig selects the feature-flag backend. An empty RedisAddr selects
// the in-memory store, pre-populated from Seed.
type FlagsConfig struct {
	RedisAddr     string     `yaml:"redis_addr"`
	RedisPassword string     `yaml:"redis_password"`
	RedisDB       int        `yaml:"redis_db"`
	Seed          []FlagSeed `yaml:"seed"`
}

// FlagSeed is a flag definition carried in the config file. Seeds only
// apply to the in-memory store; a redis deployment manages flags in redis.
type FlagSeed struct {
	ID                string   `yaml:"id"`
	Enabled           bool     `yaml:"enabled"`
	RolloutPercentage int      `yaml:"rollout_percentage"`
	AllowedUsers      []string `yaml:"allowed_users"`
	BlockedUsers      []string `yaml:"blocked_users"`
}

// ProvidersConfig holds per-vendor adapter settings. A nil section disables
// the vendor.
type ProvidersConfig struct {
	OpenAI    *openai.Config    `yaml:"openai"`
	Anthropic *anthropic.Config `yaml:"anthropic"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
}

// Load reads the configuration file, applies environment overrides and
// validates the result. An empty path uses defaults plus environment only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	cfg.setDefaults()

	if path != "" {
		if err := cfg.loadFromFile(path); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	cfg.loadFromEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:           "8080",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   60 * time.Second,
		MaxHeaderBytes: 1 << 20,
		HealthCacheTTL: 5 * time.Second,
	}
	c.Catalog = CatalogConfig{Path: "configs/catalog.yaml"}
	c.Health = HealthConfig{
		Interval:            60 * time.Second,
		ProbeTimeout:        10 * time.Second,
		DegradedLatency:     3 * time.Second,
		MaxConcurrentProbes: 4,
	}
	c.Ledger = LedgerConfig{
		DSN:          "data/ledger.db",
		ExchangeRate: ledger.DefaultExchangeRate,
	}
	c.Logging = LoggingConfig{Level: "info", Format: "json"}
	c.Validation = middleware.ValidationConfig{Enabled: true}
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return nil
}

// loadFromEnv applies environment overrides. Credentials only ever come
// from the environment, never from the config file on disk.
func (c *Config) loadFromEnv() {
	if port := os.Getenv("MODEL_ROUTER_PORT"); port != "" {
		c.Server.Port = port
	}
	if level := os.Getenv("MODEL_ROUTER_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if format := os.Getenv("MODEL_ROUTER_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}
	if path := os.Getenv("MODEL_ROUTER_CATALOG"); path != "" {
		c.Catalog.Path = path
	}
	if dsn := os.Getenv("MODEL_ROUTER_LEDGER_DSN"); dsn != "" {
		c.Ledger.DSN = dsn
	}
	if addr := os.Getenv("MODEL_ROUTER_REDIS_ADDR"); addr != "" {
		c.Flags.RedisAddr = addr
	}

	creds := providers.EnvCredentials{}
	if key, err := creds.Get("openai"); err == nil {
		if c.Providers.OpenAI == nil {
			c.Providers.OpenAI = &openai.Config{}
		}
		c.Providers.OpenAI.APIKey = key
	}
	if key, err := creds.Get("anthropic"); err == nil {
		if c.Providers.Anthropic == nil {
			c.Providers.Anthropic = &anthropic.Config{}
		}
		c.Providers.Anthropic.APIKey = key
	}
}

func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}
	if c.Catalog.Path == "" {
		return fmt.Errorf("catalog path cannot be empty")
	}
	if c.Ledger.ExchangeRate < 0 {
		return fmt.Errorf("ledger exchange rate cannot be negative")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("health probe interval must be positive")
	}

	for i, seed := range c.Flags.Seed {
		if seed.ID == "" {
			return fmt.Errorf("flag seed at index %d has no id", i)
		}
		if seed.RolloutPercentage < 0 || seed.RolloutPercentage > 100 {
			return fmt.Errorf("flag seed %s has rollout percentage %d outside 0-100", seed.ID, seed.RolloutPercentage)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	enabled := 0
	if c.Providers.OpenAI != nil {
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("openai provider enabled without an API key")
		}
		enabled++
	}
	if c.Providers.Anthropic != nil {
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("anthropic provider enabled without an API key")
		}
		enabled++
	}
	if enabled == 0 {
		return fmt.Errorf("at least one provider must be configured")
	}
	return nil
}

// ToServerConfig converts to the server package's config type.
func (c *Config) ToServerConfig() *server.Config {
	return &server.Config{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		HealthCacheTTL: c.Server.HealthCacheTTL,
	}
}

// ToHealthConfig converts to the monitor's config type.
func (c *Config) ToHealthConfig() health.Config {
	return health.Config{
		Interval:            c.Health.Interval,
		ProbeTimeout:        c.Health.ProbeTimeout,
		DegradedLatency:     c.Health.DegradedLatency,
		MaxConcurrentProbes: int64(c.Health.MaxConcurrentProbes),
	}
}

// ToLedgerConfig converts to the ledger's config type.
func (c *Config) ToLedgerConfig() ledger.Config {
	return ledger.Config{
		DSN:          c.Ledger.DSN,
		ExchangeRate: c.Ledger.ExchangeRate,
		QueueSize:    c.Ledger.QueueSize,
	}
}

// EnabledProviders lists the vendors with credentials configured.
func (c *Config) EnabledProviders() []string {
	var names []string
	if c.Providers.OpenAI != nil && c.Providers.OpenAI.APIKey != "" {
		names = append(names, "openai")
	}
	if c.Providers.Anthropic != nil && c.Providers.Anthropic.APIKey != "" {
		names = append(names, "anthropic")
	}
	return names
}
