// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Scraper   ScraperConfig   `mapstructure:"scraper"`
	Headless  HeadlessConfig  `mapstructure:"headless"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Recipes   RecipesConfig   `mapstructure:"recipes"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port             int `mapstructure:"port"`
	ShutdownGraceSec int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// ScraperConfig governs the extraction pipeline defaults. Per-job options
// override these within their documented bounds.
type ScraperConfig struct {
	UserAgent          string  `mapstructure:"user_agent"`
	DelayMs            int     `mapstructure:"delay_ms"`
	MaxDelayMs         int     `mapstructure:"max_delay_ms"`
	MaxConcurrent      int     `mapstructure:"max_concurrent"`
	BatchSize          int     `mapstructure:"batch_size"`
	MaxProductsDefault int     `mapstructure:"max_products_default"`
	MaxPagesDefault    int     `mapstructure:"max_pages_default"`
	JobTimeoutSeconds  int     `mapstructure:"job_timeout_seconds"`
	FetchTimeoutSec    int     `mapstructure:"fetch_timeout_seconds"`
	SkipFailThreshold  float64 `mapstructure:"skip_fail_threshold"`
}

// HeadlessConfig configures the browser-automation fetch path.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// StorageConfig selects and configures the persistence provider.
type StorageConfig struct {
	Provider   string `mapstructure:"provider"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

// RecipesConfig points at the recipe directory.
type RecipesConfig struct {
	Dir string `mapstructure:"dir"`
}

// TelemetryConfig holds the advisory thresholds for recommendations.
type TelemetryConfig struct {
	SlowProductSeconds float64 `mapstructure:"slow_product_seconds"`
	MaxActiveJobs      int     `mapstructure:"max_active_jobs"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 3001)
	v.SetDefault("server.shutdown_grace_seconds", 15)
	v.SetDefault("scraper.user_agent", "harvester-bot/0.1")
	v.SetDefault("scraper.delay_ms", 200)
	v.SetDefault("scraper.max_delay_ms", 5000)
	v.SetDefault("scraper.max_concurrent", 5)
	v.SetDefault("scraper.batch_size", 10)
	v.SetDefault("scraper.max_products_default", 500)
	v.SetDefault("scraper.max_pages_default", 20)
	v.SetDefault("scraper.job_timeout_seconds", 600)
	v.SetDefault("scraper.fetch_timeout_seconds", 30)
	v.SetDefault("scraper.skip_fail_threshold", 0.5)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 25)
	v.SetDefault("storage.provider", "sqlite")
	v.SetDefault("storage.sqlite_path", "harvester.db")
	v.SetDefault("recipes.dir", "recipes")
	v.SetDefault("telemetry.slow_product_seconds", 5)
	v.SetDefault("telemetry.max_active_jobs", 3)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Scraper.MaxConcurrent <= 0 {
		return fmt.Errorf("scraper.max_concurrent must be > 0")
	}
	if c.Scraper.BatchSize <= 0 {
		return fmt.Errorf("scraper.batch_size must be > 0")
	}
	if c.Scraper.SkipFailThreshold <= 0 || c.Scraper.SkipFailThreshold > 1 {
		return fmt.Errorf("scraper.skip_fail_threshold must be in (0,1]")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	switch c.Storage.Provider {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path must be set for the sqlite provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// JobBudget returns the default job wall-clock budget.
func (c Config) JobBudget() time.Duration {
	return time.Duration(c.Scraper.JobTimeoutSeconds) * time.Second
}

// FetchTimeout returns the per-request timeout.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Scraper.FetchTimeoutSec) * time.Second
}
