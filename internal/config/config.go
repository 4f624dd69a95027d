// Package config provides configuration management for Pelican.
//
// Configuration is loaded from multiple sources with the following precedence:
//  1. Command-line options (highest priority)
//  2. Environment variables (PELICAN_* prefix)
//  3. Configuration file (pelican.yaml)
//  4. Default values (lowest priority)
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for Pelican.
type Config struct {
	// DataDir is the root directory for metadata and payload storage.
	DataDir string `mapstructure:"data_dir"`

	// MetricsPort serves the Prometheus endpoint.
	MetricsPort int `mapstructure:"metrics_port"`

	Storage     StorageConfig     `mapstructure:"storage"`
	Multipart   MultipartConfig   `mapstructure:"multipart"`
	ColdStorage ColdStorageConfig `mapstructure:"cold_storage"`

	// ConflictRetries bounds optimistic write loops per operation.
	ConflictRetries int `mapstructure:"conflict_retries"`

	LogLevel string `mapstructure:"log_level"`
}

// StorageConfig selects and tunes the payload backend.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
}

// MultipartConfig tunes multipart upload validation.
type MultipartConfig struct {
	// MinPartSize applies to every part except the last.
	MinPartSize int64 `mapstructure:"min_part_size"`

	// MaxParts is the highest accepted part number.
	MaxParts int `mapstructure:"max_parts"`
}

// ColdStorageConfig tunes the archive tier.
type ColdStorageConfig struct {
	// TierName labels archived objects.
	TierName string `mapstructure:"tier_name"`

	// SweepInterval is how often expired restores are reverted.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Options carries command line overrides.
type Options struct {
	DataDir     string
	MetricsPort int
	LogLevel    string
}

// Load loads configuration from file, environment, and options.
func Load(configPath string, opts Options) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		v.SetConfigName("pelican")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/pelican")
		v.AddConfigPath("$HOME/.pelican")

		// A missing config file is fine; defaults apply.
		_ = v.ReadInConfig()
	}

	v.SetEnvPrefix("PELICAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if opts.DataDir != "" {
		v.Set("data_dir", opts.DataDir)
	}

	if opts.MetricsPort != 0 {
		v.Set("metrics_port", opts.MetricsPort)
	}

	if opts.LogLevel != "" {
		v.Set("log_level", opts.LogLevel)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", "./data")
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("conflict_retries", 5)
	v.SetDefault("log_level", "info")

	v.SetDefault("storage.backend", "fs")

	v.SetDefault("multipart.min_part_size", 5*1024*1024)
	v.SetDefault("multipart.max_parts", 10000)

	v.SetDefault("cold_storage.tier_name", "deep-freeze")
	v.SetDefault("cold_storage.sweep_interval", 5*time.Minute)
}

func (c *Config) validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}

	if c.Storage.Backend != "fs" {
		return fmt.Errorf("unknown storage backend %q", c.Storage.Backend)
	}

	if c.Multipart.MinPartSize < 1 {
		return fmt.Errorf("multipart.min_part_size must be positive")
	}

	if c.Multipart.MaxParts < 1 || c.Multipart.MaxParts > 10000 {
		return fmt.Errorf("multipart.max_parts must be between 1 and 10000")
	}

	if c.ColdStorage.SweepInterval <= 0 {
		return fmt.Errorf("cold_storage.sweep_interval must be positive")
	}

	return nil
}
