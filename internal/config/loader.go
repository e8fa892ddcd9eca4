package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Load reads the YAML file at configPath over DefaultConfig, applies
// environment overrides and validates the result. A missing file is not
// an error.
func Load(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	switch err := v.ReadInConfig(); {
	case err == nil:
		if err := v.Unmarshal(cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	case isMissingFile(err):
	default:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func isMissingFile(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)
}

// applyEnvironmentOverrides lets deployment environments override the
// settings that differ per node. Malformed numbers are ignored.
func applyEnvironmentOverrides(cfg *Config) {
	setString("SNAPBACK_ENDPOINT", &cfg.Server.Endpoint)
	setInt64("SNAPBACK_SP_ID", &cfg.Server.SpID)
	setInt("SNAPBACK_PORT", &cfg.Server.Port)

	setString("DATABASE_HOST", &cfg.Database.Host)
	setInt("DATABASE_PORT", &cfg.Database.Port)
	setString("DATABASE_NAME", &cfg.Database.Database)
	setString("DATABASE_USER", &cfg.Database.User)
	setString("DATABASE_PASSWORD", &cfg.Database.Password)

	setString("REDIS_HOST", &cfg.Redis.Host)
	setInt("REDIS_PORT", &cfg.Redis.Port)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)

	setString("REGISTRY_SOURCE", &cfg.Registry.Source)
	setString("REGISTRY_URL", &cfg.Registry.URL)
	if seeds := os.Getenv("REGISTRY_GOSSIP_SEEDS"); seeds != "" {
		cfg.Registry.Gossip.SeedNodes = strings.Split(seeds, ",")
	}

	setString("SNAPBACK_HIGHEST_RECONFIG_MODE", &cfg.Reconciliation.HighestReconfigMode)
	setString("LOG_LEVEL", &cfg.Logging.Level)
}

func setString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil {
		*dst = v
	}
}

func setInt64(key string, dst *int64) {
	if v, err := strconv.ParseInt(os.Getenv(key), 10, 64); err == nil {
		*dst = v
	}
}
