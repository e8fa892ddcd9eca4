package config

import (
	"errors"
	"time"

	"github.com/devrev/snapback/internal/model"
)

// Config represents the snapback service configuration
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Registry       RegistryConfig       `mapstructure:"registry"`
	Monitoring     MonitoringConfig     `mapstructure:"monitoring"`
	Reconciliation ReconciliationConfig `mapstructure:"reconciliation"`
	Sync           SyncConfig           `mapstructure:"sync"`
	SyncHealth     SyncHealthConfig     `mapstructure:"sync_health"`
	Queue          QueueConfig          `mapstructure:"queue"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Logging        LoggingConfig        `mapstructure:"logging"`
}

// ServerConfig represents the operational HTTP server and node identity
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Endpoint        string        `mapstructure:"endpoint"`
	SpID            int64         `mapstructure:"sp_id"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents the PostgreSQL clock and replica set store
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the Redis counter store
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// RegistryConfig represents the node registry source and cadence
type RegistryConfig struct {
	Source          string        `mapstructure:"source"` // "http" | "gossip" | "file"
	ServiceType     string        `mapstructure:"service_type"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	URL             string        `mapstructure:"url"`
	FilePath        string        `mapstructure:"file_path"`
	Gossip          GossipConfig  `mapstructure:"gossip"`
}

// GossipConfig holds gossip protocol configuration
type GossipConfig struct {
	BindPort       int           `mapstructure:"bind_port"`
	SeedNodes      []string      `mapstructure:"seed_nodes"`
	GossipInterval time.Duration `mapstructure:"gossip_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
}

// MonitoringConfig represents state monitoring configuration
type MonitoringConfig struct {
	Interval               time.Duration `mapstructure:"interval"`
	UsersPerBatch          int           `mapstructure:"users_per_batch"`
	ClockRequestTimeout    time.Duration `mapstructure:"clock_request_timeout"`
	MaxConcurrency         int           `mapstructure:"max_concurrency"`
	SlightlyBehindMaxLag   int64         `mapstructure:"slightly_behind_max_lag"`
	ModeratelyBehindMaxLag int64         `mapstructure:"moderately_behind_max_lag"`
	RegistryMaxAge         time.Duration `mapstructure:"registry_max_age"`
	ClockBatchSize         int           `mapstructure:"clock_batch_size"`
	ClockFetchRetries      int           `mapstructure:"clock_fetch_retries"`
	ClockRetryDelay        time.Duration `mapstructure:"clock_retry_delay"`
	ObservationTTL         time.Duration `mapstructure:"observation_ttl"`
}

// ReconciliationConfig represents state reconciliation configuration
type ReconciliationConfig struct {
	HighestReconfigMode string        `mapstructure:"highest_reconfig_mode"`
	MinUnsyncedCycles   int           `mapstructure:"min_unsynced_cycles"`
	MinSuccessRate      float64       `mapstructure:"min_success_rate"`
	RecentlyRemovedTTL  time.Duration `mapstructure:"recently_removed_ttl"`
	StreakTTL           time.Duration `mapstructure:"streak_ttl"`
}

// SyncConfig represents sync job configuration
type SyncConfig struct {
	DailyFailureThreshold       int64         `mapstructure:"daily_failure_threshold"`
	RequestTimeout              time.Duration `mapstructure:"request_timeout"`
	PollInterval                time.Duration `mapstructure:"poll_interval"`
	MaxMonitoringDuration       time.Duration `mapstructure:"max_monitoring_duration"`
	MaxManualMonitoringDuration time.Duration `mapstructure:"max_manual_monitoring_duration"`
	MaxRecurringAttempts        int           `mapstructure:"max_recurring_attempts"`
	MaxManualAttempts           int           `mapstructure:"max_manual_attempts"`
	RequestsPerSecond           float64       `mapstructure:"requests_per_second"`
	Burst                       int           `mapstructure:"burst"`
}

// SyncHealthConfig represents sync health tracker configuration
type SyncHealthConfig struct {
	Retention time.Duration `mapstructure:"retention"`
}

// QueueConfig represents job substrate configuration
type QueueConfig struct {
	Workers     int           `mapstructure:"workers"`
	Capacity    int           `mapstructure:"capacity"`
	MaxAttempts int           `mapstructure:"max_attempts"`
	Backoff     time.Duration `mapstructure:"backoff"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return errors.New("server.port must be between 1 and 65535")
	}
	if c.Server.Endpoint == "" {
		return errors.New("server.endpoint is required")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	switch c.Registry.Source {
	case "http":
		if c.Registry.URL == "" {
			return errors.New("registry.url is required for the http source")
		}
	case "file":
		if c.Registry.FilePath == "" {
			return errors.New("registry.file_path is required for the file source")
		}
	case "gossip":
	default:
		return errors.New("registry.source must be one of: http, gossip, file")
	}
	if c.Registry.RefreshInterval <= 0 {
		return errors.New("registry.refresh_interval must be positive")
	}
	if c.Monitoring.UsersPerBatch <= 0 {
		return errors.New("monitoring.users_per_batch must be positive")
	}
	if c.Monitoring.ClockBatchSize <= 0 {
		return errors.New("monitoring.clock_batch_size must be positive")
	}
	if c.Monitoring.ClockFetchRetries < 0 {
		return errors.New("monitoring.clock_fetch_retries must not be negative")
	}
	if c.Monitoring.SlightlyBehindMaxLag < 0 {
		return errors.New("monitoring.slightly_behind_max_lag must not be negative")
	}
	if c.Monitoring.ModeratelyBehindMaxLag < c.Monitoring.SlightlyBehindMaxLag {
		return errors.New("monitoring.moderately_behind_max_lag must be at least slightly_behind_max_lag")
	}
	if c.Reconciliation.MinUnsyncedCycles <= 0 {
		return errors.New("reconciliation.min_unsynced_cycles must be positive")
	}
	if c.Reconciliation.MinSuccessRate < 0 || c.Reconciliation.MinSuccessRate > 1 {
		return errors.New("reconciliation.min_success_rate must be between 0 and 1")
	}
	if _, ok := model.ParseReconfigMode(c.Reconciliation.HighestReconfigMode); !ok {
		// Unknown modes disable reconfiguration rather than failing startup
		c.Reconciliation.HighestReconfigMode = model.ReconfigDisabled.String()
	}
	if c.Sync.MaxRecurringAttempts <= 0 || c.Sync.MaxManualAttempts <= 0 {
		return errors.New("sync attempt limits must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// ReconfigMode returns the configured highest reconfig mode
func (c *Config) ReconfigMode() model.ReconfigMode {
	mode, _ := model.ParseReconfigMode(c.Reconciliation.HighestReconfigMode)
	return mode
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            4000,
			Endpoint:        "http://localhost:4000",
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    10 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "content_node",
			User:           "postgres",
			MaxConnections: 20,
			MinConnections: 2,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Registry: RegistryConfig{
			Source:          "http",
			ServiceType:     "content-node",
			RefreshInterval: 10 * time.Minute,
			RequestTimeout:  10 * time.Second,
			URL:             "http://localhost:5000",
			Gossip: GossipConfig{
				BindPort:       7946,
				GossipInterval: 200 * time.Millisecond,
				ProbeTimeout:   500 * time.Millisecond,
				ProbeInterval:  time.Second,
			},
		},
		Monitoring: MonitoringConfig{
			Interval:               time.Minute,
			UsersPerBatch:          1000,
			ClockRequestTimeout:    2 * time.Second,
			MaxConcurrency:         32,
			SlightlyBehindMaxLag:   10,
			ModeratelyBehindMaxLag: 100,
			RegistryMaxAge:         15 * time.Minute,
			ClockBatchSize:         500,
			ClockFetchRetries:      2,
			ClockRetryDelay:        500 * time.Millisecond,
			ObservationTTL:         24 * time.Hour,
		},
		Reconciliation: ReconciliationConfig{
			HighestReconfigMode: model.ReconfigPrimaryAndSecondary.String(),
			MinUnsyncedCycles:   3,
			MinSuccessRate:      0.5,
			RecentlyRemovedTTL:  24 * time.Hour,
			StreakTTL:           24 * time.Hour,
		},
		Sync: SyncConfig{
			DailyFailureThreshold:       20,
			RequestTimeout:              5 * time.Second,
			PollInterval:                time.Second,
			MaxMonitoringDuration:       5 * time.Minute,
			MaxManualMonitoringDuration: 15 * time.Minute,
			MaxRecurringAttempts:        2,
			MaxManualAttempts:           5,
			RequestsPerSecond:           50,
			Burst:                       10,
		},
		SyncHealth: SyncHealthConfig{
			Retention: 30 * 24 * time.Hour,
		},
		Queue: QueueConfig{
			Workers:     16,
			Capacity:    10000,
			MaxAttempts: 3,
			Backoff:     time.Second,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}
