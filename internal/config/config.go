// Package config loads the Authorization Core's configuration from a
// YAML file and environment variables, grounded on the teacher's
// pkg/common/config/config.go: viper, a mapstructure-tagged nested
// struct, an env-prefixed AutomaticEnv overlay, and a setDefaults pass
// run before the file/env is read.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// APIConfig is the HTTP surface's listen/timeout/CORS/auth settings
// (spec §6 HTTP surface).
type APIConfig struct {
	ListenAddress string        `mapstructure:"listen_address"`
	BasePath      string        `mapstructure:"base_path"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout"`
	EnableCORS    bool          `mapstructure:"enable_cors"`
	CORSOrigins   []string      `mapstructure:"cors_origins"`
	RateLimit     RateLimit     `mapstructure:"rate_limit"`
	Auth          AuthConfig    `mapstructure:"auth"`
}

// RateLimit throttles the HTTP surface.
type RateLimit struct {
	Enabled    bool          `mapstructure:"enabled"`
	Limit      int           `mapstructure:"limit"`
	Burst      int           `mapstructure:"burst"`
	Expiration time.Duration `mapstructure:"expiration"`
}

// AuthConfig decodes the upstream gateway's bearer token (spec §6
// Authentication: "{userId, isSuperadmin, profileId}").
type AuthConfig struct {
	JWTSecret      string        `mapstructure:"jwt_secret"`
	JWTAudience    string        `mapstructure:"jwt_audience"`
	RequireAuth    bool          `mapstructure:"require_auth"`
	TokenRenewalAt time.Duration `mapstructure:"token_renewal_threshold"`
}

// DatabaseConfig is the relational store's connection settings (spec §3).
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// DSN builds a lib/pq connection string from DatabaseConfig.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

// CacheConfig is the key-value store's connection and TTL settings
// (spec §6: REDIS_HOST/REDIS_PORT/REDIS_DB/CACHE_TTL/CACHE_MAX_ITEMS).
type CacheConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Database     int           `mapstructure:"db"`
	Username     string        `mapstructure:"username"`
	Password     string        `mapstructure:"password"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	TLSEnabled   bool          `mapstructure:"tls_enabled"`
	TTLSeconds   int           `mapstructure:"ttl_seconds"`
	MaxItems     int           `mapstructure:"max_items"`
}

// Address formats Host/Port as a go-redis address.
func (c CacheConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// BreakerConfig mirrors pkg/resilience.Config's per-dependency
// thresholds (spec §4.2/§6: failureThreshold/resetTimeout/halfOpenMaxAttempts).
type BreakerConfig struct {
	FailureThreshold    int           `mapstructure:"failure_threshold"`
	MonitoringPeriod    time.Duration `mapstructure:"monitoring_period"`
	ResetTimeout        time.Duration `mapstructure:"reset_timeout"`
	HalfOpenMaxAttempts int           `mapstructure:"half_open_max_attempts"`
}

// BreakersConfig holds one BreakerConfig per hand-rolled breaker
// instance (database/cache/matrix, the Check Engine's dependencies)
// plus a GrantWriter block shaped like the gobreaker-backed
// write-transaction breaker. GrantWriter is loaded but not read: the
// Grant Store builds its breaker from a config that sets only the name.
type BreakersConfig struct {
	Database    BreakerConfig   `mapstructure:"database"`
	Cache       BreakerConfig   `mapstructure:"cache"`
	Matrix      BreakerConfig   `mapstructure:"matrix"`
	GrantWriter GobreakerConfig `mapstructure:"grant_writer"`
}

// GobreakerConfig mirrors internal/resilience.CircuitBreakerConfig.
type GobreakerConfig struct {
	MaxRequests  uint32        `mapstructure:"max_requests"`
	Interval     time.Duration `mapstructure:"interval"`
	Timeout      time.Duration `mapstructure:"timeout"`
	FailureRatio float64       `mapstructure:"failure_ratio"`
}

// MatrixConfig tunes the Permission Matrix (spec §6: MATRIX_EXPIRY_HOURS/
// MATRIX_BATCH_SIZE/HIGH_PRIORITY_THRESHOLD).
type MatrixConfig struct {
	ExpiryHours           int `mapstructure:"expiry_hours"`
	BatchSize             int `mapstructure:"batch_size"`
	HighPriorityThreshold int `mapstructure:"high_priority_threshold"`
}

// CheckConfig tunes the Check Engine (spec §6: check timeout(100ms),
// batch max size(100)).
type CheckConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	BatchMaxSize int           `mapstructure:"batch_max_size"`
}

// WarmupConfig tunes the activity-tracking warm-up counter (spec §6:
// threshold(10)/window(3600)/batchSize(50)).
type WarmupConfig struct {
	Threshold int           `mapstructure:"threshold"`
	Window    time.Duration `mapstructure:"window"`
	BatchSize int           `mapstructure:"batch_size"`
}

// SchedulerConfig mirrors pkg/authz/scheduler.Config's tunables.
type SchedulerConfig struct {
	NightlySweepHour      int           `mapstructure:"nightly_sweep_hour"`
	DailyNoticeHour       int           `mapstructure:"daily_notice_hour"`
	LogRetention          time.Duration `mapstructure:"log_retention"`
	ExpiringNoticeWindow  time.Duration `mapstructure:"expiring_notice_window"`
	MatrixHighPriorityN   int           `mapstructure:"matrix_high_priority_n"`
	MatrixRegularN        int           `mapstructure:"matrix_regular_n"`
	StartupSweepDelay     time.Duration `mapstructure:"startup_sweep_delay"`
	NotificationMaxElapse time.Duration `mapstructure:"notification_max_elapse"`
}

// MetricsConfig configures the Prometheus-backed Metrics Sink (C3).
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

// LoggingConfig configures the StandardLogger (C3 ambient logging).
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MigrationsConfig points at the golang-migrate SQL source directory.
type MigrationsConfig struct {
	Path string `mapstructure:"path"`
}

// Config is the complete application configuration.
type Config struct {
	Environment string           `mapstructure:"environment"`
	API         APIConfig        `mapstructure:"api"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Cache       CacheConfig      `mapstructure:"cache"`
	Breakers    BreakersConfig   `mapstructure:"breakers"`
	Matrix      MatrixConfig     `mapstructure:"matrix"`
	Check       CheckConfig      `mapstructure:"check"`
	Warmup      WarmupConfig     `mapstructure:"warmup"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Metrics     MetricsConfig    `mapstructure:"metrics"`
	Logging     LoggingConfig    `mapstructure:"logging"`
	Migrations  MigrationsConfig `mapstructure:"migrations"`
}

// IsProduction reports whether Environment names a production deployment.
func (c *Config) IsProduction() bool {
	return c.Environment == "prod" || c.Environment == "production"
}

// Load reads configuration from AUTHZ_CONFIG_FILE (defaulting to
// configs/config.yaml) overlaid by AUTHZ_-prefixed environment
// variables, falling back to defaults when neither supplies a key.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	configFile := os.Getenv("AUTHZ_CONFIG_FILE")
	if configFile == "" {
		configFile = "configs/config.yaml"
	}
	v.SetConfigFile(configFile)

	v.SetEnvPrefix("AUTHZ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "dev")

	v.SetDefault("api.listen_address", ":8080")
	v.SetDefault("api.base_path", "/api/v1")
	v.SetDefault("api.read_timeout", 30*time.Second)
	v.SetDefault("api.write_timeout", 30*time.Second)
	v.SetDefault("api.idle_timeout", 90*time.Second)
	v.SetDefault("api.enable_cors", true)
	v.SetDefault("api.cors_origins", []string{"http://localhost:3000"})
	v.SetDefault("api.rate_limit.enabled", true)
	v.SetDefault("api.rate_limit.limit", 100)
	v.SetDefault("api.rate_limit.burst", 150)
	v.SetDefault("api.rate_limit.expiration", time.Hour)
	v.SetDefault("api.auth.require_auth", true)
	v.SetDefault("api.auth.token_renewal_threshold", time.Hour)

	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "authz")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)

	v.SetDefault("cache.host", "localhost")
	v.SetDefault("cache.port", 6379)
	v.SetDefault("cache.db", 0)
	v.SetDefault("cache.dial_timeout", 5*time.Second)
	v.SetDefault("cache.read_timeout", 3*time.Second)
	v.SetDefault("cache.write_timeout", 3*time.Second)
	v.SetDefault("cache.pool_size", 10)
	v.SetDefault("cache.min_idle_conns", 2)
	v.SetDefault("cache.max_retries", 3)
	v.SetDefault("cache.ttl_seconds", 300)
	v.SetDefault("cache.max_items", 1000)

	v.SetDefault("breakers.database.failure_threshold", 5)
	v.SetDefault("breakers.database.monitoring_period", 60*time.Second)
	v.SetDefault("breakers.database.reset_timeout", 30*time.Second)
	v.SetDefault("breakers.database.half_open_max_attempts", 3)
	v.SetDefault("breakers.cache.failure_threshold", 5)
	v.SetDefault("breakers.cache.monitoring_period", 60*time.Second)
	v.SetDefault("breakers.cache.reset_timeout", 30*time.Second)
	v.SetDefault("breakers.cache.half_open_max_attempts", 3)
	v.SetDefault("breakers.matrix.failure_threshold", 5)
	v.SetDefault("breakers.matrix.monitoring_period", 60*time.Second)
	v.SetDefault("breakers.matrix.reset_timeout", 30*time.Second)
	v.SetDefault("breakers.matrix.half_open_max_attempts", 3)
	v.SetDefault("breakers.grant_writer.max_requests", uint32(3))
	v.SetDefault("breakers.grant_writer.interval", 30*time.Second)
	v.SetDefault("breakers.grant_writer.timeout", 30*time.Second)
	v.SetDefault("breakers.grant_writer.failure_ratio", 0.5)

	v.SetDefault("matrix.expiry_hours", 24)
	v.SetDefault("matrix.batch_size", 100)
	v.SetDefault("matrix.high_priority_threshold", 100)

	v.SetDefault("check.timeout", 100*time.Millisecond)
	v.SetDefault("check.batch_max_size", 100)

	v.SetDefault("warmup.threshold", 10)
	v.SetDefault("warmup.window", time.Hour)
	v.SetDefault("warmup.batch_size", 50)

	v.SetDefault("scheduler.nightly_sweep_hour", 2)
	v.SetDefault("scheduler.daily_notice_hour", 9)
	v.SetDefault("scheduler.log_retention", 30*24*time.Hour)
	v.SetDefault("scheduler.expiring_notice_window", 7*24*time.Hour)
	v.SetDefault("scheduler.matrix_high_priority_n", 500)
	v.SetDefault("scheduler.matrix_regular_n", 2000)
	v.SetDefault("scheduler.startup_sweep_delay", 10*time.Second)
	v.SetDefault("scheduler.notification_max_elapse", 5*time.Minute)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "authz")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("migrations.path", "internal/migrations/sql")
}
