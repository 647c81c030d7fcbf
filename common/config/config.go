package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service   ServiceConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Cache     CacheConfig
	ACL       ACLConfig
	RateLimit RateLimitConfig
	Lease     LeaseConfig
	Sweeper   SweeperConfig
	Telemetry TelemetryConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

// CacheConfig holds idempotency cache settings
type CacheConfig struct {
	Enabled bool
	// How long a (identity, client_operation_id) -> build_id mapping is
	// remembered to absorb client retries.
	DedupTTL time.Duration
}

// ACLConfig holds access-control settings
type ACLConfig struct {
	// Path to a JSON file mapping bucket name to a CEL expression. Empty
	// means every caller may do everything (single-tenant mode).
	RulesFile string
}

// RateLimitConfig throttles build creation
type RateLimitConfig struct {
	Enabled bool
	// Creations allowed per identity per window.
	CreatorLimit int64
	// Creations allowed per bucket per window, all identities combined.
	BucketLimit   int64
	WindowSeconds int
}

// LeaseConfig bounds caller-supplied lease durations
type LeaseConfig struct {
	MinDuration     time.Duration
	MaxDuration     time.Duration
	DefaultDuration time.Duration
}

// SweeperConfig holds expiration sweeper settings
type SweeperConfig struct {
	Interval time.Duration
	// Builds still active past this age are force-canceled with TIMEOUT.
	MaxBuildAge time.Duration
	// Upper bound on records fixed up per sweep cycle.
	BatchLimit int
}

// TelemetryConfig holds observability settings
type TelemetryConfig struct {
	EnablePprof   bool
	PprofPort     int
	EnableMetrics bool
	MetricsPort   int
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8080),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "buildqueue"),
			User:        getEnv("POSTGRES_USER", "buildqueue"),
			Password:    getEnv("POSTGRES_PASSWORD", "buildqueue"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Host:     getEnv("REDIS_HOST", "localhost"),
			Port:     getEnvInt("REDIS_PORT", 6379),
			Password: getEnv("REDIS_PASSWORD", ""),
			DB:       getEnvInt("REDIS_DB", 0),
		},
		Cache: CacheConfig{
			Enabled:  getEnvBool("CACHE_ENABLED", true),
			DedupTTL: getEnvDuration("DEDUP_TTL", 60*time.Second),
		},
		ACL: ACLConfig{
			RulesFile: getEnv("ACL_RULES_FILE", ""),
		},
		RateLimit: RateLimitConfig{
			Enabled:       getEnvBool("RATE_LIMIT_ENABLED", true),
			CreatorLimit:  int64(getEnvInt("RATE_LIMIT_CREATOR", 600)),
			BucketLimit:   int64(getEnvInt("RATE_LIMIT_BUCKET", 3000)),
			WindowSeconds: getEnvInt("RATE_LIMIT_WINDOW_SECONDS", 60),
		},
		Lease: LeaseConfig{
			MinDuration:     getEnvDuration("LEASE_MIN_DURATION", time.Minute),
			MaxDuration:     getEnvDuration("LEASE_MAX_DURATION", 2*time.Hour),
			DefaultDuration: getEnvDuration("LEASE_DEFAULT_DURATION", 10*time.Minute),
		},
		Sweeper: SweeperConfig{
			Interval:    getEnvDuration("SWEEPER_INTERVAL", time.Minute),
			MaxBuildAge: getEnvDuration("SWEEPER_MAX_BUILD_AGE", 48*time.Hour),
			BatchLimit:  getEnvInt("SWEEPER_BATCH_LIMIT", 500),
		},
		Telemetry: TelemetryConfig{
			EnablePprof:   getEnvBool("ENABLE_PPROF", true),
			PprofPort:     getEnvInt("PPROF_PORT", 6060),
			EnableMetrics: getEnvBool("ENABLE_METRICS", true),
			MetricsPort:   getEnvInt("METRICS_PORT", 9090),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Lease.MinDuration <= 0 || c.Lease.MaxDuration < c.Lease.MinDuration {
		return fmt.Errorf("lease duration bounds are inconsistent")
	}

	if c.Lease.DefaultDuration < c.Lease.MinDuration || c.Lease.DefaultDuration > c.Lease.MaxDuration {
		return fmt.Errorf("default lease duration must be within the min/max bounds")
	}

	if c.Sweeper.Interval <= 0 || c.Sweeper.BatchLimit < 1 {
		return fmt.Errorf("sweeper interval and batch limit must be positive")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// RedisAddr returns the Redis host:port address
func (c *Config) RedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Redis.Host, c.Redis.Port)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
