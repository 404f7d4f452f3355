package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/keystonehq/keystone/pkg/observability"
)

// Config holds all application configuration
type Config struct {
	Server        ServerConfig
	Database      DatabaseConfig
	Cache         CacheConfig
	Audit         AuditConfig
	Auth          AuthConfig
	Navigation    NavigationConfig
	Observability ObservabilityConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds relational store configuration
type DatabaseConfig struct {
	PostgresURL string
	MaxConns    int
	MinConns    int
}

// CacheConfig holds effective-permission cache configuration
type CacheConfig struct {
	// Backend is one of "sql", "redis" or "memory"
	Backend string

	// TTL applied uniformly to every cached decision
	TTL time.Duration

	// RedisURL etc. apply when Backend == "redis"
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// MemoryMaxEntries applies when Backend == "memory"
	MemoryMaxEntries int

	// SweepInterval is the best-effort expired-row sweep cadence for the
	// SQL backend; zero disables the sweeper.
	SweepInterval time.Duration
}

// AuditConfig holds audit log configuration
type AuditConfig struct {
	// Backend is one of "db" or "memory"
	Backend string

	// MaxEntries caps the log globally; oldest entries beyond the cap are
	// dropped regardless of tenant.
	MaxEntries int
}

// AuthConfig holds identity verification configuration
type AuthConfig struct {
	// Mode is "oidc" or "static" (development)
	Mode string

	OIDCIssuerURL string
	OIDCClientID  string

	// StaticToken grants the configured super-admin identity in dev mode
	StaticToken string
}

// NavigationConfig holds menu projection configuration
type NavigationConfig struct {
	// MenuFile points at the YAML menu definition; empty uses the
	// database-backed menu items only.
	MenuFile string

	// WatchMenuFile reloads MenuFile on change and drops all cached
	// projections.
	WatchMenuFile bool
}

// ObservabilityConfig holds observability settings
type ObservabilityConfig struct {
	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("KEYSTONE_HOST", "0.0.0.0"),
			Port:            getEnv("KEYSTONE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("KEYSTONE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("KEYSTONE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("KEYSTONE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("KEYSTONE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("KEYSTONE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			PostgresURL: getEnv("KEYSTONE_POSTGRES_URL", ""),
			MaxConns:    getEnvInt("KEYSTONE_POSTGRES_MAX_CONNS", 25),
			MinConns:    getEnvInt("KEYSTONE_POSTGRES_MIN_CONNS", 2),
		},
		Cache: CacheConfig{
			Backend:          getEnv("KEYSTONE_CACHE_BACKEND", "sql"),
			TTL:              getEnvDuration("KEYSTONE_CACHE_TTL", 5*time.Minute),
			RedisURL:         getEnv("KEYSTONE_REDIS_URL", ""),
			RedisPassword:    getEnv("KEYSTONE_REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("KEYSTONE_REDIS_DB", 0),
			MemoryMaxEntries: getEnvInt("KEYSTONE_CACHE_MEMORY_MAX_ENTRIES", 16384),
			SweepInterval:    getEnvDuration("KEYSTONE_CACHE_SWEEP_INTERVAL", 10*time.Minute),
		},
		Audit: AuditConfig{
			Backend:    getEnv("KEYSTONE_AUDIT_BACKEND", "db"),
			MaxEntries: getEnvInt("KEYSTONE_AUDIT_MAX_ENTRIES", 10000),
		},
		Auth: AuthConfig{
			Mode:          getEnv("KEYSTONE_AUTH_MODE", "oidc"),
			OIDCIssuerURL: getEnv("KEYSTONE_OIDC_ISSUER_URL", ""),
			OIDCClientID:  getEnv("KEYSTONE_OIDC_CLIENT_ID", ""),
			StaticToken:   getEnv("KEYSTONE_STATIC_TOKEN", ""),
		},
		Navigation: NavigationConfig{
			MenuFile:      getEnv("KEYSTONE_MENU_FILE", ""),
			WatchMenuFile: getEnvBool("KEYSTONE_MENU_WATCH", false),
		},
		Observability: ObservabilityConfig{
			LogLevel:       parseLogLevel(getEnv("KEYSTONE_LOG_LEVEL", "info")),
			MetricsEnabled: getEnvBool("KEYSTONE_METRICS_ENABLED", true),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	if c.Database.PostgresURL == "" {
		return fmt.Errorf("postgres URL is required")
	}

	switch c.Cache.Backend {
	case "sql", "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("redis URL is required for the redis cache backend")
		}
	default:
		return fmt.Errorf("invalid cache backend: %s (must be sql, redis, or memory)", c.Cache.Backend)
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache TTL must be positive")
	}

	switch c.Audit.Backend {
	case "db", "memory":
	default:
		return fmt.Errorf("invalid audit backend: %s (must be db or memory)", c.Audit.Backend)
	}
	if c.Audit.MaxEntries <= 0 {
		return fmt.Errorf("audit max entries must be positive")
	}

	switch c.Auth.Mode {
	case "oidc":
		if c.Auth.OIDCIssuerURL == "" || c.Auth.OIDCClientID == "" {
			return fmt.Errorf("OIDC issuer URL and client ID are required in oidc mode")
		}
	case "static":
		if c.Auth.StaticToken == "" {
			return fmt.Errorf("static token is required in static auth mode")
		}
	default:
		return fmt.Errorf("invalid auth mode: %s (must be oidc or static)", c.Auth.Mode)
	}

	return nil
}

func parseLogLevel(level string) observability.LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return observability.DebugLevel
	case "info":
		return observability.InfoLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}

// getEnv returns an environment variable value or a default
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool returns a boolean environment variable or a default
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

// getEnvInt returns an integer environment variable or a default
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvDuration returns a duration environment variable or a default
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
