package config

import (
	"testing"
	"time"

	"github.com/keystonehq/keystone/pkg/observability"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("KEYSTONE_POSTGRES_URL", "postgres://localhost/keystone_test")
	t.Setenv("KEYSTONE_AUTH_MODE", "static")
	t.Setenv("KEYSTONE_STATIC_TOKEN", "dev-token")
}

func TestLoadConfigDefaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Server.Port != "8080" {
		t.Errorf("expected default port 8080, got %s", cfg.Server.Port)
	}
	if cfg.Cache.Backend != "sql" {
		t.Errorf("expected default cache backend sql, got %s", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 5*time.Minute {
		t.Errorf("expected default cache TTL 5m, got %s", cfg.Cache.TTL)
	}
	if cfg.Audit.MaxEntries != 10000 {
		t.Errorf("expected default audit cap 10000, got %d", cfg.Audit.MaxEntries)
	}
	if cfg.Observability.LogLevel != observability.InfoLevel {
		t.Errorf("expected default log level info, got %s", cfg.Observability.LogLevel)
	}
}

func TestLoadConfigOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("KEYSTONE_CACHE_BACKEND", "redis")
	t.Setenv("KEYSTONE_REDIS_URL", "localhost:6379")
	t.Setenv("KEYSTONE_CACHE_TTL", "90s")
	t.Setenv("KEYSTONE_AUDIT_MAX_ENTRIES", "500")
	t.Setenv("KEYSTONE_LOG_LEVEL", "debug")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	if cfg.Cache.Backend != "redis" {
		t.Errorf("expected redis backend, got %s", cfg.Cache.Backend)
	}
	if cfg.Cache.TTL != 90*time.Second {
		t.Errorf("expected TTL 90s, got %s", cfg.Cache.TTL)
	}
	if cfg.Audit.MaxEntries != 500 {
		t.Errorf("expected audit cap 500, got %d", cfg.Audit.MaxEntries)
	}
	if cfg.Observability.LogLevel != observability.DebugLevel {
		t.Errorf("expected debug level, got %s", cfg.Observability.LogLevel)
	}
}

func TestValidateRejectsBadConfig(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing postgres URL",
			env: map[string]string{
				"KEYSTONE_AUTH_MODE":    "static",
				"KEYSTONE_STATIC_TOKEN": "t",
			},
		},
		{
			name: "redis backend without URL",
			env: map[string]string{
				"KEYSTONE_POSTGRES_URL":  "postgres://localhost/k",
				"KEYSTONE_AUTH_MODE":     "static",
				"KEYSTONE_STATIC_TOKEN":  "t",
				"KEYSTONE_CACHE_BACKEND": "redis",
			},
		},
		{
			name: "unknown cache backend",
			env: map[string]string{
				"KEYSTONE_POSTGRES_URL":  "postgres://localhost/k",
				"KEYSTONE_AUTH_MODE":     "static",
				"KEYSTONE_STATIC_TOKEN":  "t",
				"KEYSTONE_CACHE_BACKEND": "memcached",
			},
		},
		{
			name: "oidc mode without issuer",
			env: map[string]string{
				"KEYSTONE_POSTGRES_URL": "postgres://localhost/k",
				"KEYSTONE_AUTH_MODE":    "oidc",
			},
		},
		{
			name: "same port for api and health",
			env: map[string]string{
				"KEYSTONE_POSTGRES_URL": "postgres://localhost/k",
				"KEYSTONE_AUTH_MODE":    "static",
				"KEYSTONE_STATIC_TOKEN": "t",
				"KEYSTONE_PORT":         "9090",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := LoadConfig(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}
