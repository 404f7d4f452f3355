package iam

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/keystonehq/keystone/pkg/audit"
	"github.com/keystonehq/keystone/pkg/observability"
)

// CacheBackend selects where effective decisions live
type CacheBackend string

const (
	CacheBackendMemory CacheBackend = "memory"
	CacheBackendSQL    CacheBackend = "sql"
	CacheBackendRedis  CacheBackend = "redis"
)

// ManagerConfig wires a full IAM stack. DB is required; Redis only when
// the redis cache backend is selected.
type ManagerConfig struct {
	DB    *sql.DB
	Redis *redis.Client

	Backend     CacheBackend
	CacheSize   int
	DecisionTTL time.Duration

	// AuditBackend is "db" or "memory"; empty means db.
	AuditBackend string

	// AuditMaxEntries caps the audit log across all tenants; zero keeps
	// the default.
	AuditMaxEntries int

	// SweepSchedule is a cron expression for the expired-row sweeper,
	// used with the sql backend. Empty defaults to every five minutes.
	SweepSchedule string

	Logger  *observability.Logger
	Metrics *observability.Metrics
}

// Manager owns the wired IAM stack: graph store, decision cache, audit
// recorder, and the service in front of them, plus the background
// sweeper for the sql cache backend.
type Manager struct {
	service  *Service
	store    GraphStore
	cache    DecisionCache
	recorder audit.Recorder
	logger   *observability.Logger
	metrics  *observability.Metrics
	cron     *cron.Cron
}

// NewManager builds the stack and runs migrations and graph seeding
func NewManager(ctx context.Context, cfg ManagerConfig) (*Manager, error) {
	if cfg.DB == nil {
		return nil, fmt.Errorf("database handle is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger(ctx)
	}
	if cfg.Backend == "" {
		cfg.Backend = CacheBackendMemory
	}

	if err := RunMigrations(ctx, cfg.DB); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	store := NewSQLGraphStore(cfg.DB)
	if err := SeedGraph(ctx, store); err != nil {
		return nil, fmt.Errorf("failed to seed permission graph: %w", err)
	}

	var cache DecisionCache
	switch cfg.Backend {
	case CacheBackendMemory:
		cache = NewMemoryDecisionCache(cfg.CacheSize, cfg.DecisionTTL)
	case CacheBackendSQL:
		cache = NewSQLDecisionCache(cfg.DB)
	case CacheBackendRedis:
		if cfg.Redis == nil {
			return nil, fmt.Errorf("redis client is required for the redis cache backend")
		}
		ttl := cfg.DecisionTTL
		if ttl <= 0 {
			ttl = DefaultDecisionTTL
		}
		cache = NewRedisDecisionCache(cfg.Redis, 4*ttl)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}

	var onEvict func(int64)
	if cfg.Metrics != nil {
		evicted := cfg.Metrics.AuditEvictedTotal
		onEvict = func(n int64) { evicted.Add(float64(n)) }
	}
	var recorder audit.Recorder
	switch cfg.AuditBackend {
	case "", "db":
		dbRecorder, err := audit.NewDBRecorder(cfg.DB, cfg.AuditMaxEntries)
		if err != nil {
			return nil, fmt.Errorf("failed to create audit recorder: %w", err)
		}
		if onEvict != nil {
			dbRecorder.OnEvict(onEvict)
		}
		recorder = dbRecorder
	case "memory":
		memRecorder := audit.NewMemRecorder(cfg.AuditMaxEntries)
		if onEvict != nil {
			memRecorder.OnEvict(onEvict)
		}
		recorder = memRecorder
	default:
		return nil, fmt.Errorf("unknown audit backend %q", cfg.AuditBackend)
	}

	manager := &Manager{
		store:    store,
		cache:    cache,
		recorder: recorder,
		logger:   cfg.Logger,
		metrics:  cfg.Metrics,
	}
	manager.service = NewService(ServiceConfig{
		Store:        store,
		Cache:        cache,
		Recorder:     recorder,
		Logger:       cfg.Logger,
		Metrics:      cfg.Metrics,
		DecisionTTL:  cfg.DecisionTTL,
		CacheBackend: string(cfg.Backend),
	})

	if cfg.Backend == CacheBackendSQL {
		if err := manager.startSweeper(cfg.SweepSchedule); err != nil {
			return nil, err
		}
	}

	return manager, nil
}

// Service returns the permission service
func (m *Manager) Service() *Service {
	return m.service
}

// Recorder returns the audit recorder for the audit HTTP handlers
func (m *Manager) Recorder() audit.Recorder {
	return m.recorder
}

// startSweeper schedules expired-row cleanup for the sql cache backend.
// The sweeper is housekeeping only: reads already filter on expires_at.
func (m *Manager) startSweeper(schedule string) error {
	sqlCache, ok := m.cache.(*SQLDecisionCache)
	if !ok {
		return nil
	}
	if schedule == "" {
		schedule = "*/5 * * * *"
	}

	m.cron = cron.New()
	_, err := m.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		swept, err := sqlCache.SweepExpired(ctx)
		if err != nil {
			m.logger.WithError(err).Warn("decision cache sweep failed")
			return
		}
		if swept > 0 {
			m.logger.WithField("rows", swept).Debug("swept expired decisions")
			if m.metrics != nil {
				m.metrics.CacheSweptTotal.Add(float64(swept))
			}
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cache sweeper: %w", err)
	}
	m.cron.Start()
	return nil
}

// Close stops the sweeper and releases cache and recorder resources
func (m *Manager) Close() error {
	if m.cron != nil {
		m.cron.Stop()
	}
	if err := m.cache.Close(); err != nil {
		return err
	}
	return m.recorder.Close()
}
