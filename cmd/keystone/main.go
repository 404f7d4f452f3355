package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/keystonehq/keystone/pkg/api"
	"github.com/keystonehq/keystone/pkg/config"
	"github.com/keystonehq/keystone/pkg/iam"
	"github.com/keystonehq/keystone/pkg/observability"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "keystone: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)
	var metrics *observability.Metrics
	if cfg.Observability.MetricsEnabled {
		metrics = observability.NewMetrics()
	}

	ctx := context.Background()

	db, err := sql.Open("postgres", cfg.Database.PostgresURL)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(cfg.Database.MaxConns)
	db.SetMaxIdleConns(cfg.Database.MinConns)
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to reach database: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Cache.Backend == "redis" {
		opts, err := redis.ParseURL(cfg.Cache.RedisURL)
		if err != nil {
			return fmt.Errorf("failed to parse redis URL: %w", err)
		}
		if cfg.Cache.RedisPassword != "" {
			opts.Password = cfg.Cache.RedisPassword
		}
		opts.DB = cfg.Cache.RedisDB
		redisClient = redis.NewClient(opts)
		if err := redisClient.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis: %w", err)
		}
	}

	manager, err := iam.NewManager(ctx, iam.ManagerConfig{
		DB:              db,
		Redis:           redisClient,
		Backend:         iam.CacheBackend(cfg.Cache.Backend),
		CacheSize:       cfg.Cache.MemoryMaxEntries,
		DecisionTTL:     cfg.Cache.TTL,
		AuditBackend:    cfg.Audit.Backend,
		AuditMaxEntries: cfg.Audit.MaxEntries,
		SweepSchedule:   fmt.Sprintf("@every %s", cfg.Cache.SweepInterval),
		Logger:          logger,
		Metrics:         metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build IAM stack: %w", err)
	}
	service := manager.Service()

	if cfg.Navigation.MenuFile != "" {
		menu, err := iam.LoadMenuFile(cfg.Navigation.MenuFile)
		if err != nil {
			return fmt.Errorf("failed to load menu file: %w", err)
		}
		if err := service.ApplyMenuFile(ctx, menu); err != nil {
			return fmt.Errorf("failed to apply menu file: %w", err)
		}
		logger.WithField("path", cfg.Navigation.MenuFile).Info("menu file applied")
	}

	watchCtx, cancelWatch := context.WithCancel(ctx)
	defer cancelWatch()
	if cfg.Navigation.WatchMenuFile && cfg.Navigation.MenuFile != "" {
		go func() {
			if err := service.WatchMenuFile(watchCtx, cfg.Navigation.MenuFile); err != nil {
				logger.WithError(err).Error("menu file watcher stopped")
			}
		}()
	}

	server, err := api.NewServer(ctx, api.Dependencies{
		Config:   cfg,
		Service:  service,
		Recorder: manager.Recorder(),
		DB:       db,
		Redis:    redisClient,
		Logger:   logger,
		Metrics:  metrics,
	})
	if err != nil {
		return fmt.Errorf("failed to build server: %w", err)
	}

	mainServer, healthServer := server.HTTPServers(cfg)

	shutdown := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, mainServer, healthServer)
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		cancelWatch()
		return manager.Close()
	})
	// The redis client is owned by the cache and closed through the
	// manager, so only the database handle remains.
	shutdown.RegisterShutdownFunc(func(context.Context) error {
		return db.Close()
	})

	go func() {
		logger.WithField("addr", healthServer.Addr).Info("health server listening")
		if err := healthServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("health server failed")
		}
	}()

	logger.WithFields(map[string]interface{}{
		"addr":          mainServer.Addr,
		"cache_backend": cfg.Cache.Backend,
		"auth_mode":     cfg.Auth.Mode,
	}).Info("keystone IAM server listening")
	go func() {
		if err := mainServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Error("server failed")
		}
	}()

	return shutdown.WaitForShutdown()
}
