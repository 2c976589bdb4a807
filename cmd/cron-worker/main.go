package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/esimhub-backend/internal/app"
	"github.com/angelmondragon/esimhub-backend/internal/cron"
	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/instance"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/metrics"
	"github.com/angelmondragon/esimhub-backend/pkg/migrate"
	"github.com/angelmondragon/esimhub-backend/pkg/redis"
)

const serviceKind = "cron-worker"

func main() {
	once := flag.Bool("once", false, "run every job a single time and exit")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		logger.New(logger.Options{ServiceName: serviceKind}).Error(context.Background(), "load config", err)
		os.Exit(1)
	}
	cfg.Service.Kind = serviceKind
	logg := logger.New(logger.Options{
		ServiceName: serviceKind,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"instance":    instance.GetID(),
	})

	if err := run(ctx, cfg, logg, *once); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "cron worker stopped", err)
		os.Exit(1)
	}
	logg.Info(ctx, "cron worker shut down")
}

// run wires the job registry behind the Redis lock. With once set it runs a
// single cycle and returns its combined job errors.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, once bool) error {
	dbClient, err := db.New(ctx, cfg.DB, logg)
	if err != nil {
		return fmt.Errorf("database: %w", err)
	}
	defer closeQuietly(ctx, logg, "database", dbClient.Close)

	if err := migrate.MaybeRunDev(ctx, cfg, logg, dbClient); err != nil {
		return fmt.Errorf("dev migrations: %w", err)
	}

	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer closeQuietly(ctx, logg, "redis", redisClient.Close)

	services, err := app.Build(ctx, cfg, logg, dbClient, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	registry, err := buildRegistry(cfg, logg, dbClient, services)
	if err != nil {
		return fmt.Errorf("register cron jobs: %w", err)
	}
	lock, err := cron.NewRedisLock(redisClient, lockName(cfg.App.Env), cfg.Cron.LockTTL)
	if err != nil {
		return fmt.Errorf("cron lock: %w", err)
	}
	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Cron.Interval,
	})
	if err != nil {
		return err
	}

	ctx = logg.WithField(ctx, "jobs", registry.Names())
	if once {
		logg.Info(ctx, "running cron jobs once")
		return service.RunOnce(ctx)
	}
	logg.Info(ctx, "cron worker ready")
	return service.Run(ctx)
}

func closeQuietly(ctx context.Context, logg *logger.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, "close "+name, err)
	}
}

func buildRegistry(cfg *config.Config, logg *logger.Logger, dbClient *db.Client, services *app.Services) (*cron.Registry, error) {
	var jobs []cron.Job

	retry, err := cron.NewRetrySweepJob(logg, services.Fulfillment)
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, retry)

	stalled, err := cron.NewStalledOrderJob(cron.StalledOrderJobParams{
		Logger:    logg,
		DB:        dbClient,
		Orders:    services.Orders,
		Outbox:    services.Outbox,
		BatchSize: cfg.Fulfillment.RetryBatchSize,
	})
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, stalled)

	for _, supplier := range services.Adapters.Suppliers() {
		job, err := cron.NewStatusSyncJob(cron.StatusSyncJobParams{
			Logger:   logg,
			Sweeper:  services.Reconciliation,
			Supplier: supplier,
			Limit:    cfg.Reconciliation.SweepBatchSize,
		})
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	retention, err := cron.NewOutboxRetentionJob(cron.OutboxRetentionJobParams{
		Logger:           logg,
		DB:               dbClient,
		Repository:       services.OutboxRepo,
		Retention:        time.Duration(cfg.Outbox.RetentionDays) * 24 * time.Hour,
		TerminalAttempts: cfg.Outbox.MaxAttempts,
		BatchSize:        cfg.Outbox.PruneBatchSize,
	})
	if err != nil {
		return nil, err
	}
	jobs = append(jobs, retention)

	registry := cron.NewRegistry()
	if err := registry.Register(jobs...); err != nil {
		return nil, err
	}
	return registry, nil
}

func lockName(env string) string {
	if env == "" {
		env = "local"
	}
	return "cron-worker:" + env
}
