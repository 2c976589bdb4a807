package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/angelmondragon/esimhub-backend/internal/analytics/router"
	"github.com/angelmondragon/esimhub-backend/internal/analytics/types"
	"github.com/angelmondragon/esimhub-backend/internal/analytics/worker"
	"github.com/angelmondragon/esimhub-backend/internal/analytics/writer"
	"github.com/angelmondragon/esimhub-backend/internal/dedupe"
	"github.com/angelmondragon/esimhub-backend/pkg/bigquery"
	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/instance"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/pubsub"
	"github.com/angelmondragon/esimhub-backend/pkg/redis"
)

const serviceKind = "analytics-worker"

func main() {
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
		"env":          cfg.App.Env,
		"serviceKind":  serviceKind,
		"subscription": cfg.PubSub.AnalyticsSubscription,
		"table":        cfg.BigQuery.SalesTable,
		"instance":     instance.GetID(),
	})

	if err := run(ctx, cfg, logg); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "analytics worker stopped", err)
		os.Exit(1)
	}
	logg.Info(ctx, "analytics worker shut down")
}

// run wires Redis dedupe, the esim_sales table and the analytics
// subscription, then consumes until ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger) error {
	redisClient, err := redis.New(ctx, cfg.Redis, logg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer closeQuietly(ctx, logg, "redis", redisClient.Close)

	pubsubClient, err := pubsub.NewClient(ctx, cfg.GCP, cfg.PubSub, logg)
	if err != nil {
		return fmt.Errorf("pubsub: %w", err)
	}
	defer closeQuietly(ctx, logg, "pubsub", pubsubClient.Close)

	bqClient, err := bigquery.NewClient(ctx, cfg.GCP, cfg.BigQuery, logg)
	if err != nil {
		return fmt.Errorf("bigquery: %w", err)
	}
	defer closeQuietly(ctx, logg, "bigquery", bqClient.Close)

	if err := bqClient.EnsureTable(ctx, bigquery.TableSpec{
		Name:           cfg.BigQuery.SalesTable,
		Schema:         types.SalesSchema(),
		PartitionField: "occurred_at",
	}); err != nil {
		return fmt.Errorf("sales table: %w", err)
	}
	if err := pubsubClient.EnsureSubscription(ctx, cfg.PubSub.AnalyticsSubscription); err != nil {
		return fmt.Errorf("analytics subscription: %w", err)
	}
	subscription := pubsubClient.AnalyticsSubscriber()
	if subscription == nil {
		return errors.New("analytics subscription not configured")
	}

	guard, err := dedupe.ConsumerGuard(redisClient, cfg.Eventing.OutboxIdempotencyTTL, "analytics")
	if err != nil {
		return err
	}
	sales, err := writer.New(bqClient, writer.Config{SalesTable: cfg.BigQuery.SalesTable})
	if err != nil {
		return err
	}
	handler, err := router.NewRouter(sales, logg)
	if err != nil {
		return err
	}
	service, err := worker.NewService(subscription, handler, guard, logg)
	if err != nil {
		return err
	}

	logg.Info(ctx, "analytics worker ready")
	return service.Run(ctx)
}

func closeQuietly(ctx context.Context, logg *logger.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, "close "+name, err)
	}
}
