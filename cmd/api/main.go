package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/angelmondragon/esimhub-backend/api/routes"
	"github.com/angelmondragon/esimhub-backend/internal/app"
	"github.com/angelmondragon/esimhub-backend/internal/dedupe"
	"github.com/angelmondragon/esimhub-backend/pkg/config"
	"github.com/angelmondragon/esimhub-backend/pkg/db"
	"github.com/angelmondragon/esimhub-backend/pkg/instance"
	"github.com/angelmondragon/esimhub-backend/pkg/logger"
	"github.com/angelmondragon/esimhub-backend/pkg/migrate"
	"github.com/angelmondragon/esimhub-backend/pkg/redis"
)

const (
	serviceKind       = "api"
	shutdownTimeout   = 30 * time.Second
	readHeaderTimeout = 10 * time.Second
)

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

	// PORT is set by the hosting platform and wins over config.
	port := os.Getenv("PORT")
	if port == "" {
		port = cfg.App.Port
	}
	addr := ":" + port

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": serviceKind,
		"addr":        addr,
		"instance":    instance.GetID(),
	})

	if err := run(ctx, cfg, logg, addr); err != nil {
		logg.Error(ctx, "api server stopped", err)
		os.Exit(1)
	}
	logg.Info(ctx, "api server shut down")
}

// run wires storage and services, serves HTTP on addr and drains in-flight
// requests once ctx is canceled.
func run(ctx context.Context, cfg *config.Config, logg *logger.Logger, addr string) error {
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

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	services, err := app.Build(ctx, cfg, logg, dbClient, metricsRegistry)
	if err != nil {
		return fmt.Errorf("wire services: %w", err)
	}
	stripeGuard, err := dedupe.WebhookGuard(redisClient, cfg.Eventing.WebhookIdempotencyTTL, "stripe")
	if err != nil {
		return fmt.Errorf("stripe webhook guard: %w", err)
	}

	server := &http.Server{
		Addr: addr,
		Handler: routes.NewRouter(
			cfg,
			logg,
			metricsRegistry,
			dbClient,
			redisClient,
			services.Ledger,
			services.Checkout,
			services.Payments,
			services.Fulfillment,
			services.OrderQueries,
			services.Reconciliation,
			services.Stripe,
			stripeGuard,
		),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ListenAndServe() }()
	logg.Info(ctx, "api server listening")

	select {
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	logg.Info(ctx, "draining api server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func closeQuietly(ctx context.Context, logg *logger.Logger, name string, closeFn func() error) {
	if err := closeFn(); err != nil {
		logg.Error(ctx, "close "+name, err)
	}
}
