package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/payment-reconciler/internal/app"
	"github.com/angelmondragon/payment-reconciler/internal/cron"
	"github.com/angelmondragon/payment-reconciler/pkg/config"
	"github.com/angelmondragon/payment-reconciler/pkg/db"
	"github.com/angelmondragon/payment-reconciler/pkg/instance"
	"github.com/angelmondragon/payment-reconciler/pkg/logger"
	"github.com/angelmondragon/payment-reconciler/pkg/metrics"
	"github.com/angelmondragon/payment-reconciler/pkg/migrate"
	"github.com/angelmondragon/payment-reconciler/pkg/redis"
)

const serviceName = "reconcile-worker"

func main() {
	once := flag.Bool("once", false, "run a single reconciliation cycle, print its summary and exit")
	flag.Parse()

	logg := logger.New(logger.Options{ServiceName: serviceName})

	if err := godotenv.Load(); err != nil {
		logg.Warn(context.Background(), ".env file not found, relying on environment")
	}

	cfg, err := config.Load()
	if err != nil {
		logg.Error(context.Background(), "failed to load config", err)
		os.Exit(1)
	}

	cfg.Service.Kind = serviceName

	logg = logger.New(logger.Options{
		ServiceName: serviceName,
		Level:       logger.ParseLevel(cfg.App.LogLevel),
		WarnStack:   cfg.App.LogWarnStack,
	})

	dbClient, err := db.New(context.Background(), cfg.DB, cfg.FeatureFlags.UseSQLite, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap database", err)
		os.Exit(1)
	}
	defer func() {
		if err := dbClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing database", err)
		}
	}()

	if err := migrate.MaybeRunDev(context.Background(), cfg, logg, dbClient); err != nil {
		logg.Error(context.Background(), "failed to run dev migrations", err)
		os.Exit(1)
	}

	redisClient, err := redis.New(context.Background(), cfg.Redis, logg)
	if err != nil {
		logg.Error(context.Background(), "failed to bootstrap redis", err)
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logg.Error(context.Background(), "error closing redis", err)
		}
	}()

	reconciler, err := app.NewReconciler(context.Background(), app.Params{
		Config:     cfg,
		Logger:     logg,
		DB:         dbClient,
		Redis:      redisClient,
		Registerer: prometheus.DefaultRegisterer,
	})
	if err != nil {
		logg.Error(context.Background(), "failed to wire reconciler", err)
		os.Exit(1)
	}
	defer func() {
		if err := reconciler.Close(); err != nil {
			logg.Error(context.Background(), "error closing reconciler clients", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = logg.WithFields(ctx, map[string]any{
		"env":         cfg.App.Env,
		"serviceKind": cfg.Service.Kind,
		"instance":    instance.GetID(),
	})

	if *once {
		summary, err := reconciler.Coordinator.RunCycle(ctx)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(summary)
		if err != nil {
			logg.Error(ctx, "reconcile cycle aborted", err)
			os.Exit(1)
		}
		return
	}

	warmup, err := cron.NewTokenWarmupJob(cron.TokenWarmupJobParams{Logger: logg, Tokens: reconciler.Credentials})
	if err != nil {
		logg.Error(ctx, "failed to create token warm-up job", err)
		os.Exit(1)
	}
	reconcileJob, err := cron.NewReconcileJob(cron.ReconcileJobParams{Logger: logg, Coordinator: reconciler.Coordinator})
	if err != nil {
		logg.Error(ctx, "failed to create reconcile job", err)
		os.Exit(1)
	}
	outboxJob, err := cron.NewAlertOutboxJob(cron.AlertOutboxJobParams{
		Logger:    logg,
		Outbox:    reconciler.Outbox,
		Retention: cfg.Alerts.OutboxRetention,
	})
	if err != nil {
		logg.Error(ctx, "failed to create alert outbox job", err)
		os.Exit(1)
	}
	registry := cron.NewRegistry()
	for _, job := range []cron.Job{warmup, reconcileJob, outboxJob} {
		if err := registry.Register(job); err != nil {
			logg.Error(ctx, "failed to register cron job", err)
			os.Exit(1)
		}
	}

	lock, err := cron.NewRedisLock(redisClient, redisClient.LockKey(serviceName, cfg.App.Env), cfg.Reconcile.Interval)
	if err != nil {
		logg.Error(ctx, "failed to create cron lock", err)
		os.Exit(1)
	}

	service, err := cron.NewService(cron.ServiceParams{
		Logger:   logg,
		Registry: registry,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(prometheus.DefaultRegisterer),
		Interval: cfg.Reconcile.Interval,
	})
	if err != nil {
		logg.Error(ctx, "failed to create cron service", err)
		os.Exit(1)
	}

	logg.Info(ctx, "starting reconcile worker")

	if err := service.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logg.Error(ctx, "reconcile worker stopped unexpectedly", err)
		os.Exit(1)
	}

	logg.Info(ctx, "reconcile worker shutting down gracefully")
}
