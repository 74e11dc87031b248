package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/andreasstove999/ecommerce-system/order-saga/internal/cache"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/config"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/db"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
	httpapi "github.com/andreasstove999/ecommerce-system/order-saga/internal/http"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/menu"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/metrics"
)

const serviceName = "menu-service"

func main() {
	_ = godotenv.Load()
	cfg := config.Load(serviceName, ":8001")

	logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseDSN, db.MenuMigrations, logger); err != nil {
			logger.Fatal("migrations", zap.Error(err))
		}
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	m := metrics.New()
	bus := events.NewClient(events.Options{
		URL:              cfg.Bus.URL,
		Exchange:         cfg.Bus.Exchange,
		ConnectAttempts:  cfg.Bus.ConnectAttempts,
		ConnectBaseDelay: cfg.Bus.ConnectBaseDelay,
		PublishTimeout:   cfg.Bus.PublishTimeout,
		Prefetch:         cfg.Bus.Prefetch,
		RedeliveryDelay:  cfg.Bus.RedeliveryDelay,
	}, logger, m)
	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("rabbitmq", zap.Error(err))
	}
	defer bus.Close()

	repo := menu.NewPostgresRepository(pool)
	svc := menu.NewService(repo, cache.Dial(ctx, cfg.Redis, logger), bus, logger)

	participant := menu.NewParticipant(repo, bus, logger, m)
	if err := participant.Register(ctx, bus, serviceName); err != nil {
		logger.Fatal("register consumers", zap.Error(err))
	}

	router := httpapi.NewMenuRouter(httpapi.MenuRouterDeps{
		Handler: httpapi.NewMenuHandler(svc, logger),
		Logger:  logger,
		Metrics: m.Handler(),
	})

	if err := httpapi.Serve(ctx, cfg.HTTPAddr, router, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
