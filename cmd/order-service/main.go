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
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/dedup"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/downstream"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/events"
	httpapi "github.com/andreasstove999/ecommerce-system/order-saga/internal/http"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/logging"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/metrics"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/order"
	"github.com/andreasstove999/ecommerce-system/order-saga/internal/saga"
)

const serviceName = "order-service"

func main() {
	_ = godotenv.Load()
	cfg := config.Load(serviceName, ":8002")

	logger, err := logging.New(serviceName, cfg.Env, cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseDSN, db.OrderMigrations, logger); err != nil {
			logger.Fatal("migrations", zap.Error(err))
		}
	}
	database, err := db.Open(ctx, cfg.DatabaseDSN)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer database.Close()

	m := metrics.New()
	orderCache := cache.Dial(ctx, cfg.Redis, logger)
	store := order.NewStore(order.NewRepository(database), orderCache, logger)

	bus := events.NewClient(events.Options{
		URL:              cfg.Bus.URL,
		Exchange:         cfg.Bus.Exchange,
		ConnectAttempts:  cfg.Bus.ConnectAttempts,
		ConnectBaseDelay: cfg.Bus.ConnectBaseDelay,
		PublishTimeout:   cfg.Bus.PublishTimeout,
		DelayedTTL:       cfg.Bus.DelayedTTL,
		Prefetch:         cfg.Bus.Prefetch,
		RedeliveryDelay:  cfg.Bus.RedeliveryDelay,
	}, logger, m)
	if err := bus.Connect(ctx); err != nil {
		logger.Fatal("rabbitmq", zap.Error(err))
	}
	defer bus.Close()
	topo, err := bus.Topology(ctx)
	if err != nil {
		logger.Fatal("rabbitmq topology", zap.Error(err))
	}
	if err := topo.DeclareExchange(bus.Exchange()); err != nil {
		logger.Fatal("declare exchange", zap.Error(err))
	}

	client := downstream.NewClient(serviceName, downstream.Options{
		Timeout: cfg.Downstream.Timeout,
		Get: downstream.Policy{
			MaxAttempts: cfg.Downstream.GetAttempts,
			MinBackoff:  cfg.Downstream.GetMinBackoff,
			MaxBackoff:  cfg.Downstream.GetMaxBackoff,
		},
		Post: downstream.Policy{
			MaxAttempts: cfg.Downstream.PostAttempts,
			MinBackoff:  cfg.Downstream.PostMinBackoff,
			MaxBackoff:  cfg.Downstream.PostMaxBackoff,
		},
	}, logger, m)
	users := downstream.NewUserService(client, cfg.UserServiceURL)
	dishes := downstream.NewMenuService(client, cfg.MenuServiceURL)

	coordinator := saga.NewCoordinator(saga.Deps{
		Store:     store,
		Publisher: bus,
		Users:     users,
		Menu:      dishes,
		Dedup:     dedup.NewRepository(database),
		Logger:    logger,
		Metrics:   m,
	}, saga.Options{
		DelayOnUnavailable: cfg.Saga.DelayOnUnavailable,
		MaxDelayedAttempts: cfg.Saga.MaxDelayedAttempts,
	})
	if err := coordinator.Register(ctx, bus, serviceName); err != nil {
		logger.Fatal("register consumers", zap.Error(err))
	}

	router := httpapi.NewOrderRouter(httpapi.OrderRouterDeps{
		Handler: httpapi.NewOrderHandler(store, coordinator, dishes, logger),
		Limiter: httpapi.NewRateLimiter(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst),
		Logger:  logger,
		Metrics: m.Handler(),
	})
	if err := httpapi.Serve(ctx, cfg.HTTPAddr, router, logger); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
