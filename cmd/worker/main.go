package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/app"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/bus"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/clock"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/config"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/domain"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/idempotency"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/market"
	"github.com/vhalvarez/lunch-microservices-sub000/internal/storage/postgres"
	transportbus "github.com/vhalvarez/lunch-microservices-sub000/internal/transport/bus"
	"github.com/vhalvarez/lunch-microservices-sub000/migrations"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	startupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(startupCtx, cfg.Database.URL)
	if err != nil {
		logger.Fatal("connect to db", zap.Error(err))
	}
	defer pool.Close()

	if err := pool.Ping(startupCtx); err != nil {
		logger.Fatal("db ping", zap.Error(err))
	}
	if err := migrations.Apply(startupCtx, pool); err != nil {
		logger.Fatal("apply migrations", zap.Error(err))
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(startupCtx).Err(); err != nil {
		logger.Fatal("redis ping", zap.Error(err))
	}

	eventBus, err := bus.Dial(cfg.Bus.URL, cfg.Bus.Exchange, cfg.Bus.Prefetch, logger)
	if err != nil {
		logger.Fatal("connect to broker", zap.Error(err))
	}
	defer eventBus.Close()

	clk := clock.NewSystem()

	reservationRepo := postgres.NewReservationRepository(pool)
	marketRepo := postgres.NewMarketRepository(pool)

	reservationSvc := app.NewReservationService(reservationRepo, clk)

	breaker := app.NewBreaker(app.BreakerConfig{
		Window:     cfg.Market.BreakerWindow,
		Threshold:  cfg.Market.BreakerThreshold,
		MinSamples: cfg.Market.BreakerMinSamples,
		CoolDown:   cfg.Market.BreakerCoolDown,
	}, clk)
	marketClient := market.NewClient(cfg.Market.BaseURL, cfg.Market.Timeout)
	marketSvc := app.NewMarketService(marketClient, marketRepo, breaker, eventBus, clk, logger,
		cfg.Market.MaxAttempts, cfg.Market.BaseBackoff)

	guard := idempotency.NewRedisGuard(rdb, cfg.Idempotency.Prefix)
	handlers := transportbus.NewHandlers(reservationSvc, marketSvc, guard, eventBus, cfg.Idempotency.TTL, logger)

	sweepLock := idempotency.NewRedisLock(rdb, cfg.Reconciler.LockKey, cfg.Reconciler.LockTTL)
	reconciler := app.NewReconciler(reservationRepo, sweepLock, eventBus, clk, logger, app.ReconcilerConfig{
		Interval:   cfg.Reconciler.Interval,
		BaseDelay:  cfg.Reconciler.BaseDelay,
		MaxRetries: cfg.Reconciler.MaxRetries,
		BatchLimit: cfg.Reconciler.BatchLimit,
	})

	runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	subscriptions := []struct {
		queue    string
		bindings []string
		handler  bus.Handler
	}{
		{transportbus.QueueReservationRequested, []string{domain.RouteReservationRequested}, handlers.HandleReservationRequested},
		{transportbus.QueuePurchaseRequested, []string{domain.RoutePurchaseRequested}, handlers.HandlePurchaseRequested},
		{transportbus.QueuePurchaseCompleted, []string{domain.RoutePurchaseCompleted}, handlers.HandlePurchaseCompleted},
		{transportbus.QueuePurchaseFailed, []string{domain.RoutePurchaseFailed}, handlers.HandlePurchaseFailed},
	}

	var wg sync.WaitGroup
	for _, sub := range subscriptions {
		sub := sub
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := eventBus.Subscribe(runCtx, sub.queue, sub.bindings, sub.handler); err != nil {
				logger.Error("subscription ended", zap.String("queue", sub.queue), zap.Error(err))
				stop()
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		reconciler.Run(runCtx)
	}()

	logger.Info("fulfillment worker started")

	<-runCtx.Done()
	logger.Info("shutdown signal received, stopping consumers")
	wg.Wait()
	logger.Info("worker stopped")
}
