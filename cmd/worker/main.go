// Package main runs the payment reconciliation worker (stale order sweeper and reconcile jobs).
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-events/backend/config"
	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/payments"
	"github.com/aura-events/backend/internal/realtime"
	"github.com/aura-events/backend/internal/registrants"
	"github.com/aura-events/backend/internal/worker"
	"github.com/aura-events/backend/pkg/database"
	"github.com/aura-events/backend/pkg/queue"
	"github.com/aura-events/backend/pkg/redis"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	gateway := instamojo.NewClient(cfg.Payment.APIKey, cfg.Payment.AuthToken, cfg.Payment.BaseURL)
	if !gateway.Configured() {
		logger.Fatal("instamojo credentials required for reconciliation")
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	rdb, err := redis.Connect(ctx, redis.Config{
		Addr:      cfg.Redis.Addr,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		PoolSize:  cfg.Redis.PoolSize,
		OpTimeout: cfg.Redis.OpTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	ledger := payments.NewLedger(pool)
	engine := payments.NewEngine(
		gateway,
		ledger,
		registrants.NewRepository(pool),
		payments.NewNotifier(cfg.Payment.InternalAPIBase, cfg.Payment.FanOutTimeout, logger),
		realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, logger)),
		nil,
		payments.EngineConfig{
			Vocabulary:    payments.NewStatusVocabulary(cfg.Payment.PaidStatuses, cfg.Payment.FailedStatuses),
			WebhookSalt:   cfg.Payment.WebhookSalt,
			VerifyTimeout: cfg.Payment.VerifyTimeout,
			FanOutTimeout: cfg.Payment.FanOutTimeout,
		},
		logger,
	)

	jobQueue := queue.NewQueue(rdb.Client, logger)
	sweeper := worker.NewSweeper(ledger, jobQueue, worker.SweeperConfig{
		Interval:   cfg.Reconcile.Interval,
		StaleAfter: cfg.Reconcile.StaleAfter,
		MaxAge:     cfg.Reconcile.MaxAge,
		Batch:      cfg.Reconcile.Batch,
	}, logger)
	processor := worker.NewReconcileProcessor(engine, jobQueue, logger)

	workerCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go sweeper.Run(workerCtx)
	go processor.Run(workerCtx)
	logger.Info("worker started", zap.Duration("interval", cfg.Reconcile.Interval), zap.Duration("stale_after", cfg.Reconcile.StaleAfter))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	cancel()
	time.Sleep(2 * time.Second)
	engine.Wait()
	logger.Info("worker stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
