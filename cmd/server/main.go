// Package main runs the registration payments HTTP server with graceful shutdown.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-events/backend/config"
	"github.com/aura-events/backend/internal/auth"
	"github.com/aura-events/backend/internal/instamojo"
	"github.com/aura-events/backend/internal/metrics"
	"github.com/aura-events/backend/internal/middleware"
	"github.com/aura-events/backend/internal/models"
	"github.com/aura-events/backend/internal/otp"
	"github.com/aura-events/backend/internal/payments"
	"github.com/aura-events/backend/internal/realtime"
	"github.com/aura-events/backend/internal/registrants"
	"github.com/aura-events/backend/internal/worker"
	"github.com/aura-events/backend/pkg/database"
	"github.com/aura-events/backend/pkg/queue"
	"github.com/aura-events/backend/pkg/redis"
	"github.com/aura-events/backend/pkg/storage"
)

func main() {
	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, cfg.Database.DSN(), cfg.Database.MaxConns, logger)
	if err != nil {
		logger.Fatal("database", zap.Error(err))
	}
	defer pool.Close()

	if err := database.Migrate(ctx, pool, logger); err != nil {
		logger.Fatal("migrate", zap.Error(err))
	}

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

	// Raw webhook archive (optional)
	var archiver payments.Archiver
	if cfg.AWS.WebhookArchiveBucket != "" {
		s3Client, err := storage.NewS3(ctx, storage.S3Config{
			Region:               cfg.AWS.Region,
			AccessKeyID:          cfg.AWS.AccessKeyID,
			SecretAccessKey:      cfg.AWS.SecretAccessKey,
			WebhookArchiveBucket: cfg.AWS.WebhookArchiveBucket,
		}, logger)
		if err != nil {
			logger.Warn("webhook archive disabled", zap.Error(err))
		} else {
			archiver = s3Client
		}
	}

	jwtService := auth.NewJWTService(cfg.JWT.Secret, time.Duration(cfg.JWT.ExpireHours)*time.Hour)
	jobQueue := queue.NewQueue(rdb.Client, logger)

	// Live payment status
	hub := realtime.NewHub(logger, realtime.NewRedisPubSub(rdb.Client, logger))

	// Payments
	gateway := instamojo.NewClient(cfg.Payment.APIKey, cfg.Payment.AuthToken, cfg.Payment.BaseURL)
	if !gateway.Configured() {
		logger.Warn("instamojo credentials missing; orders are recorded locally")
	}
	ledger := payments.NewLedger(pool)
	registrantRepo := registrants.NewRepository(pool)
	notifier := payments.NewNotifier(cfg.Payment.InternalAPIBase, cfg.Payment.FanOutTimeout, logger)

	orders := payments.NewOrderService(gateway, ledger, payments.OrderConfig{
		PublicWebhookURL: cfg.Payment.PublicWebhookURL,
		BackendOrigin:    cfg.Payment.BackendOrigin,
		FrontendOrigin:   cfg.Payment.FrontendOrigin,
		Currency:         cfg.Payment.Currency,
		CreateTimeout:    cfg.Payment.CreateTimeout,
	}, logger)
	engine := payments.NewEngine(gateway, ledger, registrantRepo, notifier, hub, archiver, payments.EngineConfig{
		Vocabulary:    payments.NewStatusVocabulary(cfg.Payment.PaidStatuses, cfg.Payment.FailedStatuses),
		WebhookSalt:   cfg.Payment.WebhookSalt,
		VerifyTimeout: cfg.Payment.VerifyTimeout,
		FanOutTimeout: cfg.Payment.FanOutTimeout,
	}, logger)
	paymentHandler := payments.NewHandler(orders, engine, ledger, logger)
	registrantHandler := registrants.NewHandler(registrantRepo, logger)

	// One-time codes
	otpService := otp.NewService(otp.NewRedisStore(rdb.Client), otp.NewQueueMailer(jobQueue), otp.Config{
		TTL:         cfg.OTP.TTL,
		Cooldown:    cfg.OTP.Cooldown,
		MaxPerHour:  cfg.OTP.MaxPerHour,
		MaxAttempts: cfg.OTP.MaxAttempts,
	}, logger)
	otpHandler := otp.NewHandler(otpService, logger)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CORS(cfg.Server.CORSAllowedOrigins))
	router.Use(middleware.Logger(logger))
	router.Use(metrics.Middleware())

	// Health
	router.GET("/health", healthHandler(map[string]healthCheck{
		"postgres": pool.Ping,
		"redis":    rdb.Healthy,
	}, logger))
	router.GET("/metrics", metrics.Handler())

	// Public payment surface (no JWT; the webhook is verified against the provider)
	pay := router.Group("/payment")
	{
		pay.POST("/create-order", paymentHandler.CreateOrder)
		pay.GET("/status", paymentHandler.Status)
		pay.POST("/webhook", paymentHandler.Webhook)
		pay.GET("/status/ws", realtime.ServeWs(hub, func(ctx context.Context, ref string) (string, error) {
			return payments.LatestStatus(ctx, ledger, ref)
		}, logger))
	}

	otpGroup := router.Group("/otp")
	{
		otpGroup.POST("/send", otpHandler.Send)
		otpGroup.POST("/verify", otpHandler.Verify)
	}

	// Back office (JWT required)
	admin := router.Group("/admin")
	admin.Use(middleware.JWT(jwtService), middleware.RequireRole(models.RoleAdmin, models.RoleFinance))
	{
		admin.GET("/payments", paymentHandler.List)
		admin.POST("/payments/reconcile", paymentHandler.Reconcile)
		admin.GET("/registrants/:entity/:id/payment", registrantHandler.PaymentView)
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	// Optional in-process reconciliation (normally cmd/worker)
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.Reconcile.Enabled && gateway.Configured() {
		sweeper := worker.NewSweeper(ledger, jobQueue, worker.SweeperConfig{
			Interval:   cfg.Reconcile.Interval,
			StaleAfter: cfg.Reconcile.StaleAfter,
			MaxAge:     cfg.Reconcile.MaxAge,
			Batch:      cfg.Reconcile.Batch,
		}, logger)
		processor := worker.NewReconcileProcessor(engine, jobQueue, logger)
		go sweeper.Run(workerCtx)
		go processor.Run(workerCtx)
		logger.Info("reconcile worker started in server")
	}

	go func() {
		logger.Info("server listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	workerCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}
	engine.Wait()
	logger.Info("server stopped")
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	logger, _ := config.Build()
	return logger
}
