package main

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/handler"
	"github.com/kursadbilgin/citation-pipeline/internal/infra/postgresql"
	"github.com/kursadbilgin/citation-pipeline/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/citation-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/provider"
	"github.com/kursadbilgin/citation-pipeline/internal/queue"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"github.com/kursadbilgin/citation-pipeline/internal/service"
	"github.com/kursadbilgin/citation-pipeline/internal/transport"
	"go.uber.org/zap"
)

const (
	apiMaxOpenConns = 20
	shutdownTimeout = 10 * time.Second
	apiBodyLimit    = 64 * 1024
	apiReadTimeout  = 10 * time.Second
	apiWriteTimeout = 10 * time.Minute
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "api")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, apiMaxOpenConns)
	if err != nil {
		logger.Fatal("postgres initialization failed", zap.Error(err))
	}

	if err := migrations.Migrate(db); err != nil {
		logger.Fatal("database migrations failed", zap.Error(err))
	}

	sqlDB, err := db.DB()
	if err != nil {
		logger.Fatal("postgres underlying db init failed", zap.Error(err))
	}
	defer sqlDB.Close()

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis initialization failed", zap.Error(err))
	}
	defer rdb.Close()

	rabbit, err := queue.NewRabbitMQ(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatal("rabbitmq initialization failed", zap.Error(err))
	}
	defer rabbit.Close()

	authAPI, err := provider.NewAuthAPI(cfg.AuthAPIURL, cfg.AuthServiceKey)
	if err != nil {
		logger.Fatal("auth api initialization failed", zap.Error(err))
	}

	metrics := observability.NewMetrics()

	dispatcher := service.NewDispatchService(
		repository.NewGormJobRepo(db),
		queue.NewRabbitMQPublisher(rabbit),
		logger.Named("dispatcher"),
	)
	dispatcher.SetMetrics(metrics)

	cascade := service.NewCascadeService(repository.NewGormCascadeRepo(db), authAPI, logger.Named("cascade"))
	cascade.SetMetrics(metrics)

	initializer := service.NewSessionInitializer(cfg.InitSessionCommand, cfg.InitSessionTimeout, logger.Named("initsession"))

	webhooks, err := handler.NewWebhookHandler(dispatcher, initializer, cfg.WebhookSecret)
	if err != nil {
		logger.Fatal("webhook handler initialization failed", zap.Error(err))
	}
	accounts, err := handler.NewAccountHandler(cascade)
	if err != nil {
		logger.Fatal("account handler initialization failed", zap.Error(err))
	}
	jobs, err := handler.NewJobHandler(dispatcher, cfg.PollInterval)
	if err != nil {
		logger.Fatal("job handler initialization failed", zap.Error(err))
	}

	app := fiber.New(fiber.Config{
		AppName:      "citation-pipeline-api",
		BodyLimit:    apiBodyLimit,
		ReadTimeout:  apiReadTimeout,
		WriteTimeout: apiWriteTimeout,
		ErrorHandler: transport.ErrorHandler(logger),
	})
	app.Use(recover.New())
	app.Use(requestid.New())
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	browserCORS := handler.BrowserCORS(cfg.AllowedOrigins())
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)
	handler.RegisterWebhookRoutes(app, webhooks, browserCORS)
	handler.RegisterAccountRoutes(app, accounts, browserCORS)
	handler.RegisterJobRoutes(app, jobs)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("citation-pipeline api started", zap.Int("port", cfg.APIPort))
		errCh <- app.Listen(fmt.Sprintf(":%d", cfg.APIPort))
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.Error("api server failed", zap.Error(err))
		}
	}

	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}
