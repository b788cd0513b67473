package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
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
	"github.com/kursadbilgin/citation-pipeline/internal/session"
	"github.com/kursadbilgin/citation-pipeline/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	runnerMaxOpenConns = 10
	triggerPrefetch    = 1
	triggerConsumers   = 1
	queueCheckLimit    = 20
	staleReapLimit     = 100
	shutdownTimeout    = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config", zap.Error(err))
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "runner")
	if err != nil {
		log.Fatal("failed to initialize logger", zap.Error(err))
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, runnerMaxOpenConns)
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

	locker, err := infraredis.NewAccountLocker(rdb, cfg.AccountLeaseTTL)
	if err != nil {
		logger.Fatal("account locker initialization failed", zap.Error(err))
	}

	postProcessor, err := provider.NewPostProcessor(cfg.PostProcessURL)
	if err != nil {
		logger.Fatal("post processor initialization failed", zap.Error(err))
	}
	var post service.PostProcessor
	if postProcessor.Enabled() {
		post = postProcessor
	} else {
		logger.Info("post processing disabled, POSTPROCESS_URL not set")
	}

	metrics := observability.NewMetrics()
	jobs := repository.NewGormJobRepo(db)

	manager := session.NewManager(
		repository.NewGormAccountRepo(db),
		locker,
		cfg.AccountMaxFailures,
		logger.Named("sessions"),
	)

	orchestrator := service.NewOrchestrator(
		jobs,
		repository.NewGormBatchRunRepo(db),
		repository.NewGormPromptRepo(db),
		manager,
		service.NewProcessSpawner(cfg.WorkerCommand, logger.Named("worker")),
		post,
		service.OrchestratorOptions{
			ChunkSize:         cfg.BatchChunkSize,
			InterBatchPause:   cfg.InterBatchPause,
			SuccessPolicy:     cfg.RunSuccessPolicy,
			HeartbeatInterval: cfg.AccountLeaseTTL / 3,
		},
		logger.Named("orchestrator"),
	)
	orchestrator.SetMetrics(metrics)

	checker, err := service.NewQueueChecker(jobs, orchestrator, cfg.QueueCheckCron, queueCheckLimit, logger.Named("queue-check"))
	if err != nil {
		logger.Fatal("queue checker initialization failed", zap.Error(err))
	}

	reaper, err := service.NewStaleRunReaper(jobs, cfg.StaleScanInterval, cfg.StaleRunAfter, staleReapLimit, logger.Named("reaper"))
	if err != nil {
		logger.Fatal("stale run reaper initialization failed", zap.Error(err))
	}

	consumer := queue.NewRabbitMQConsumer(rabbit, triggerPrefetch, logger.Named("consumer"))
	triggers := service.NewTriggerService(consumer, orchestrator, checker, triggerConsumers, logger.Named("triggers"))

	app := fiber.New(fiber.Config{
		AppName:               "citation-pipeline-runner",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, sqlDB, rdb, rabbit)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return triggers.Start(gctx)
	})
	g.Go(func() error {
		return checker.Start(gctx)
	})
	g.Go(func() error {
		return reaper.Start(gctx)
	})
	g.Go(func() error {
		return app.Listen(fmt.Sprintf(":%d", cfg.RunnerPort))
	})
	g.Go(func() error {
		<-gctx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	logger.Info("citation-pipeline runner started", zap.Int("port", cfg.RunnerPort))

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runner stopped with error", zap.Error(err))
		return
	}
	logger.Info("runner stopped")
}
