package main

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/extractor"
	"github.com/kursadbilgin/citation-pipeline/internal/infra/postgresql"
	infraredis "github.com/kursadbilgin/citation-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/provider"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"github.com/kursadbilgin/citation-pipeline/internal/service"
	"github.com/kursadbilgin/citation-pipeline/internal/session"
	"go.uber.org/zap"
)

const (
	exitRunFailed    = 1
	exitConfigFailed = 2

	workerMaxOpenConns = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigFailed
	}
	env, err := config.LoadWorkerEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigFailed
	}

	logger, err := observability.NewLogger(cfg.LogLevel, "batchworker")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigFailed
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = observability.WithCorrelationID(ctx, env.BatchRunID)

	db, err := postgresql.NewPostgres(cfg.DatabaseDSN, workerMaxOpenConns)
	if err != nil {
		logger.Error("postgres initialization failed", zap.Error(err))
		return exitRunFailed
	}
	defer postgresql.Close(db) //nolint:errcheck

	rdb, err := infraredis.NewRedis(cfg.RedisURL)
	if err != nil {
		logger.Error("redis initialization failed", zap.Error(err))
		return exitRunFailed
	}
	defer rdb.Close()

	limiter, err := infraredis.NewSubmissionLimiter(rdb, cfg.SubmissionsPerMinute)
	if err != nil {
		logger.Error("submission limiter initialization failed", zap.Error(err))
		return exitConfigFailed
	}

	browserAPI, err := provider.NewBrowserAPI(cfg.BrowserAPIURL, cfg.BrowserAPIKey)
	if err != nil {
		logger.Error("browser api initialization failed", zap.Error(err))
		return exitConfigFailed
	}

	connector := session.NewConnector(browserAPI, cfg.ChatBaseURL, cfg.SessionMaxDuration, logger.Named("session"))
	connect := func(ctx context.Context, account domain.Account) (service.BrowserSession, error) {
		s, err := connector.Connect(ctx, account)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	strategy := extractor.New(extractor.Options{
		Interval:      cfg.StabilizeInterval,
		StableSamples: cfg.StableSamples,
		MaxSteps:      cfg.StabilizeMaxSteps,
		HostDomains:   hostDomains(cfg.ChatBaseURL),
	}, logger.Named("extractor"))

	worker := service.NewBatchWorker(
		repository.NewGormJobRepo(db),
		repository.NewGormBatchRunRepo(db),
		repository.NewGormPromptRepo(db),
		repository.NewGormResultRepo(db),
		repository.NewGormAccountRepo(db),
		connect,
		strategy,
		limiter,
		logger,
	)

	if err := worker.Run(ctx, *env); err != nil {
		logger.Error("batch failed",
			zap.String("jobId", env.JobID),
			zap.String("batchRunId", env.BatchRunID),
			zap.Error(err),
		)
		return exitRunFailed
	}
	return 0
}

func hostDomains(baseURL string) []string {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil || u.Hostname() == "" {
		return nil
	}
	return []string{u.Hostname()}
}
