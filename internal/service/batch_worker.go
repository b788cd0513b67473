package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/extractor"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/ratelimit"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"go.uber.org/zap"
)

// CitationStrategy submits a prompt on a page and pulls the cited links out of
// the rendered answer.
type CitationStrategy interface {
	SubmitPrompt(ctx context.Context, page extractor.Page, text string) (extractor.Response, error)
	ExtractCitations(ctx context.Context, page extractor.Page) ([]domain.Citation, error)
}

// BrowserSession is a connected page that can refresh its own connection.
type BrowserSession interface {
	extractor.Page
	EnsureFresh(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Close()
}

type ConnectFunc func(ctx context.Context, account domain.Account) (BrowserSession, error)

// BatchWorker processes one batch of prompts against one account's session.
// It runs inside its own process, spawned by the orchestrator.
type BatchWorker struct {
	jobs     repository.JobRepository
	batches  repository.BatchRunRepository
	prompts  repository.PromptRepository
	results  repository.ResultRepository
	accounts repository.AccountRepository
	connect  ConnectFunc
	strategy CitationStrategy
	limiter  ratelimit.RateLimiter
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewBatchWorker(
	jobs repository.JobRepository,
	batches repository.BatchRunRepository,
	prompts repository.PromptRepository,
	results repository.ResultRepository,
	accounts repository.AccountRepository,
	connect ConnectFunc,
	strategy CitationStrategy,
	limiter ratelimit.RateLimiter,
	logger *zap.Logger,
) *BatchWorker {
	if limiter == nil {
		limiter = ratelimit.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &BatchWorker{
		jobs:     jobs,
		batches:  batches,
		prompts:  prompts,
		results:  results,
		accounts: accounts,
		connect:  connect,
		strategy: strategy,
		limiter:  limiter,
		logger:   logger,
	}
}

func (w *BatchWorker) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Run processes env's prompts in order. Every prompt that is stored or
// already had a result advances the job's progress by exactly one.
func (w *BatchWorker) Run(ctx context.Context, env config.WorkerEnv) error {
	logger := w.logger.With(
		zap.String("jobId", env.JobID),
		zap.String("batchRunId", env.BatchRunID),
		zap.Int("batch", env.BatchNumber),
		zap.Int("totalBatches", env.TotalBatches),
	)

	ids := env.PromptIDList()
	if len(ids) == 0 {
		return fmt.Errorf("%w: batch has no prompts", domain.ErrValidation)
	}

	if err := w.batches.UpdateStatus(ctx, env.BatchRunID, domain.JobStatusRunning); err != nil {
		return fmt.Errorf("mark batch running: %w", err)
	}

	prompts, err := w.prompts.GetByIDs(ctx, ids)
	if err != nil {
		return fmt.Errorf("load prompts: %w", err)
	}
	if missing := len(ids) - len(prompts); missing > 0 {
		logger.Warn("prompts deleted before processing, counting them as done", zap.Int("missing", missing))
		if err := w.advance(ctx, env, missing); err != nil {
			return err
		}
	}
	if len(prompts) == 0 {
		return nil
	}

	account, err := w.accounts.GetByID(ctx, env.AccountID)
	if err != nil {
		return fmt.Errorf("load account: %w", err)
	}

	session, err := w.connect(ctx, *account)
	if err != nil {
		return fmt.Errorf("connect session: %w", err)
	}
	defer session.Close()

	for i, prompt := range prompts {
		promptLogger := logger.With(
			zap.String("promptId", prompt.ID),
			zap.Int("position", env.PromptOffset+i+1),
		)

		exists, err := w.results.Exists(ctx, env.ReportID, prompt.ID)
		if err != nil {
			return fmt.Errorf("check existing result: %w", err)
		}
		if exists {
			promptLogger.Info("result already stored, skipping prompt")
			w.metrics.IncPromptProcessed("skipped")
			if err := w.advance(ctx, env, 1); err != nil {
				return err
			}
			continue
		}

		if err := w.processPrompt(ctx, session, env, prompt, promptLogger); err != nil {
			return err
		}
		if err := w.advance(ctx, env, 1); err != nil {
			return err
		}
	}

	logger.Info("batch finished", zap.Int("prompts", len(ids)))
	return nil
}

// processPrompt retries once on a fresh connection before giving up on the batch.
func (w *BatchWorker) processPrompt(
	ctx context.Context,
	session BrowserSession,
	env config.WorkerEnv,
	prompt domain.Prompt,
	logger *zap.Logger,
) error {
	result, err := w.execute(ctx, session, env, prompt)
	if err != nil && ctx.Err() == nil && !errors.Is(err, domain.ErrValidation) {
		logger.Warn("prompt failed, reconnecting and retrying once", zap.Error(err))
		if reconnectErr := session.Reconnect(ctx); reconnectErr != nil {
			return fmt.Errorf("reconnect after prompt failure: %w", reconnectErr)
		}
		result, err = w.execute(ctx, session, env, prompt)
	}
	if err != nil {
		return fmt.Errorf("prompt %s: %w", prompt.ID, err)
	}

	changed, err := w.results.Upsert(ctx, result)
	if err != nil {
		return fmt.Errorf("store result for prompt %s: %w", prompt.ID, err)
	}

	outcome := "stored"
	if result.Partial {
		outcome = "partial"
	}
	w.metrics.IncPromptProcessed(outcome)
	if changed {
		w.metrics.AddCitations(len(result.Citations))
	}

	logger.Info("prompt processed",
		zap.Int("citations", len(result.Citations)),
		zap.Bool("partial", result.Partial),
		zap.Bool("citationsChanged", changed),
	)
	return nil
}

func (w *BatchWorker) execute(
	ctx context.Context,
	session BrowserSession,
	env config.WorkerEnv,
	prompt domain.Prompt,
) (*domain.PromptResult, error) {
	if err := w.limiter.Wait(ctx, env.AccountID); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}
	if err := session.EnsureFresh(ctx); err != nil {
		return nil, fmt.Errorf("refresh session: %w", err)
	}

	response, err := w.strategy.SubmitPrompt(ctx, session, prompt.Text)
	if err != nil {
		return nil, err
	}
	w.metrics.ObserveStabilization(response.Elapsed, response.Partial)

	citations, err := w.strategy.ExtractCitations(ctx, session)
	if err != nil {
		return nil, fmt.Errorf("extract citations: %w", err)
	}

	return &domain.PromptResult{
		ReportID:     env.ReportID,
		PromptID:     prompt.ID,
		JobID:        env.JobID,
		ResponseText: response.Text,
		Partial:      response.Partial,
		ContentHash:  extractor.ContentHash(citations),
		Citations:    citations,
	}, nil
}

func (w *BatchWorker) advance(ctx context.Context, env config.WorkerEnv, n int) error {
	if err := w.jobs.AdvanceProgress(ctx, env.JobID, n); err != nil {
		return fmt.Errorf("advance job progress: %w", err)
	}
	if err := w.batches.AdvanceProcessed(ctx, env.BatchRunID, n); err != nil {
		return fmt.Errorf("advance batch progress: %w", err)
	}
	return nil
}
