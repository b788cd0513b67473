package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

const (
	defaultQueueCheckCron  = "*/5 * * * *"
	defaultQueueCheckLimit = 20
)

// JobRunner runs a job to a terminal status.
type JobRunner interface {
	RunJob(ctx context.Context, jobID string, criteria domain.AccountCriteria) (domain.RunOutcome, error)
	RunBrand(ctx context.Context, brandID string, criteria domain.AccountCriteria) (domain.RunOutcome, error)
}

// QueueChecker runs pending jobs one at a time, on a cron cadence and on demand.
type QueueChecker struct {
	jobs     repository.JobRepository
	runner   JobRunner
	schedule cron.Schedule
	limit    int
	logger   *zap.Logger
	running  atomic.Bool
	now      func() time.Time
}

// ParseCron parses a standard five-field cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

func NewQueueChecker(
	jobs repository.JobRepository,
	runner JobRunner,
	cronExpr string,
	limit int,
	logger *zap.Logger,
) (*QueueChecker, error) {
	if cronExpr == "" {
		cronExpr = defaultQueueCheckCron
	}
	schedule, err := ParseCron(cronExpr)
	if err != nil {
		return nil, fmt.Errorf("invalid queue check cron %q: %w", cronExpr, err)
	}
	if limit <= 0 {
		limit = defaultQueueCheckLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &QueueChecker{
		jobs:     jobs,
		runner:   runner,
		schedule: schedule,
		limit:    limit,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// Start checks the queue at every cron tick until ctx is cancelled.
func (q *QueueChecker) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		next := q.schedule.Next(q.now())
		timer := time.NewTimer(time.Until(next))

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
			if _, err := q.Check(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				q.logger.Error("queue check failed", zap.Error(err))
			}
		}
	}
}

// Check runs every pending job in creation order. A check that starts while
// another is in progress returns immediately with zero jobs run.
func (q *QueueChecker) Check(ctx context.Context) (int, error) {
	if !q.running.CompareAndSwap(false, true) {
		q.logger.Info("queue check already in progress, skipping")
		return 0, nil
	}
	defer q.running.Store(false)

	pending, err := q.jobs.ListPending(ctx, q.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending jobs: %w", err)
	}

	ran := 0
	for i := range pending {
		if ctx.Err() != nil {
			return ran, ctx.Err()
		}

		job := pending[i]
		outcome, err := q.runner.RunJob(ctx, job.ID, domain.AccountCriteria{})
		switch {
		case errors.Is(err, domain.ErrConflict):
			q.logger.Info("pending job claimed elsewhere", zap.String("jobId", job.ID))
			continue
		case err != nil:
			q.logger.Error("queued job failed",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
		default:
			q.logger.Info("queued job finished",
				zap.String("jobId", job.ID),
				zap.Int("batches", outcome.Batches),
				zap.Int("successCount", outcome.SuccessCount),
				zap.Int("failureCount", outcome.FailureCount),
			)
		}
		ran++
	}

	return ran, nil
}
