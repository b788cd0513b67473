package service

import (
	"context"
	"fmt"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"go.uber.org/zap"
)

const (
	defaultReapInterval = time.Minute
	defaultReapLimit    = 100
	defaultStaleAfter   = time.Hour

	staleRunReason = "run abandoned: no heartbeat before stale deadline"
)

// StaleRunReaper fails running jobs whose heartbeat stopped, which means the
// runner died mid-run, so a later trigger can claim and resume them.
type StaleRunReaper struct {
	jobs       repository.JobRepository
	logger     *zap.Logger
	interval   time.Duration
	staleAfter time.Duration
	limit      int
	now        func() time.Time
}

func NewStaleRunReaper(
	jobs repository.JobRepository,
	interval time.Duration,
	staleAfter time.Duration,
	limit int,
	logger *zap.Logger,
) (*StaleRunReaper, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job repository is required")
	}
	if interval <= 0 {
		interval = defaultReapInterval
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	if limit <= 0 {
		limit = defaultReapLimit
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StaleRunReaper{
		jobs:       jobs,
		logger:     logger,
		interval:   interval,
		staleAfter: staleAfter,
		limit:      limit,
		now:        time.Now,
	}, nil
}

func (s *StaleRunReaper) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.reap(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("stale run reaper initial scan failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.reap(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				s.logger.Error("stale run reaper scan failed", zap.Error(err))
			}
		}
	}
}

func (s *StaleRunReaper) reap(ctx context.Context) (int, error) {
	cutoff := s.now().UTC().Add(-s.staleAfter)
	stale, err := s.jobs.ListStale(ctx, cutoff, s.limit)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch stale runs: %w", err)
	}

	reaped := 0
	for i := range stale {
		job := stale[i]
		updated, err := s.jobs.FailStale(ctx, job.ID, cutoff, staleRunReason)
		if err != nil {
			s.logger.Error("failed to mark stale run as failed",
				zap.String("jobId", job.ID),
				zap.Error(err),
			)
			continue
		}
		if !updated {
			s.logger.Info("stale run finished before it was reaped", zap.String("jobId", job.ID))
			continue
		}

		s.logger.Warn("stale run marked failed",
			zap.String("jobId", job.ID),
			zap.Int("processedCount", job.ProcessedCount),
			zap.Int("totalCount", job.TotalCount),
		)
		reaped++
	}

	return reaped, nil
}
