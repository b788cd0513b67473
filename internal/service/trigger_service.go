package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/queue"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const minTriggerConsumers = 1

// QueueCheck runs every pending job.
type QueueCheck interface {
	Check(ctx context.Context) (int, error)
}

// TriggerService consumes dispatcher triggers and runs the work they name.
// Triggers are never requeued: a handler error sends the message to the dead-letter queue.
type TriggerService struct {
	consumer  queue.Consumer
	runner    JobRunner
	checker   QueueCheck
	consumers int
	logger    *zap.Logger
}

func NewTriggerService(
	consumer queue.Consumer,
	runner JobRunner,
	checker QueueCheck,
	consumers int,
	logger *zap.Logger,
) *TriggerService {
	if consumers < minTriggerConsumers {
		consumers = minTriggerConsumers
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &TriggerService{
		consumer:  consumer,
		runner:    runner,
		checker:   checker,
		consumers: consumers,
		logger:    logger,
	}
}

// Start consumes the trigger queue until context cancellation.
func (s *TriggerService) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	g, groupCtx := errgroup.WithContext(ctx)
	for i := 0; i < s.consumers; i++ {
		consumerID := i + 1

		g.Go(func() error {
			s.logger.Info("trigger consumer started", zap.Int("consumerId", consumerID))

			if err := s.consumer.Consume(groupCtx, queue.TriggerQueue, s.processMessage); err != nil {
				s.logger.Error("trigger consumer stopped with error",
					zap.Int("consumerId", consumerID),
					zap.Error(err),
				)
				return err
			}

			s.logger.Info("trigger consumer stopped", zap.Int("consumerId", consumerID))
			return nil
		})
	}

	return g.Wait()
}

func (s *TriggerService) processMessage(ctx context.Context, msg queue.TriggerMessage) error {
	if msg.CorrelationID != "" {
		ctx = observability.WithCorrelationID(ctx, msg.CorrelationID)
	}
	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("kind", string(msg.Kind)))

	switch msg.Kind {
	case queue.TriggerQueueCheck:
		ran, err := s.checker.Check(ctx)
		if err != nil {
			return fmt.Errorf("queue check: %w", err)
		}
		logger.Info("queue check finished", zap.Int("jobs", ran))
		return nil

	case queue.TriggerRunBatch:
		var (
			outcome domain.RunOutcome
			err     error
		)
		if msg.JobID != "" {
			outcome, err = s.runner.RunJob(ctx, msg.JobID, domain.AccountCriteria{})
		} else {
			outcome, err = s.runner.RunBrand(ctx, msg.BrandID, domain.AccountCriteria{})
		}

		switch {
		case errors.Is(err, domain.ErrConflict):
			logger.Info("job already running or finished, skipping",
				zap.String("jobId", msg.JobID),
				zap.String("brandId", msg.BrandID),
			)
			return nil
		case errors.Is(err, domain.ErrNotFound):
			logger.Warn("job not found, skipping",
				zap.String("jobId", msg.JobID),
				zap.String("brandId", msg.BrandID),
			)
			return nil
		case errors.Is(err, domain.ErrNoEligibleAccount):
			logger.Error("no eligible account, job marked failed", zap.String("jobId", msg.JobID))
			return nil
		case err != nil:
			return fmt.Errorf("run batch: %w", err)
		}

		logger.Info("run finished",
			zap.String("jobId", msg.JobID),
			zap.Int("batches", outcome.Batches),
			zap.Int("successCount", outcome.SuccessCount),
			zap.Int("failureCount", outcome.FailureCount),
		)
		return nil
	}

	return fmt.Errorf("%w: unknown trigger kind %q", domain.ErrValidation, msg.Kind)
}
