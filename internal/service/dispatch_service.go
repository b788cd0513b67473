package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/queue"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"go.uber.org/zap"
)

// DispatchService turns webhook calls into broker triggers. It never waits
// for the work it triggers.
type DispatchService struct {
	jobs      repository.JobRepository
	publisher queue.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

func NewDispatchService(jobs repository.JobRepository, publisher queue.Publisher, logger *zap.Logger) *DispatchService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DispatchService{jobs: jobs, publisher: publisher, logger: logger}
}

func (s *DispatchService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// QueueCheck enqueues a check of all pending jobs and returns the trigger's correlation id.
func (s *DispatchService) QueueCheck(ctx context.Context) (string, error) {
	return s.publish(ctx, queue.TriggerMessage{Kind: queue.TriggerQueueCheck})
}

// RunBatch enqueues a run of the given job, or of the brand's latest job when jobID is empty.
func (s *DispatchService) RunBatch(ctx context.Context, jobID, brandID string) (string, error) {
	msg := queue.TriggerMessage{
		Kind:    queue.TriggerRunBatch,
		JobID:   strings.TrimSpace(jobID),
		BrandID: strings.TrimSpace(brandID),
	}
	if err := msg.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrValidation, err)
	}
	return s.publish(ctx, msg)
}

// Job returns the job for progress polling.
func (s *DispatchService) Job(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("%w: invalid job id", domain.ErrValidation)
	}
	return s.jobs.GetByID(ctx, id)
}

func (s *DispatchService) publish(ctx context.Context, msg queue.TriggerMessage) (string, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	msg.CorrelationID = uuid.NewString()
	if id, ok := observability.CorrelationIDFromContext(ctx); ok {
		msg.CorrelationID = id
	}

	if err := s.publisher.Publish(ctx, queue.TriggerQueue, msg); err != nil {
		s.logger.Error("failed to publish trigger",
			zap.String("kind", string(msg.Kind)),
			zap.String("correlationId", msg.CorrelationID),
			zap.Error(err),
		)
		return "", fmt.Errorf("failed to publish trigger: %w", err)
	}

	s.metrics.IncTriggerPublished(string(msg.Kind))
	s.logger.Info("trigger published",
		zap.String("kind", string(msg.Kind)),
		zap.String("jobId", msg.JobID),
		zap.String("brandId", msg.BrandID),
		zap.String("correlationId", msg.CorrelationID),
	)
	return msg.CorrelationID, nil
}
