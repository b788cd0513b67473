package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"go.uber.org/zap"
)

// IdentityProvider verifies bearer tokens and owns the identity records.
type IdentityProvider interface {
	VerifyToken(ctx context.Context, token string) (string, error)
	DeleteIdentity(ctx context.Context, userID string) error
}

// CascadeService removes everything a user owns, identity last.
type CascadeService struct {
	store    repository.CascadeRepository
	identity IdentityProvider
	metrics  *observability.Metrics
	logger   *zap.Logger
}

func NewCascadeService(store repository.CascadeRepository, identity IdentityProvider, logger *zap.Logger) *CascadeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CascadeService{store: store, identity: identity, logger: logger}
}

func (s *CascadeService) SetMetrics(metrics *observability.Metrics) {
	if s == nil {
		return
	}
	s.metrics = metrics
}

// DeleteAccount verifies that token belongs to userID and then deletes the
// user's data. Every step is idempotent, so a repeated call converges.
func (s *CascadeService) DeleteAccount(ctx context.Context, token, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return fmt.Errorf("%w: userId is required", domain.ErrValidation)
	}
	if strings.TrimSpace(token) == "" {
		return domain.ErrUnauthorized
	}

	verified, err := s.identity.VerifyToken(ctx, token)
	if err != nil {
		return err
	}
	if verified != userID {
		return domain.ErrAuthMismatch
	}

	logger := observability.WithContextLogger(s.logger, ctx).With(zap.String("userId", userID))
	if err := s.cascade(ctx, logger, userID); err != nil {
		s.metrics.IncCascade("failed")
		logger.Error("account deletion aborted", zap.Error(err))
		return err
	}

	s.metrics.IncCascade("succeeded")
	logger.Info("account deleted")
	return nil
}

func (s *CascadeService) cascade(ctx context.Context, logger *zap.Logger, userID string) error {
	exists, err := s.store.UserExists(ctx, userID)
	if err != nil {
		return stepError("look up user profile", err)
	}
	if !exists {
		logger.Info("user profile already removed, finishing remaining steps")
	}

	promptIDs, err := s.store.PromptIDsByUser(ctx, userID)
	if err != nil {
		return stepError("capture prompt ids", err)
	}

	steps := []struct {
		name string
		run  func(context.Context, string) error
	}{
		{"delete reports", s.store.DeleteReportsByUser},
		{"delete prompts", s.store.DeletePromptsByUser},
		{"delete brands", s.store.DeleteBrandsByUser},
		{"delete user profile", s.store.DeleteUser},
	}
	for _, step := range steps {
		if err := step.run(ctx, userID); err != nil {
			return stepError(step.name, err)
		}
		logger.Debug("cascade step done", zap.String("step", step.name))
	}

	if err := s.cleanScheduleBatches(ctx, logger, promptIDs); err != nil {
		return stepError("clean schedule batches", err)
	}

	if err := s.identity.DeleteIdentity(ctx, userID); err != nil {
		return stepError("delete identity", err)
	}
	return nil
}

// cleanScheduleBatches recomputes, from what is still live, every pending batch
// that referenced a captured prompt or still lists a prompt that is gone. The
// second set lets a retry finish after the prompts were deleted by an earlier attempt.
func (s *CascadeService) cleanScheduleBatches(ctx context.Context, logger *zap.Logger, promptIDs []string) error {
	orphaned, err := s.store.OrphanedScheduleBatchIDs(ctx)
	if err != nil {
		return err
	}
	if len(promptIDs) == 0 && len(orphaned) == 0 {
		return nil
	}

	captured := make(map[string]struct{}, len(promptIDs))
	for _, id := range promptIDs {
		captured[id] = struct{}{}
	}
	stale := make(map[string]struct{}, len(orphaned))
	for _, id := range orphaned {
		stale[id] = struct{}{}
	}

	batches, err := s.store.ListPendingScheduleBatches(ctx)
	if err != nil {
		return err
	}

	for _, batch := range batches {
		if _, ok := stale[batch.ID]; !ok && !batch.Overlaps(captured) {
			continue
		}

		live, err := s.store.ExistingPromptIDs(ctx, batch.PromptIDs)
		if err != nil {
			return err
		}
		survivors := batch.Survivors(live)

		if len(survivors) == 0 {
			if err := s.store.DeleteScheduleBatch(ctx, batch.ID); err != nil {
				return err
			}
			logger.Info("schedule batch deleted", zap.String("scheduleBatchId", batch.ID))
			continue
		}

		if len(survivors) == len(batch.PromptIDs) {
			continue
		}
		if err := s.store.ShrinkScheduleBatch(ctx, batch.ID, survivors); err != nil {
			return err
		}
		logger.Info("schedule batch shrunk",
			zap.String("scheduleBatchId", batch.ID),
			zap.Int("size", len(survivors)),
		)
	}
	return nil
}

func stepError(step string, err error) error {
	return fmt.Errorf("%w: %s: %w", domain.ErrCascadeStep, step, err)
}
