package repository

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"gorm.io/gorm"
)

type JobRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Job, error)
	ListPending(ctx context.Context, limit int) ([]domain.Job, error)
	LatestForBrand(ctx context.Context, brandID string) (*domain.Job, error)
	Claim(ctx context.Context, id string) (string, error)
	SetTotal(ctx context.Context, id string, total int) error
	AdvanceProgress(ctx context.Context, id string, n int) error
	Heartbeat(ctx context.Context, id, claimToken string) error
	Finish(ctx context.Context, id, claimToken string, status domain.JobStatus, outcome domain.RunOutcome, errMsg *string) error
	ListStale(ctx context.Context, heartbeatBefore time.Time, limit int) ([]domain.Job, error)
	FailStale(ctx context.Context, id string, heartbeatBefore time.Time, reason string) (bool, error)
}

type GormJobRepo struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormJobRepo(db *gorm.DB) *GormJobRepo {
	return &GormJobRepo{db: db, now: time.Now}
}

func (r *GormJobRepo) GetByID(ctx context.Context, id string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

func (r *GormJobRepo) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.JobStatusPending).
		Order("created_at ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}

// LatestForBrand returns the brand's most recently created job.
func (r *GormJobRepo) LatestForBrand(ctx context.Context, brandID string) (*domain.Job, error) {
	var model JobModel
	err := r.db.WithContext(ctx).
		Where("brand_id = ?", brandID).
		Order("created_at DESC").
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return jobModelToDomain(&model), nil
}

// Claim moves a pending or failed job to running, resets its progress and
// returns the claim token that later heartbeats and Finish must present.
// Returns ErrConflict when another run owns the job or it already succeeded.
func (r *GormJobRepo) Claim(ctx context.Context, id string) (string, error) {
	now := r.now().UTC()
	token := uuid.NewString()
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status IN ?", id, []domain.JobStatus{domain.JobStatusPending, domain.JobStatusFailed}).
		Updates(map[string]any{
			"status":          domain.JobStatusRunning,
			"claim_token":     token,
			"processed_count": 0,
			"success_count":   0,
			"failure_count":   0,
			"error":           nil,
			"started_at":      now,
			"heartbeat_at":    now,
			"finished_at":     nil,
		})
	if result.Error != nil {
		return "", result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return "", err
		}
		return "", domain.ErrConflict
	}
	return token, nil
}

func (r *GormJobRepo) SetTotal(ctx context.Context, id string, total int) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ?", id).
		Update("total_count", total)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdvanceProgress adds n to processed_count, capped at total_count. Non-positive n is a no-op.
func (r *GormJobRepo) AdvanceProgress(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"processed_count": gorm.Expr("LEAST(processed_count + ?, GREATEST(total_count, processed_count))", n),
			"heartbeat_at":    r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// Heartbeat marks the run holding claimToken as alive. Returns ErrConflict
// once the job is no longer running under that claim.
func (r *GormJobRepo) Heartbeat(ctx context.Context, id, claimToken string) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, domain.JobStatusRunning, claimToken).
		Update("heartbeat_at", r.now().UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrConflict
	}
	return nil
}

// Finish records the terminal status of the run holding claimToken. A run
// that lost its claim (reaped and possibly re-claimed) gets ErrConflict and
// leaves the row untouched.
func (r *GormJobRepo) Finish(
	ctx context.Context,
	id string,
	claimToken string,
	status domain.JobStatus,
	outcome domain.RunOutcome,
	errMsg *string,
) error {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ? AND claim_token = ?", id, domain.JobStatusRunning, claimToken).
		Updates(map[string]any{
			"status":        status,
			"success_count": outcome.SuccessCount,
			"failure_count": outcome.FailureCount,
			"error":         errMsg,
			"finished_at":   r.now().UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return domain.ErrConflict
	}
	return nil
}

// ListStale returns running jobs whose last heartbeat is older than
// heartbeatBefore, least recently alive first.
func (r *GormJobRepo) ListStale(ctx context.Context, heartbeatBefore time.Time, limit int) ([]domain.Job, error) {
	var models []JobModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND COALESCE(heartbeat_at, started_at) < ?", domain.JobStatusRunning, heartbeatBefore).
		Order("COALESCE(heartbeat_at, started_at) ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	jobs := make([]domain.Job, 0, len(models))
	for i := range models {
		jobs = append(jobs, *jobModelToDomain(&models[i]))
	}
	return jobs, nil
}

// FailStale marks the job failed only if it is still running without a
// heartbeat since heartbeatBefore. It reports whether the row changed.
func (r *GormJobRepo) FailStale(ctx context.Context, id string, heartbeatBefore time.Time, reason string) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&JobModel{}).
		Where("id = ? AND status = ? AND COALESCE(heartbeat_at, started_at) < ?", id, domain.JobStatusRunning, heartbeatBefore).
		Updates(map[string]any{
			"status":      domain.JobStatusFailed,
			"claim_token": nil,
			"error":       reason,
			"finished_at": r.now().UTC(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}
