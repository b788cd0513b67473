package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"gorm.io/gorm"
)

type BatchRunRepository interface {
	Create(ctx context.Context, b *domain.BatchRun) error
	GetByID(ctx context.Context, id string) (*domain.BatchRun, error)
	UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error
	Finish(ctx context.Context, id string, status domain.JobStatus, exitCode *int, errMsg *string) error
	AdvanceProcessed(ctx context.Context, id string, n int) error
}

type GormBatchRunRepo struct {
	db *gorm.DB
}

func NewGormBatchRunRepo(db *gorm.DB) *GormBatchRunRepo {
	return &GormBatchRunRepo{db: db}
}

func (r *GormBatchRunRepo) Create(ctx context.Context, b *domain.BatchRun) error {
	model := batchRunModelFromDomain(b)
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		return err
	}
	if b != nil {
		*b = *batchRunModelToDomain(model)
	}
	return nil
}

func (r *GormBatchRunRepo) GetByID(ctx context.Context, id string) (*domain.BatchRun, error) {
	var model BatchRunModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return batchRunModelToDomain(&model), nil
}

func (r *GormBatchRunRepo) UpdateStatus(ctx context.Context, id string, status domain.JobStatus) error {
	result := r.db.WithContext(ctx).
		Model(&BatchRunModel{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormBatchRunRepo) Finish(
	ctx context.Context,
	id string,
	status domain.JobStatus,
	exitCode *int,
	errMsg *string,
) error {
	result := r.db.WithContext(ctx).
		Model(&BatchRunModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":    status,
			"exit_code": exitCode,
			"error":     errMsg,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// AdvanceProcessed counts prompts the worker finished, capped at the batch size.
func (r *GormBatchRunRepo) AdvanceProcessed(ctx context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}

	result := r.db.WithContext(ctx).
		Model(&BatchRunModel{}).
		Where("id = ?", id).
		Update("processed_count", gorm.Expr("LEAST(processed_count + ?, size)", n))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}
