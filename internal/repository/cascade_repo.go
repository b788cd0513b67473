package repository

import (
	"context"
	"errors"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"gorm.io/gorm"
)

// CascadeRepository holds the per-step deletes used when a user removes their
// account. Every method is idempotent: deleting rows that are already gone is not an error.
type CascadeRepository interface {
	UserExists(ctx context.Context, userID string) (bool, error)
	PromptIDsByUser(ctx context.Context, userID string) ([]string, error)
	DeleteReportsByUser(ctx context.Context, userID string) error
	DeletePromptsByUser(ctx context.Context, userID string) error
	DeleteBrandsByUser(ctx context.Context, userID string) error
	DeleteUser(ctx context.Context, userID string) error

	ListPendingScheduleBatches(ctx context.Context) ([]domain.ScheduleBatch, error)
	OrphanedScheduleBatchIDs(ctx context.Context) ([]string, error)
	ExistingPromptIDs(ctx context.Context, ids []string) ([]string, error)
	DeleteScheduleBatch(ctx context.Context, id string) error
	ShrinkScheduleBatch(ctx context.Context, id string, promptIDs []string) error
}

type GormCascadeRepo struct {
	db *gorm.DB
}

func NewGormCascadeRepo(db *gorm.DB) *GormCascadeRepo {
	return &GormCascadeRepo{db: db}
}

func (r *GormCascadeRepo) UserExists(ctx context.Context, userID string) (bool, error) {
	var model UserModel
	err := r.db.WithContext(ctx).Select("id").First(&model, "id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (r *GormCascadeRepo) PromptIDsByUser(ctx context.Context, userID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&PromptModel{}).
		Where("user_id = ?", userID).
		Order("id ASC").
		Pluck("id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *GormCascadeRepo) DeleteReportsByUser(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		reports := tx.Model(&ReportModel{}).Select("id").Where("user_id = ?", userID)
		results := tx.Model(&PromptResultModel{}).Select("id").Where("report_id IN (?)", reports)

		if err := tx.Where("prompt_result_id IN (?)", results).Delete(&CitationModel{}).Error; err != nil {
			return err
		}
		if err := tx.Where("report_id IN (?)", reports).Delete(&PromptResultModel{}).Error; err != nil {
			return err
		}
		return tx.Where("user_id = ?", userID).Delete(&ReportModel{}).Error
	})
}

func (r *GormCascadeRepo) DeletePromptsByUser(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&PromptModel{}).Error
}

func (r *GormCascadeRepo) DeleteBrandsByUser(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("user_id = ?", userID).Delete(&BrandModel{}).Error
}

func (r *GormCascadeRepo) DeleteUser(ctx context.Context, userID string) error {
	return r.db.WithContext(ctx).Where("id = ?", userID).Delete(&UserModel{}).Error
}

func (r *GormCascadeRepo) ListPendingScheduleBatches(ctx context.Context) ([]domain.ScheduleBatch, error) {
	var batches []ScheduleBatchModel
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.ScheduleStatusPending).
		Order("scheduled_for ASC, id ASC").
		Find(&batches).Error
	if err != nil {
		return nil, err
	}
	if len(batches) == 0 {
		return []domain.ScheduleBatch{}, nil
	}

	ids := make([]string, 0, len(batches))
	for _, b := range batches {
		ids = append(ids, b.ID)
	}

	var links []ScheduleBatchPromptModel
	err = r.db.WithContext(ctx).
		Where("schedule_batch_id IN ?", ids).
		Order("schedule_batch_id ASC, position ASC").
		Find(&links).Error
	if err != nil {
		return nil, err
	}

	promptIDs := make(map[string][]string, len(batches))
	for _, l := range links {
		promptIDs[l.ScheduleBatchID] = append(promptIDs[l.ScheduleBatchID], l.PromptID)
	}

	out := make([]domain.ScheduleBatch, 0, len(batches))
	for _, b := range batches {
		out = append(out, domain.ScheduleBatch{
			ID:           b.ID,
			ScheduledFor: b.ScheduledFor,
			Status:       b.Status,
			PromptIDs:    promptIDs[b.ID],
			Size:         b.Size,
		})
	}
	return out, nil
}

// OrphanedScheduleBatchIDs returns pending batches that still list a prompt
// which no longer exists.
func (r *GormCascadeRepo) OrphanedScheduleBatchIDs(ctx context.Context) ([]string, error) {
	missing := r.db.Model(&PromptModel{}).
		Select("1").
		Where("prompts.id = schedule_batch_prompts.prompt_id")

	var ids []string
	err := r.db.WithContext(ctx).
		Model(&ScheduleBatchPromptModel{}).
		Joins("JOIN schedule_batches ON schedule_batches.id = schedule_batch_prompts.schedule_batch_id").
		Where("schedule_batches.status = ?", domain.ScheduleStatusPending).
		Where("NOT EXISTS (?)", missing).
		Distinct("schedule_batch_prompts.schedule_batch_id").
		Order("schedule_batch_prompts.schedule_batch_id ASC").
		Pluck("schedule_batch_prompts.schedule_batch_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

// ExistingPromptIDs reads live storage and returns the subset of ids that still exist.
func (r *GormCascadeRepo) ExistingPromptIDs(ctx context.Context, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return []string{}, nil
	}

	var live []string
	err := r.db.WithContext(ctx).
		Model(&PromptModel{}).
		Where("id IN ?", ids).
		Pluck("id", &live).Error
	if err != nil {
		return nil, err
	}
	return live, nil
}

func (r *GormCascadeRepo) DeleteScheduleBatch(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("schedule_batch_id = ?", id).Delete(&ScheduleBatchPromptModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", id).Delete(&ScheduleBatchModel{}).Error
	})
}

// ShrinkScheduleBatch rewrites the batch's prompt set to promptIDs and sets size to match.
func (r *GormCascadeRepo) ShrinkScheduleBatch(ctx context.Context, id string, promptIDs []string) error {
	if len(promptIDs) == 0 {
		return r.DeleteScheduleBatch(ctx, id)
	}

	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("schedule_batch_id = ? AND prompt_id NOT IN ?", id, promptIDs).
			Delete(&ScheduleBatchPromptModel{}).Error; err != nil {
			return err
		}

		var remaining int64
		if err := tx.Model(&ScheduleBatchPromptModel{}).
			Where("schedule_batch_id = ?", id).
			Count(&remaining).Error; err != nil {
			return err
		}

		return tx.Model(&ScheduleBatchModel{}).
			Where("id = ?", id).
			Update("size", remaining).Error
	})
}
