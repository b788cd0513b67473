package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type PromptRepository interface {
	ListByBrand(ctx context.Context, brandID string) ([]domain.Prompt, error)
	GetByIDs(ctx context.Context, ids []string) ([]domain.Prompt, error)
}

type ResultRepository interface {
	Exists(ctx context.Context, reportID, promptID string) (bool, error)
	Upsert(ctx context.Context, result *domain.PromptResult) (bool, error)
}

type GormPromptRepo struct {
	db *gorm.DB
}

func NewGormPromptRepo(db *gorm.DB) *GormPromptRepo {
	return &GormPromptRepo{db: db}
}

func (r *GormPromptRepo) ListByBrand(ctx context.Context, brandID string) ([]domain.Prompt, error) {
	var models []PromptModel
	err := r.db.WithContext(ctx).
		Where("brand_id = ?", brandID).
		Order("created_at ASC, id ASC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	prompts := make([]domain.Prompt, 0, len(models))
	for i := range models {
		prompts = append(prompts, promptModelToDomain(&models[i]))
	}
	return prompts, nil
}

// GetByIDs returns the prompts in the order of ids. Missing ids are skipped.
func (r *GormPromptRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Prompt, error) {
	if len(ids) == 0 {
		return []domain.Prompt{}, nil
	}

	var models []PromptModel
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&models).Error; err != nil {
		return nil, err
	}

	byID := make(map[string]*PromptModel, len(models))
	for i := range models {
		byID[models[i].ID] = &models[i]
	}

	prompts := make([]domain.Prompt, 0, len(ids))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			prompts = append(prompts, promptModelToDomain(m))
		}
	}
	return prompts, nil
}

type GormResultRepo struct {
	db *gorm.DB
}

func NewGormResultRepo(db *gorm.DB) *GormResultRepo {
	return &GormResultRepo{db: db}
}

func (r *GormResultRepo) Exists(ctx context.Context, reportID, promptID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&PromptResultModel{}).
		Where("report_id = ? AND prompt_id = ?", reportID, promptID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Upsert writes the result for (report, prompt). Citations are replaced only
// when the content hash differs from the stored one; the returned bool reports that.
func (r *GormResultRepo) Upsert(ctx context.Context, result *domain.PromptResult) (bool, error) {
	if result == nil {
		return false, domain.ErrValidation
	}

	changed := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing PromptResultModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&existing, "report_id = ? AND prompt_id = ?", result.ReportID, result.PromptID).Error

		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			model := &PromptResultModel{
				ID:           uuid.NewString(),
				ReportID:     result.ReportID,
				PromptID:     result.PromptID,
				JobID:        result.JobID,
				ResponseText: result.ResponseText,
				Partial:      result.Partial,
				ContentHash:  result.ContentHash,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(model).Error; err != nil {
				return err
			}
			if err := insertCitations(tx, model.ID, result.Citations); err != nil {
				return err
			}
			result.ID = model.ID
			changed = true
			return nil
		case err != nil:
			return err
		}

		result.ID = existing.ID
		updates := map[string]any{
			"job_id":        result.JobID,
			"response_text": result.ResponseText,
			"partial":       result.Partial,
		}
		if existing.ContentHash != result.ContentHash {
			updates["content_hash"] = result.ContentHash
			if err := tx.Where("prompt_result_id = ?", existing.ID).Delete(&CitationModel{}).Error; err != nil {
				return err
			}
			if err := insertCitations(tx, existing.ID, result.Citations); err != nil {
				return err
			}
			changed = true
		}

		return tx.Model(&PromptResultModel{}).Where("id = ?", existing.ID).Updates(updates).Error
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func insertCitations(tx *gorm.DB, resultID string, citations []domain.Citation) error {
	if len(citations) == 0 {
		return nil
	}

	models := make([]CitationModel, 0, len(citations))
	for _, c := range citations {
		models = append(models, CitationModel{
			ID:             uuid.NewString(),
			PromptResultID: resultID,
			URL:            c.URL,
			Domain:         c.Domain,
		})
	}
	return tx.Create(&models).Error
}
