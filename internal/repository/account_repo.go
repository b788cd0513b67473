package repository

import (
	"context"
	"errors"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"gorm.io/gorm"
)

type AccountRepository interface {
	GetByID(ctx context.Context, id string) (*domain.Account, error)
	GetByEmail(ctx context.Context, email string) (*domain.Account, error)
	ListEligible(ctx context.Context, criteria domain.AccountCriteria, limit int) ([]domain.Account, error)
	SetBrowserSession(ctx context.Context, id string, sessionID string) error
	MarkUsed(ctx context.Context, id string, at time.Time) error
	RecordFailure(ctx context.Context, id string, maxFailures int) (bool, error)
	RecordSuccess(ctx context.Context, id string) error
}

type GormAccountRepo struct {
	db *gorm.DB
}

func NewGormAccountRepo(db *gorm.DB) *GormAccountRepo {
	return &GormAccountRepo{db: db}
}

func (r *GormAccountRepo) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	var model AccountModel
	err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return accountModelToDomain(&model), nil
}

func (r *GormAccountRepo) GetByEmail(ctx context.Context, email string) (*domain.Account, error) {
	var model AccountModel
	err := r.db.WithContext(ctx).First(&model, "lower(email) = lower(?)", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return accountModelToDomain(&model), nil
}

// ListEligible returns eligible accounts with a browser session, least recently used first.
func (r *GormAccountRepo) ListEligible(ctx context.Context, criteria domain.AccountCriteria, limit int) ([]domain.Account, error) {
	criteria = criteria.Normalize()
	query := r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("eligible = ? AND browser_session_id IS NOT NULL", true)

	if criteria.AccountID != "" {
		query = query.Where("id = ?", criteria.AccountID)
	}
	if criteria.Email != "" {
		query = query.Where("lower(email) = ?", criteria.Email)
	}

	var models []AccountModel
	err := query.
		Order("last_used_at ASC NULLS FIRST").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}

	accounts := make([]domain.Account, 0, len(models))
	for i := range models {
		accounts = append(accounts, *accountModelToDomain(&models[i]))
	}
	return accounts, nil
}

func (r *GormAccountRepo) SetBrowserSession(ctx context.Context, id string, sessionID string) error {
	result := r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"browser_session_id": sessionID,
			"eligible":           true,
			"failure_count":      0,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (r *GormAccountRepo) MarkUsed(ctx context.Context, id string, at time.Time) error {
	return r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("id = ?", id).
		Update("last_used_at", at).Error
}

// RecordFailure bumps the consecutive failure count and flips eligibility off once
// it reaches maxFailures. It reports whether the account is now ineligible.
func (r *GormAccountRepo) RecordFailure(ctx context.Context, id string, maxFailures int) (bool, error) {
	var model AccountModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&AccountModel{}).
			Where("id = ?", id).
			Update("failure_count", gorm.Expr("failure_count + 1"))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return domain.ErrNotFound
		}

		if maxFailures > 0 {
			if err := tx.Model(&AccountModel{}).
				Where("id = ? AND failure_count >= ?", id, maxFailures).
				Update("eligible", false).Error; err != nil {
				return err
			}
		}

		return tx.First(&model, "id = ?", id).Error
	})
	if err != nil {
		return false, err
	}
	return !model.Eligible, nil
}

func (r *GormAccountRepo) RecordSuccess(ctx context.Context, id string) error {
	return r.db.WithContext(ctx).
		Model(&AccountModel{}).
		Where("id = ?", id).
		Update("failure_count", 0).Error
}
