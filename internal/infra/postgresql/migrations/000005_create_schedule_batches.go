package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createScheduleBatchesTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000005_create_schedule_batches",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.ScheduleBatchModel{}, &repository.ScheduleBatchPromptModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_schedule_batches_pending ON schedule_batches (scheduled_for) WHERE status = 'pending'`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.ScheduleBatchPromptModel{}, &repository.ScheduleBatchModel{})
		},
	}
}
