package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createJobsTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000002_create_jobs",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.JobModel{}, &repository.BatchRunModel{}); err != nil {
				return err
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_jobs_pending_created ON jobs (created_at) WHERE status = 'pending'`,
				`CREATE INDEX IF NOT EXISTS idx_batch_runs_job_sequence ON batch_runs (job_id, sequence)`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.BatchRunModel{}, &repository.JobModel{})
		},
	}
}
