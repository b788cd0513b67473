package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"gorm.io/gorm"
)

func addJobHeartbeat() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000006_add_job_heartbeat",
		Migrate: func(tx *gorm.DB) error {
			for _, field := range []string{"ClaimToken", "HeartbeatAt"} {
				if tx.Migrator().HasColumn(&repository.JobModel{}, field) {
					continue
				}
				if err := tx.Migrator().AddColumn(&repository.JobModel{}, field); err != nil {
					return err
				}
			}
			return execAll(tx, []string{
				`CREATE INDEX IF NOT EXISTS idx_jobs_running_heartbeat ON jobs (heartbeat_at) WHERE status = 'running'`,
			})
		},
		Rollback: func(tx *gorm.DB) error {
			if err := tx.Exec(`DROP INDEX IF EXISTS idx_jobs_running_heartbeat`).Error; err != nil {
				return err
			}
			for _, field := range []string{"HeartbeatAt", "ClaimToken"} {
				if err := tx.Migrator().DropColumn(&repository.JobModel{}, field); err != nil {
					return err
				}
			}
			return nil
		},
	}
}
