package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createAccountsTable() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000001_create_accounts",
		Migrate: func(tx *gorm.DB) error {
			if err := tx.AutoMigrate(&repository.AccountModel{}); err != nil {
				return err
			}
			return tx.Exec(`CREATE INDEX IF NOT EXISTS idx_accounts_eligible_last_used ON accounts (last_used_at) WHERE eligible AND browser_session_id IS NOT NULL`).Error
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.AccountModel{})
		},
	}
}
