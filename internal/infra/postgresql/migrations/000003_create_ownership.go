package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createOwnershipTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000003_create_ownership",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(
				&repository.UserModel{},
				&repository.BrandModel{},
				&repository.PromptModel{},
				&repository.ReportModel{},
			)
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(
				&repository.ReportModel{},
				&repository.PromptModel{},
				&repository.BrandModel{},
				&repository.UserModel{},
			)
		},
	}
}
