package migrations

import (
	"github.com/go-gormigrate/gormigrate/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"gorm.io/gorm"
)

func createResultsTables() *gormigrate.Migration {
	return &gormigrate.Migration{
		ID: "000004_create_results",
		Migrate: func(tx *gorm.DB) error {
			return tx.AutoMigrate(&repository.PromptResultModel{}, &repository.CitationModel{})
		},
		Rollback: func(tx *gorm.DB) error {
			return tx.Migrator().DropTable(&repository.CitationModel{}, &repository.PromptResultModel{})
		},
	}
}
