package repository

import (
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
)

// AccountModel is the persistence model for the accounts table.
type AccountModel struct {
	ID               string  `gorm:"type:uuid;primaryKey"`
	Email            string  `gorm:"type:varchar(255);not null;uniqueIndex"`
	Eligible         bool    `gorm:"not null;default:true"`
	BrowserSessionID *string `gorm:"type:varchar(255)"`
	ProxyID          *string `gorm:"type:varchar(255)"`
	FailureCount     int     `gorm:"not null;default:0"`
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (AccountModel) TableName() string {
	return "accounts"
}

// JobModel is the persistence model for parent jobs. ProcessedCount is the
// externally polled progress counter.
type JobModel struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	BrandID        string           `gorm:"type:uuid;not null;index"`
	ReportID       string           `gorm:"type:uuid;not null"`
	Status         domain.JobStatus `gorm:"type:varchar(20);not null"`
	ProcessedCount int              `gorm:"not null;default:0"`
	TotalCount     int              `gorm:"not null;default:0"`
	SuccessCount   int              `gorm:"not null;default:0"`
	FailureCount   int              `gorm:"not null;default:0"`
	Error          *string          `gorm:"type:text"`
	ClaimToken     *string          `gorm:"type:varchar(36)"`
	StartedAt      *time.Time
	HeartbeatAt    *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (JobModel) TableName() string {
	return "jobs"
}

// BatchRunModel is the persistence model for batch_runs.
type BatchRunModel struct {
	ID             string           `gorm:"type:uuid;primaryKey"`
	JobID          string           `gorm:"type:uuid;not null;index"`
	Sequence       int              `gorm:"not null"`
	TotalBatches   int              `gorm:"not null"`
	PromptOffset   int              `gorm:"not null"`
	Size           int              `gorm:"not null"`
	ProcessedCount int              `gorm:"not null;default:0"`
	Status         domain.JobStatus `gorm:"type:varchar(20);not null"`
	ExitCode       *int             `gorm:"type:int"`
	Error          *string          `gorm:"type:text"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (BatchRunModel) TableName() string {
	return "batch_runs"
}

// UserModel is the user profile row; the identity itself lives with the auth provider.
type UserModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	Email     string `gorm:"type:varchar(255);not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (UserModel) TableName() string {
	return "users"
}

type BrandModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	UserID    string `gorm:"type:uuid;not null;index"`
	Name      string `gorm:"type:varchar(255);not null"`
	Domain    string `gorm:"type:varchar(255)"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (BrandModel) TableName() string {
	return "brands"
}

type PromptModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	BrandID   string `gorm:"type:uuid;not null;index"`
	UserID    string `gorm:"type:uuid;not null;index"`
	Text      string `gorm:"type:text;not null"`
	CreatedAt time.Time
}

func (PromptModel) TableName() string {
	return "prompts"
}

type ReportModel struct {
	ID        string `gorm:"type:uuid;primaryKey"`
	BrandID   string `gorm:"type:uuid;not null;index"`
	UserID    string `gorm:"type:uuid;not null;index"`
	CreatedAt time.Time
}

func (ReportModel) TableName() string {
	return "reports"
}

// PromptResultModel is unique per (report_id, prompt_id) so worker writes are idempotent.
type PromptResultModel struct {
	ID           string `gorm:"type:uuid;primaryKey"`
	ReportID     string `gorm:"type:uuid;not null;uniqueIndex:idx_prompt_results_report_prompt"`
	PromptID     string `gorm:"type:uuid;not null;uniqueIndex:idx_prompt_results_report_prompt"`
	JobID        string `gorm:"type:uuid;not null"`
	ResponseText string `gorm:"type:text;not null"`
	Partial      bool   `gorm:"not null;default:false"`
	ContentHash  string `gorm:"type:varchar(32);not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (PromptResultModel) TableName() string {
	return "prompt_results"
}

type CitationModel struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	PromptResultID string `gorm:"type:uuid;not null;index"`
	URL            string `gorm:"type:text;not null"`
	Domain         string `gorm:"type:varchar(255);not null;index"`
	CreatedAt      time.Time
}

func (CitationModel) TableName() string {
	return "citations"
}

type ScheduleBatchModel struct {
	ID           string                `gorm:"type:uuid;primaryKey"`
	ScheduledFor time.Time             `gorm:"type:date;not null"`
	Status       domain.ScheduleStatus `gorm:"type:varchar(20);not null"`
	Size         int                   `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (ScheduleBatchModel) TableName() string {
	return "schedule_batches"
}

// ScheduleBatchPromptModel is the prompt-id set of a schedule batch.
type ScheduleBatchPromptModel struct {
	ScheduleBatchID string `gorm:"type:uuid;primaryKey"`
	PromptID        string `gorm:"type:uuid;primaryKey;index"`
	Position        int    `gorm:"not null"`
}

func (ScheduleBatchPromptModel) TableName() string {
	return "schedule_batch_prompts"
}

func accountModelToDomain(m *AccountModel) *domain.Account {
	if m == nil {
		return nil
	}

	return &domain.Account{
		ID:               m.ID,
		Email:            m.Email,
		Eligible:         m.Eligible,
		BrowserSessionID: m.BrowserSessionID,
		ProxyID:          m.ProxyID,
		FailureCount:     m.FailureCount,
		LastUsedAt:       m.LastUsedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func jobModelToDomain(m *JobModel) *domain.Job {
	if m == nil {
		return nil
	}

	return &domain.Job{
		ID:             m.ID,
		BrandID:        m.BrandID,
		ReportID:       m.ReportID,
		Status:         m.Status,
		ProcessedCount: m.ProcessedCount,
		TotalCount:     m.TotalCount,
		SuccessCount:   m.SuccessCount,
		FailureCount:   m.FailureCount,
		Error:          m.Error,
		StartedAt:      m.StartedAt,
		HeartbeatAt:    m.HeartbeatAt,
		FinishedAt:     m.FinishedAt,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func batchRunModelFromDomain(b *domain.BatchRun) *BatchRunModel {
	if b == nil {
		return nil
	}

	return &BatchRunModel{
		ID:             b.ID,
		JobID:          b.JobID,
		Sequence:       b.Sequence,
		TotalBatches:   b.TotalBatches,
		PromptOffset:   b.PromptOffset,
		Size:           b.Size,
		ProcessedCount: b.ProcessedCount,
		Status:         b.Status,
		ExitCode:       b.ExitCode,
		Error:          b.Error,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      b.UpdatedAt,
	}
}

func batchRunModelToDomain(m *BatchRunModel) *domain.BatchRun {
	if m == nil {
		return nil
	}

	return &domain.BatchRun{
		ID:             m.ID,
		JobID:          m.JobID,
		Sequence:       m.Sequence,
		TotalBatches:   m.TotalBatches,
		PromptOffset:   m.PromptOffset,
		Size:           m.Size,
		ProcessedCount: m.ProcessedCount,
		Status:         m.Status,
		ExitCode:       m.ExitCode,
		Error:          m.Error,
		CreatedAt:      m.CreatedAt,
		UpdatedAt:      m.UpdatedAt,
	}
}

func promptModelToDomain(m *PromptModel) domain.Prompt {
	return domain.Prompt{
		ID:        m.ID,
		BrandID:   m.BrandID,
		UserID:    m.UserID,
		Text:      m.Text,
		CreatedAt: m.CreatedAt,
	}
}
