package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
)

type JobReader interface {
	Job(ctx context.Context, id string) (*domain.Job, error)
}

type JobHandler struct {
	jobs         JobReader
	pollInterval time.Duration
}

func NewJobHandler(jobs JobReader, pollInterval time.Duration) (*JobHandler, error) {
	if jobs == nil {
		return nil, fmt.Errorf("job reader is required")
	}
	return &JobHandler{jobs: jobs, pollInterval: pollInterval}, nil
}

func RegisterJobRoutes(router fiber.Router, h *JobHandler) {
	v1 := router.Group("/v1")
	v1.Get("/jobs/:id", h.GetJob)
}

type jobResponse struct {
	ID                  string     `json:"id"`
	BrandID             string     `json:"brandId"`
	ReportID            string     `json:"reportId"`
	Status              string     `json:"status"`
	Done                bool       `json:"done"`
	ProcessedCount      int        `json:"processedCount"`
	TotalCount          int        `json:"totalCount"`
	SuccessCount        int        `json:"successCount"`
	FailureCount        int        `json:"failureCount"`
	Error               *string    `json:"error,omitempty"`
	StartedAt           *time.Time `json:"startedAt,omitempty"`
	FinishedAt          *time.Time `json:"finishedAt,omitempty"`
	PollIntervalSeconds int        `json:"pollIntervalSeconds"`
}

func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobs.Job(c.UserContext(), c.Params("id"))
	if err != nil {
		return toHTTPError(err)
	}

	return c.Status(fiber.StatusOK).JSON(jobResponse{
		ID:                  job.ID,
		BrandID:             job.BrandID,
		ReportID:            job.ReportID,
		Status:              job.Status.String(),
		Done:                job.Status.IsTerminal(),
		ProcessedCount:      job.ProcessedCount,
		TotalCount:          job.TotalCount,
		SuccessCount:        job.SuccessCount,
		FailureCount:        job.FailureCount,
		Error:               job.Error,
		StartedAt:           job.StartedAt,
		FinishedAt:          job.FinishedAt,
		PollIntervalSeconds: int(h.pollInterval / time.Second),
	})
}
