package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus is shared by parent jobs and batch runs.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

func (s JobStatus) String() string { return string(s) }

func (s JobStatus) IsValid() bool {
	switch s {
	case JobStatusPending, JobStatusRunning, JobStatusSucceeded, JobStatusFailed:
		return true
	}
	return false
}

func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// Claimable reports whether a run may start from this status. Failed jobs are
// claimable again so a later trigger resumes them.
func (s JobStatus) Claimable() bool {
	return s == JobStatusPending || s == JobStatusFailed
}

func ParseJobStatusFromString(s string) (JobStatus, error) {
	st := JobStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.IsValid() {
		return "", fmt.Errorf("%w: invalid job status %q", ErrValidation, s)
	}
	return st, nil
}

// Job is the parent run (one brand onboarding or scheduled report run).
type Job struct {
	ID             string
	BrandID        string
	ReportID       string
	Status         JobStatus
	ProcessedCount int
	TotalCount     int
	SuccessCount   int
	FailureCount   int
	Error          *string
	StartedAt      *time.Time
	HeartbeatAt    *time.Time
	FinishedAt     *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BatchRun is one fixed-size chunk of a job executed by a single worker process.
type BatchRun struct {
	ID             string
	JobID          string
	Sequence       int
	TotalBatches   int
	PromptOffset   int
	Size           int
	ProcessedCount int
	Status         JobStatus
	ExitCode       *int
	Error          *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RunOutcome is the aggregate the orchestrator records when a run ends.
type RunOutcome struct {
	Batches      int
	SuccessCount int
	FailureCount int
	Attempted    bool
}
