package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
)

func TestNewQueueCheckerDefaultsAndValidation(t *testing.T) {
	t.Parallel()

	checker, err := NewQueueChecker(newMemJobStore(), &fakeRunner{}, "", 0, nil)
	if err != nil {
		t.Fatalf("NewQueueChecker() error = %v", err)
	}
	if checker.limit != defaultQueueCheckLimit {
		t.Fatalf("limit = %d, want %d", checker.limit, defaultQueueCheckLimit)
	}

	from := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	if next := checker.schedule.Next(from); !next.Equal(time.Date(2026, 3, 1, 10, 5, 0, 0, time.UTC)) {
		t.Fatalf("next tick = %s, want 10:05", next)
	}

	if _, err := NewQueueChecker(newMemJobStore(), &fakeRunner{}, "every five minutes", 0, nil); err == nil {
		t.Fatal("expected error for invalid cron expression")
	}
}

func TestQueueCheckerRunsPendingJobsSequentially(t *testing.T) {
	t.Parallel()

	jobs := newMemJobStore()
	jobs.listFn = func(_ context.Context, limit int) ([]domain.Job, error) {
		if limit != 10 {
			t.Fatalf("limit = %d, want 10", limit)
		}
		return []domain.Job{{ID: "job-1"}, {ID: "job-2"}, {ID: "job-3"}}, nil
	}

	var order []string
	inFlight := 0
	runner := &fakeRunner{
		runJobFn: func(_ context.Context, jobID string, _ domain.AccountCriteria) (domain.RunOutcome, error) {
			inFlight++
			defer func() { inFlight-- }()
			if inFlight != 1 {
				t.Fatalf("runs in flight = %d, want 1", inFlight)
			}
			order = append(order, jobID)
			switch jobID {
			case "job-2":
				return domain.RunOutcome{}, domain.ErrConflict
			case "job-3":
				return domain.RunOutcome{}, domain.ErrNoEligibleAccount
			}
			return domain.RunOutcome{Batches: 1, SuccessCount: 5, Attempted: true}, nil
		},
	}

	checker, err := NewQueueChecker(jobs, runner, "*/5 * * * *", 10, zap.NewNop())
	if err != nil {
		t.Fatalf("NewQueueChecker() error = %v", err)
	}

	ran, err := checker.Check(context.Background())
	if err != nil {
		t.Fatalf("Check() error = %v", err)
	}
	if ran != 2 {
		t.Fatalf("ran = %d, want 2 (conflicts are not counted)", ran)
	}
	if len(order) != 3 || order[0] != "job-1" || order[2] != "job-3" {
		t.Fatalf("order = %v", order)
	}
}

func TestQueueCheckerSkipsOverlappingCheck(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	started := make(chan struct{})
	jobs := newMemJobStore()
	jobs.listFn = func(context.Context, int) ([]domain.Job, error) {
		return []domain.Job{{ID: "job-1"}}, nil
	}
	runner := &fakeRunner{
		runJobFn: func(context.Context, string, domain.AccountCriteria) (domain.RunOutcome, error) {
			close(started)
			<-release
			return domain.RunOutcome{}, nil
		},
	}

	checker, err := NewQueueChecker(jobs, runner, "", 0, nil)
	if err != nil {
		t.Fatalf("NewQueueChecker() error = %v", err)
	}

	done := make(chan int, 1)
	go func() {
		ran, _ := checker.Check(context.Background())
		done <- ran
	}()
	<-started

	ran, err := checker.Check(context.Background())
	if err != nil || ran != 0 {
		t.Fatalf("overlapping Check() = %d, %v, want 0, nil", ran, err)
	}

	close(release)
	if ran := <-done; ran != 1 {
		t.Fatalf("first Check() ran = %d, want 1", ran)
	}
}

func TestQueueCheckerRepositoryError(t *testing.T) {
	t.Parallel()

	jobs := newMemJobStore()
	jobs.listFn = func(context.Context, int) ([]domain.Job, error) {
		return nil, errors.New("db down")
	}
	checker, err := NewQueueChecker(jobs, &fakeRunner{}, "", 0, nil)
	if err != nil {
		t.Fatalf("NewQueueChecker() error = %v", err)
	}

	if _, err := checker.Check(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if checker.running.Load() {
		t.Fatal("running flag must be cleared after a failed check")
	}
}

func TestQueueCheckerStartReturnsOnContextCancel(t *testing.T) {
	t.Parallel()

	checker, err := NewQueueChecker(newMemJobStore(), &fakeRunner{}, "", 0, nil)
	if err != nil {
		t.Fatalf("NewQueueChecker() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- checker.Start(ctx) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Start() did not return after cancel")
	}
}
