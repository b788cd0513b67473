package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
)

const testJobID = "7b1c9e0e-3f7a-4c55-9d8e-2a4b6c8d0e1f"

type orchestratorFixture struct {
	jobs    *memJobStore
	batches *memBatchStore
	leaser  *fakeLeaser
	spawner *fakeSpawner
	post    *fakePostProcessor
	orch    *Orchestrator
}

func makePrompts(n int) []domain.Prompt {
	prompts := make([]domain.Prompt, 0, n)
	for i := 1; i <= n; i++ {
		prompts = append(prompts, domain.Prompt{ID: fmt.Sprintf("p%d", i), BrandID: "brand-1", Text: fmt.Sprintf("question %d", i)})
	}
	return prompts
}

func newOrchestratorFixture(t *testing.T, prompts []domain.Prompt, policy string) *orchestratorFixture {
	t.Helper()

	f := &orchestratorFixture{
		jobs: newMemJobStore(domain.Job{
			ID:       testJobID,
			BrandID:  "brand-1",
			ReportID: "report-1",
			Status:   domain.JobStatusPending,
		}),
		batches: newMemBatchStore(),
		leaser:  &fakeLeaser{},
		spawner: &fakeSpawner{},
		post:    &fakePostProcessor{},
	}

	promptRepo := &fakePromptRepo{
		listByBrandFn: func(context.Context, string) ([]domain.Prompt, error) {
			return prompts, nil
		},
	}

	f.orch = NewOrchestrator(f.jobs, f.batches, promptRepo, f.leaser, f.spawner, f.post, OrchestratorOptions{
		ChunkSize:       5,
		InterBatchPause: time.Second,
		SuccessPolicy:   policy,
	}, zap.NewNop())
	f.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

// workerThatProcesses advances progress the way a real worker does, failing
// the given batches after processing `processedBeforeFailure` prompts.
func (f *orchestratorFixture) workerThatProcesses(failBatches map[int]int) func(ctx context.Context, env config.WorkerEnv) (int, error) {
	return func(ctx context.Context, env config.WorkerEnv) (int, error) {
		size := len(env.PromptIDList())
		done := size
		processedBeforeFailure, fail := failBatches[env.BatchNumber]
		if fail {
			done = processedBeforeFailure
		}
		for i := 0; i < done; i++ {
			if err := f.jobs.AdvanceProgress(ctx, env.JobID, 1); err != nil {
				return 1, err
			}
			if err := f.batches.AdvanceProcessed(ctx, env.BatchRunID, 1); err != nil {
				return 1, err
			}
		}
		if fail {
			return 1, fmt.Errorf("%w: exit code 1", domain.ErrChildProcessExit)
		}
		return 0, nil
	}
}

func TestOrchestratorTwelvePromptsSecondBatchFails(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(12), config.SuccessPolicyAttempted)
	f.spawner.spawnFn = f.workerThatProcesses(map[int]int{2: 2})

	outcome, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{})
	if err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	envs := f.spawner.spawned()
	if len(envs) != 3 {
		t.Fatalf("spawned batches = %d, want 3", len(envs))
	}
	wantSizes := []int{5, 5, 2}
	wantOffsets := []int{0, 5, 10}
	for i, env := range envs {
		if got := len(env.PromptIDList()); got != wantSizes[i] {
			t.Fatalf("batch %d size = %d, want %d", i+1, got, wantSizes[i])
		}
		if env.PromptOffset != wantOffsets[i] {
			t.Fatalf("batch %d offset = %d, want %d", i+1, env.PromptOffset, wantOffsets[i])
		}
		if env.BatchNumber != i+1 || env.TotalBatches != 3 {
			t.Fatalf("batch numbering = %d/%d, want %d/3", env.BatchNumber, env.TotalBatches, i+1)
		}
		if env.AccountID != "acct-1" || env.ReportID != "report-1" {
			t.Fatalf("unexpected env account/report: %+v", env)
		}
	}
	if envs[1].PromptIDs != "p6,p7,p8,p9,p10" {
		t.Fatalf("batch 2 prompt ids = %q", envs[1].PromptIDs)
	}

	if outcome.SuccessCount != 7 || outcome.FailureCount != 5 {
		t.Fatalf("outcome = %+v, want success 7 failure 5", outcome)
	}

	job := f.jobs.job(testJobID)
	if job.ProcessedCount != 12 || job.TotalCount != 12 {
		t.Fatalf("progress = %d/%d, want 12/12", job.ProcessedCount, job.TotalCount)
	}
	if job.Status != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", job.Status)
	}
	if job.SuccessCount != 7 || job.FailureCount != 5 {
		t.Fatalf("stored counts = %d/%d, want 7/5", job.SuccessCount, job.FailureCount)
	}

	runs := f.batches.all()
	if runs[1].Status != domain.JobStatusFailed || runs[1].ExitCode == nil || *runs[1].ExitCode != 1 {
		t.Fatalf("batch 2 run = %+v, want failed with exit code 1", runs[1])
	}
	if runs[0].Status != domain.JobStatusSucceeded || runs[2].Status != domain.JobStatusSucceeded {
		t.Fatalf("batch statuses = %s, %s, want succeeded", runs[0].Status, runs[2].Status)
	}

	if f.leaser.released != 1 || f.leaser.keepAlives != 3 {
		t.Fatalf("released = %d keepAlives = %d, want 1 and 3", f.leaser.released, f.leaser.keepAlives)
	}
	if f.leaser.failures != 1 || f.leaser.successes != 2 {
		t.Fatalf("account failures = %d successes = %d, want 1 and 2", f.leaser.failures, f.leaser.successes)
	}
	if f.post.calls != 1 {
		t.Fatalf("post-processing calls = %d, want 1", f.post.calls)
	}
}

func TestOrchestratorChunkCountAndFinalProgress(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		prompts     int
		failBatches map[int]int
		wantBatches int
	}{
		{name: "empty", prompts: 0, wantBatches: 0},
		{name: "single partial chunk", prompts: 3, wantBatches: 1},
		{name: "exact multiple", prompts: 10, wantBatches: 2},
		{name: "all fail immediately", prompts: 11, failBatches: map[int]int{1: 0, 2: 0, 3: 0}, wantBatches: 3},
		{name: "mixed", prompts: 23, failBatches: map[int]int{1: 4, 4: 1}, wantBatches: 5},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newOrchestratorFixture(t, makePrompts(tt.prompts), config.SuccessPolicyAttempted)
			f.spawner.spawnFn = f.workerThatProcesses(tt.failBatches)

			outcome, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{})
			if err != nil {
				t.Fatalf("RunJob() error = %v", err)
			}
			if outcome.Batches != tt.wantBatches || len(f.spawner.spawned()) != tt.wantBatches {
				t.Fatalf("batches = %d spawned = %d, want %d", outcome.Batches, len(f.spawner.spawned()), tt.wantBatches)
			}
			if outcome.SuccessCount+outcome.FailureCount != tt.prompts {
				t.Fatalf("success+failure = %d, want %d", outcome.SuccessCount+outcome.FailureCount, tt.prompts)
			}

			job := f.jobs.job(testJobID)
			if job.ProcessedCount != tt.prompts {
				t.Fatalf("final progress = %d, want %d", job.ProcessedCount, tt.prompts)
			}

			last := 0
			for _, v := range f.jobs.progressHistory(testJobID) {
				if v < last {
					t.Fatalf("progress went backwards: %v", f.jobs.progressHistory(testJobID))
				}
				last = v
			}
		})
	}
}

func TestOrchestratorSuccessPolicies(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		policy      string
		failBatches map[int]int
		want        domain.JobStatus
	}{
		{name: "attempted with all failing", policy: config.SuccessPolicyAttempted, failBatches: map[int]int{1: 0, 2: 0}, want: domain.JobStatusSucceeded},
		{name: "any with one success", policy: config.SuccessPolicyAny, failBatches: map[int]int{1: 0}, want: domain.JobStatusSucceeded},
		{name: "any with all failing", policy: config.SuccessPolicyAny, failBatches: map[int]int{1: 0, 2: 0}, want: domain.JobStatusFailed},
		{name: "all with one failure", policy: config.SuccessPolicyAll, failBatches: map[int]int{2: 3}, want: domain.JobStatusFailed},
		{name: "all clean", policy: config.SuccessPolicyAll, want: domain.JobStatusSucceeded},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := newOrchestratorFixture(t, makePrompts(8), tt.policy)
			f.spawner.spawnFn = f.workerThatProcesses(tt.failBatches)

			if _, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{}); err != nil {
				t.Fatalf("RunJob() error = %v", err)
			}
			if got := f.jobs.job(testJobID).Status; got != tt.want {
				t.Fatalf("status = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestOrchestratorAcquisitionFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(6), config.SuccessPolicyAttempted)
	f.leaser.acquireErr = domain.ErrNoEligibleAccount

	_, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{})
	if !errors.Is(err, domain.ErrNoEligibleAccount) {
		t.Fatalf("RunJob() error = %v, want ErrNoEligibleAccount", err)
	}
	if len(f.spawner.spawned()) != 0 {
		t.Fatal("expected no workers to be spawned")
	}

	job := f.jobs.job(testJobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	if job.Error == nil || !strings.Contains(*job.Error, "no eligible account") {
		t.Fatalf("error = %v, want no eligible account", job.Error)
	}
	if f.leaser.released != 0 {
		t.Fatalf("released = %d, want 0", f.leaser.released)
	}
}

func TestOrchestratorPromptLookupFailureMarksFailed(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, nil, config.SuccessPolicyAttempted)
	f.orch.prompts = &fakePromptRepo{
		listByBrandFn: func(context.Context, string) ([]domain.Prompt, error) {
			return nil, errors.New("connection reset")
		},
	}

	if _, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{}); err == nil {
		t.Fatal("expected error")
	}
	if got := f.jobs.job(testJobID).Status; got != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if f.leaser.released != 1 {
		t.Fatalf("released = %d, want 1", f.leaser.released)
	}
}

func TestOrchestratorRejectsRunningOrSucceededJob(t *testing.T) {
	t.Parallel()

	for _, status := range []domain.JobStatus{domain.JobStatusRunning, domain.JobStatusSucceeded} {
		f := newOrchestratorFixture(t, makePrompts(3), config.SuccessPolicyAttempted)
		f.jobs.jobs[testJobID].Status = status

		_, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{})
		if !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("%s: RunJob() error = %v, want ErrConflict", status, err)
		}
		if f.leaser.acquired != 0 || len(f.spawner.spawned()) != 0 {
			t.Fatalf("%s: expected no side effects", status)
		}
		if got := f.jobs.job(testJobID).Status; got != status {
			t.Fatalf("status changed to %s", got)
		}
	}
}

func TestOrchestratorResumesFailedJob(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(4), config.SuccessPolicyAttempted)
	f.jobs.jobs[testJobID].Status = domain.JobStatusFailed
	f.jobs.jobs[testJobID].ProcessedCount = 2
	f.spawner.spawnFn = f.workerThatProcesses(nil)

	if _, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{}); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	job := f.jobs.job(testJobID)
	if job.Status != domain.JobStatusSucceeded || job.ProcessedCount != 4 {
		t.Fatalf("job = %s %d, want succeeded 4", job.Status, job.ProcessedCount)
	}
}

func TestOrchestratorPostProcessingFailureIsLoggedOnly(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(2), config.SuccessPolicyAttempted)
	f.spawner.spawnFn = f.workerThatProcesses(nil)
	f.post.runFn = func(context.Context, string, string) error { return errors.New("scoring unavailable") }

	if _, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{}); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if got := f.jobs.job(testJobID).Status; got != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}
}

func TestOrchestratorPanicMarksFailedAndReleases(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(2), config.SuccessPolicyAttempted)
	f.spawner.spawnFn = func(context.Context, config.WorkerEnv) (int, error) {
		panic("boom")
	}

	_, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{})
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("RunJob() error = %v, want panic error", err)
	}
	if got := f.jobs.job(testJobID).Status; got != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", got)
	}
	if f.leaser.released != 1 {
		t.Fatalf("released = %d, want 1", f.leaser.released)
	}
}

func TestOrchestratorFailedBatchWithoutProgressReadAdvancesFullSize(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(5), config.SuccessPolicyAttempted)
	f.batches.getErr = errors.New("read timeout")
	f.spawner.spawnFn = func(context.Context, config.WorkerEnv) (int, error) {
		return 2, fmt.Errorf("%w: exit code 2", domain.ErrChildProcessExit)
	}

	if _, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{}); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if got := f.jobs.job(testJobID).ProcessedCount; got != 5 {
		t.Fatalf("progress = %d, want 5", got)
	}
}

func TestOrchestratorRunBrandUsesLatestJob(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(1), config.SuccessPolicyAttempted)
	if _, err := f.orch.RunBrand(context.Background(), "brand-1", domain.AccountCriteria{}); err != nil {
		t.Fatalf("RunBrand() error = %v", err)
	}
	if got := f.jobs.job(testJobID).Status; got != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}

	if _, err := f.orch.RunBrand(context.Background(), "brand-unknown", domain.AccountCriteria{}); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("RunBrand() error = %v, want ErrNotFound", err)
	}
}

func TestChunkPrompts(t *testing.T) {
	t.Parallel()

	for n := 0; n <= 17; n++ {
		for size := 1; size <= 6; size++ {
			chunks := chunkPrompts(makePrompts(n), size)
			want := (n + size - 1) / size
			if len(chunks) != want {
				t.Fatalf("chunkPrompts(%d, %d) = %d chunks, want %d", n, size, len(chunks), want)
			}
			total := 0
			for _, c := range chunks {
				if len(c) == 0 || len(c) > size {
					t.Fatalf("chunk size %d out of range for size %d", len(c), size)
				}
				total += len(c)
			}
			if total != n {
				t.Fatalf("chunks cover %d prompts, want %d", total, n)
			}
		}
	}
}
