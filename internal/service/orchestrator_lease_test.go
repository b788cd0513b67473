package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	infraredis "github.com/kursadbilgin/citation-pipeline/internal/infra/redis"
	"github.com/kursadbilgin/citation-pipeline/internal/session"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

const leaseKey = "account:lease:acc-1"

type leaseFixture struct {
	mr      *miniredis.Miniredis
	first   *session.Manager
	second  *session.Manager
	jobs    *memJobStore
	batches *memBatchStore
	spawner *fakeSpawner
	orch    *Orchestrator
}

func newLeaseFixture(t *testing.T, prompts int) *leaseFixture {
	t.Helper()

	mr := miniredis.RunT(t)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	locker, err := infraredis.NewAccountLocker(client, 30*time.Minute)
	if err != nil {
		t.Fatalf("NewAccountLocker() error = %v", err)
	}
	sessionID := "browser-1"
	accounts := &fakeAccountRepo{eligible: []domain.Account{{ID: "acc-1", Eligible: true, BrowserSessionID: &sessionID}}}

	f := &leaseFixture{
		mr:     mr,
		first:  session.NewManager(accounts, locker, 3, zap.NewNop()),
		second: session.NewManager(accounts, locker, 3, zap.NewNop()),
		jobs: newMemJobStore(domain.Job{
			ID:       testJobID,
			BrandID:  "brand-1",
			ReportID: "report-1",
			Status:   domain.JobStatusPending,
		}),
		batches: newMemBatchStore(),
		spawner: &fakeSpawner{},
	}

	promptRepo := &fakePromptRepo{
		listByBrandFn: func(context.Context, string) ([]domain.Prompt, error) {
			return makePrompts(prompts), nil
		},
	}
	f.orch = NewOrchestrator(f.jobs, f.batches, promptRepo, f.first, f.spawner, nil, OrchestratorOptions{
		ChunkSize:         5,
		SuccessPolicy:     config.SuccessPolicyAttempted,
		HeartbeatInterval: 5 * time.Millisecond,
	}, zap.NewNop())
	f.orch.sleep = func(context.Context, time.Duration) error { return nil }
	return f
}

func waitUntil(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(time.Millisecond)
	}
	return false
}

func TestOrchestratorHeartbeatHoldsLeaseDuringLongBatch(t *testing.T) {
	t.Parallel()

	f := newLeaseFixture(t, 5)

	var secondErr error
	f.spawner.spawnFn = func(ctx context.Context, env config.WorkerEnv) (int, error) {
		// Three 20 minute jumps outlast the 30 minute lease unless it is refreshed in between.
		for i := 0; i < 3; i++ {
			f.mr.FastForward(20 * time.Minute)
			if !waitUntil(t, func() bool { return f.mr.TTL(leaseKey) > 20*time.Minute }) {
				t.Errorf("lease was not refreshed after jump %d, ttl = %s", i+1, f.mr.TTL(leaseKey))
				return 1, errors.New("lease not refreshed")
			}
		}
		_, secondErr = f.second.Acquire(ctx, domain.AccountCriteria{})
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := f.orch.RunJob(ctx, testJobID, domain.AccountCriteria{}); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}
	if !errors.Is(secondErr, domain.ErrNoEligibleAccount) {
		t.Fatalf("second Acquire() error = %v, want ErrNoEligibleAccount", secondErr)
	}
	if got := f.jobs.job(testJobID).Status; got != domain.JobStatusSucceeded {
		t.Fatalf("status = %s, want succeeded", got)
	}
	if f.jobs.heartbeatCount() == 0 {
		t.Fatal("job heartbeat was never recorded")
	}
	if f.mr.Exists(leaseKey) {
		t.Fatal("lease should be released after the run")
	}
}

func TestOrchestratorFailsRunWhenLeaseLost(t *testing.T) {
	t.Parallel()

	f := newLeaseFixture(t, 10)

	var stolen *session.Lease
	f.spawner.spawnFn = func(ctx context.Context, env config.WorkerEnv) (int, error) {
		f.mr.FastForward(31 * time.Minute)
		lease, err := f.second.Acquire(context.Background(), domain.AccountCriteria{})
		if err != nil {
			t.Errorf("second Acquire() error = %v", err)
			return 1, err
		}
		stolen = lease
		<-ctx.Done()
		return -1, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.orch.RunJob(ctx, testJobID, domain.AccountCriteria{})
	if !errors.Is(err, domain.ErrLeaseLost) {
		t.Fatalf("RunJob() error = %v, want ErrLeaseLost", err)
	}
	if got := len(f.spawner.spawned()); got != 1 {
		t.Fatalf("spawned batches = %d, want 1", got)
	}

	job := f.jobs.job(testJobID)
	if job.Status != domain.JobStatusFailed {
		t.Fatalf("status = %s, want failed", job.Status)
	}
	runs := f.batches.all()
	if len(runs) != 1 || runs[0].Status != domain.JobStatusFailed {
		t.Fatalf("batch runs = %+v, want one failed run", runs)
	}

	if stolen == nil {
		t.Fatal("second run never got the account")
	}
	holder, err := f.mr.Get(leaseKey)
	if err != nil || holder != stolen.Token {
		t.Fatalf("lease holder = %q, %v; want the second run's token", holder, err)
	}
}

func TestOrchestratorStopsWhenJobClaimTaken(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(10), config.SuccessPolicyAttempted)
	f.orch.opts.HeartbeatInterval = 5 * time.Millisecond
	f.spawner.spawnFn = func(ctx context.Context, env config.WorkerEnv) (int, error) {
		f.jobs.steal(testJobID)
		<-ctx.Done()
		return -1, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.orch.RunJob(ctx, testJobID, domain.AccountCriteria{})
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("RunJob() error = %v, want ErrConflict", err)
	}
	if got := len(f.spawner.spawned()); got != 1 {
		t.Fatalf("spawned batches = %d, want 1", got)
	}
	// The new owner's running state is left alone.
	if got := f.jobs.job(testJobID).Status; got != domain.JobStatusRunning {
		t.Fatalf("status = %s, want running", got)
	}
	if f.leaser.released != 1 {
		t.Fatalf("released = %d, want 1", f.leaser.released)
	}
}

func TestOrchestratorLogsPersistedProgress(t *testing.T) {
	t.Parallel()

	f := newOrchestratorFixture(t, makePrompts(12), config.SuccessPolicyAttempted)
	core, logs := observer.New(zap.InfoLevel)
	f.orch.logger = zap.New(core)
	f.spawner.spawnFn = f.workerThatProcesses(map[int]int{2: 2})

	if _, err := f.orch.RunJob(context.Background(), testJobID, domain.AccountCriteria{}); err != nil {
		t.Fatalf("RunJob() error = %v", err)
	}

	settled := logs.FilterMessage("batch settled").All()
	if len(settled) != 3 {
		t.Fatalf("batch settled entries = %d, want 3", len(settled))
	}
	want := []int64{5, 10, 12}
	for i, entry := range settled {
		if got := entry.ContextMap()["processed"]; got != want[i] {
			t.Fatalf("batch %d processed = %v, want %d", i+1, got, want[i])
		}
	}
}
