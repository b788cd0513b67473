package service

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/extractor"
	"github.com/kursadbilgin/citation-pipeline/internal/queue"
	"github.com/kursadbilgin/citation-pipeline/internal/session"
)

// memJobStore keeps jobs in memory with the same progress rules as the gorm repo.
type memJobStore struct {
	mu         sync.Mutex
	jobs       map[string]*domain.Job
	history    map[string][]int
	claims     map[string]string
	claimSeq   int
	heartbeats int
	finishFn   func(id string, status domain.JobStatus, outcome domain.RunOutcome, errMsg *string) error
	listFn     func(ctx context.Context, limit int) ([]domain.Job, error)
	staleFn    func(ctx context.Context, heartbeatBefore time.Time, limit int) ([]domain.Job, error)
	failFn     func(ctx context.Context, id string, heartbeatBefore time.Time, reason string) (bool, error)
}

func newMemJobStore(jobs ...domain.Job) *memJobStore {
	s := &memJobStore{jobs: map[string]*domain.Job{}, history: map[string][]int{}, claims: map[string]string{}}
	for i := range jobs {
		job := jobs[i]
		s.jobs[job.ID] = &job
	}
	return s
}

func (s *memJobStore) job(id string) domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.jobs[id]
}

func (s *memJobStore) progressHistory(id string) []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.history[id])
}

func (s *memJobStore) GetByID(_ context.Context, id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s *memJobStore) ListPending(ctx context.Context, limit int) ([]domain.Job, error) {
	if s.listFn != nil {
		return s.listFn(ctx, limit)
	}
	return nil, nil
}

func (s *memJobStore) LatestForBrand(_ context.Context, brandID string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.BrandID == brandID {
			out := *job
			return &out, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *memJobStore) Claim(_ context.Context, id string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return "", domain.ErrNotFound
	}
	if !job.Status.Claimable() {
		return "", domain.ErrConflict
	}
	job.Status = domain.JobStatusRunning
	job.ProcessedCount = 0
	job.SuccessCount = 0
	job.FailureCount = 0
	s.claimSeq++
	token := fmt.Sprintf("claim-%d", s.claimSeq)
	s.claims[id] = token
	return token, nil
}

// steal simulates the job being reaped and re-claimed by another run.
func (s *memJobStore) steal(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claims[id] = "stolen"
}

func (s *memJobStore) heartbeatCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heartbeats
}

func (s *memJobStore) Heartbeat(_ context.Context, id, claimToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusRunning || s.claims[id] != claimToken {
		return domain.ErrConflict
	}
	s.heartbeats++
	return nil
}

func (s *memJobStore) SetTotal(_ context.Context, id string, total int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[id].TotalCount = total
	return nil
}

func (s *memJobStore) AdvanceProgress(_ context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return domain.ErrNotFound
	}
	job.ProcessedCount = min(job.ProcessedCount+n, max(job.TotalCount, job.ProcessedCount))
	s.history[id] = append(s.history[id], job.ProcessedCount)
	return nil
}

func (s *memJobStore) Finish(_ context.Context, id, claimToken string, status domain.JobStatus, outcome domain.RunOutcome, errMsg *string) error {
	if s.finishFn != nil {
		if err := s.finishFn(id, status, outcome, errMsg); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.jobs[id]
	if job.Status != domain.JobStatusRunning || s.claims[id] != claimToken {
		return domain.ErrConflict
	}
	job.Status = status
	job.SuccessCount = outcome.SuccessCount
	job.FailureCount = outcome.FailureCount
	job.Error = errMsg
	return nil
}

func (s *memJobStore) ListStale(ctx context.Context, heartbeatBefore time.Time, limit int) ([]domain.Job, error) {
	if s.staleFn != nil {
		return s.staleFn(ctx, heartbeatBefore, limit)
	}
	return nil, nil
}

func (s *memJobStore) FailStale(ctx context.Context, id string, heartbeatBefore time.Time, reason string) (bool, error) {
	if s.failFn != nil {
		return s.failFn(ctx, id, heartbeatBefore, reason)
	}
	return false, nil
}

type memBatchStore struct {
	mu      sync.Mutex
	runs    map[string]*domain.BatchRun
	order   []string
	getErr  error
	statusC []domain.JobStatus
}

func newMemBatchStore() *memBatchStore {
	return &memBatchStore{runs: map[string]*domain.BatchRun{}}
}

func (s *memBatchStore) all() []domain.BatchRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.BatchRun, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, *s.runs[id])
	}
	return out
}

func (s *memBatchStore) Create(_ context.Context, b *domain.BatchRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run := *b
	s.runs[b.ID] = &run
	s.order = append(s.order, b.ID)
	return nil
}

func (s *memBatchStore) GetByID(_ context.Context, id string) (*domain.BatchRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return nil, s.getErr
	}
	run, ok := s.runs[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	out := *run
	return &out, nil
}

func (s *memBatchStore) UpdateStatus(_ context.Context, id string, status domain.JobStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	s.statusC = append(s.statusC, status)
	return nil
}

func (s *memBatchStore) Finish(_ context.Context, id string, status domain.JobStatus, exitCode *int, errMsg *string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.Status = status
	run.ExitCode = exitCode
	run.Error = errMsg
	return nil
}

func (s *memBatchStore) AdvanceProcessed(_ context.Context, id string, n int) error {
	if n <= 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	run.ProcessedCount = min(run.ProcessedCount+n, run.Size)
	return nil
}

type fakePromptRepo struct {
	listByBrandFn func(ctx context.Context, brandID string) ([]domain.Prompt, error)
	getByIDsFn    func(ctx context.Context, ids []string) ([]domain.Prompt, error)
}

func (f *fakePromptRepo) ListByBrand(ctx context.Context, brandID string) ([]domain.Prompt, error) {
	if f.listByBrandFn != nil {
		return f.listByBrandFn(ctx, brandID)
	}
	return nil, nil
}

func (f *fakePromptRepo) GetByIDs(ctx context.Context, ids []string) ([]domain.Prompt, error) {
	if f.getByIDsFn != nil {
		return f.getByIDsFn(ctx, ids)
	}
	prompts := make([]domain.Prompt, 0, len(ids))
	for _, id := range ids {
		prompts = append(prompts, domain.Prompt{ID: id, Text: "prompt " + id})
	}
	return prompts, nil
}

type fakeResultRepo struct {
	mu       sync.Mutex
	existing map[string]bool
	stored   []domain.PromptResult
	upsertFn func(ctx context.Context, result *domain.PromptResult) (bool, error)
}

func (f *fakeResultRepo) Exists(_ context.Context, _ string, promptID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.existing[promptID], nil
}

func (f *fakeResultRepo) Upsert(ctx context.Context, result *domain.PromptResult) (bool, error) {
	if f.upsertFn != nil {
		return f.upsertFn(ctx, result)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, *result)
	return true, nil
}

type fakeAccountRepo struct {
	getByIDFn func(ctx context.Context, id string) (*domain.Account, error)
	eligible  []domain.Account
}

func (f *fakeAccountRepo) GetByID(ctx context.Context, id string) (*domain.Account, error) {
	if f.getByIDFn != nil {
		return f.getByIDFn(ctx, id)
	}
	sessionID := "browser-1"
	return &domain.Account{ID: id, Email: "ops@example.com", Eligible: true, BrowserSessionID: &sessionID}, nil
}

func (f *fakeAccountRepo) GetByEmail(context.Context, string) (*domain.Account, error) {
	return nil, domain.ErrNotFound
}

func (f *fakeAccountRepo) ListEligible(context.Context, domain.AccountCriteria, int) ([]domain.Account, error) {
	return f.eligible, nil
}

func (f *fakeAccountRepo) SetBrowserSession(context.Context, string, string) error { return nil }

func (f *fakeAccountRepo) MarkUsed(context.Context, string, time.Time) error { return nil }

func (f *fakeAccountRepo) RecordFailure(context.Context, string, int) (bool, error) {
	return false, nil
}

func (f *fakeAccountRepo) RecordSuccess(context.Context, string) error { return nil }

type fakeLeaser struct {
	mu         sync.Mutex
	acquireErr error
	acquired   int
	released   int
	keepAlives int
	failures   int
	successes  int
}

func (f *fakeLeaser) Acquire(_ context.Context, _ domain.AccountCriteria) (*session.Lease, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return nil, f.acquireErr
	}
	f.acquired++
	return &session.Lease{Account: domain.Account{ID: "acct-1"}, Token: "token-1"}, nil
}

func (f *fakeLeaser) KeepAlive(context.Context, *session.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAlives++
	return nil
}

func (f *fakeLeaser) Release(context.Context, *session.Lease) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released++
	return nil
}

func (f *fakeLeaser) RecordFailure(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return nil
}

func (f *fakeLeaser) RecordSuccess(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
	return nil
}

type fakeSpawner struct {
	mu      sync.Mutex
	spawnFn func(ctx context.Context, env config.WorkerEnv) (int, error)
	envs    []config.WorkerEnv
}

func (f *fakeSpawner) Spawn(ctx context.Context, env config.WorkerEnv) (int, error) {
	f.mu.Lock()
	f.envs = append(f.envs, env)
	f.mu.Unlock()
	if f.spawnFn != nil {
		return f.spawnFn(ctx, env)
	}
	return 0, nil
}

func (f *fakeSpawner) spawned() []config.WorkerEnv {
	f.mu.Lock()
	defer f.mu.Unlock()
	return slices.Clone(f.envs)
}

type fakePostProcessor struct {
	runFn func(ctx context.Context, jobID, reportID string) error
	calls int
}

func (f *fakePostProcessor) Run(ctx context.Context, jobID, reportID string) error {
	f.calls++
	if f.runFn != nil {
		return f.runFn(ctx, jobID, reportID)
	}
	return nil
}

type fakePublisher struct {
	publishFn func(ctx context.Context, queueName string, msg queue.TriggerMessage) error
	closeFn   func() error
}

func (f *fakePublisher) Publish(ctx context.Context, queueName string, msg queue.TriggerMessage) error {
	if f.publishFn != nil {
		return f.publishFn(ctx, queueName, msg)
	}
	return nil
}

func (f *fakePublisher) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

type fakeConsumer struct {
	consumeFn func(ctx context.Context, queueName string, handler queue.MessageHandler) error
}

func (f *fakeConsumer) Consume(ctx context.Context, queueName string, handler queue.MessageHandler) error {
	if f.consumeFn != nil {
		return f.consumeFn(ctx, queueName, handler)
	}
	<-ctx.Done()
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

type fakeRunner struct {
	runJobFn   func(ctx context.Context, jobID string, criteria domain.AccountCriteria) (domain.RunOutcome, error)
	runBrandFn func(ctx context.Context, brandID string, criteria domain.AccountCriteria) (domain.RunOutcome, error)
}

func (f *fakeRunner) RunJob(ctx context.Context, jobID string, criteria domain.AccountCriteria) (domain.RunOutcome, error) {
	if f.runJobFn != nil {
		return f.runJobFn(ctx, jobID, criteria)
	}
	return domain.RunOutcome{}, nil
}

func (f *fakeRunner) RunBrand(ctx context.Context, brandID string, criteria domain.AccountCriteria) (domain.RunOutcome, error) {
	if f.runBrandFn != nil {
		return f.runBrandFn(ctx, brandID, criteria)
	}
	return domain.RunOutcome{}, nil
}

type fakeChecker struct {
	checkFn func(ctx context.Context) (int, error)
}

func (f *fakeChecker) Check(ctx context.Context) (int, error) {
	if f.checkFn != nil {
		return f.checkFn(ctx)
	}
	return 0, nil
}

type fakeSession struct {
	extractor.Page
	reconnects int
	freshErr   error
	closed     bool
}

func (f *fakeSession) EnsureFresh(context.Context) error { return f.freshErr }

func (f *fakeSession) Reconnect(context.Context) error {
	f.reconnects++
	return nil
}

func (f *fakeSession) Close() { f.closed = true }

type fakeStrategy struct {
	submitFn  func(ctx context.Context, text string) (extractor.Response, error)
	extractFn func(ctx context.Context) ([]domain.Citation, error)
	submitted []string
}

func (f *fakeStrategy) SubmitPrompt(ctx context.Context, _ extractor.Page, text string) (extractor.Response, error) {
	f.submitted = append(f.submitted, text)
	if f.submitFn != nil {
		return f.submitFn(ctx, text)
	}
	return extractor.Response{Text: "answer to " + text, Samples: 3}, nil
}

func (f *fakeStrategy) ExtractCitations(ctx context.Context, _ extractor.Page) ([]domain.Citation, error) {
	if f.extractFn != nil {
		return f.extractFn(ctx)
	}
	return []domain.Citation{{URL: "https://example.org/a", Domain: "example.org"}}, nil
}
