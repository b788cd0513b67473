package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"github.com/kursadbilgin/citation-pipeline/internal/observability"
	"github.com/kursadbilgin/citation-pipeline/internal/repository"
	"github.com/kursadbilgin/citation-pipeline/internal/session"
	"go.uber.org/zap"
)

const (
	defaultChunkSize       = 5
	defaultInterBatchPause = 3 * time.Second
	defaultHeartbeat       = 10 * time.Minute
	finalizeTimeout        = 30 * time.Second
)

// AccountLeaser hands out exclusive accounts for a run and keeps their failure history.
type AccountLeaser interface {
	Acquire(ctx context.Context, criteria domain.AccountCriteria) (*session.Lease, error)
	KeepAlive(ctx context.Context, lease *session.Lease) error
	Release(ctx context.Context, lease *session.Lease) error
	RecordFailure(ctx context.Context, accountID string) error
	RecordSuccess(ctx context.Context, accountID string) error
}

// PostProcessor is the End-of-Day enrichment step run after all batches.
type PostProcessor interface {
	Run(ctx context.Context, jobID, reportID string) error
}

// OrchestratorOptions tunes a run. HeartbeatInterval must stay well under the
// account lease TTL and the stale-run threshold.
type OrchestratorOptions struct {
	ChunkSize         int
	InterBatchPause   time.Duration
	SuccessPolicy     string
	HeartbeatInterval time.Duration
}

// Orchestrator drives one job from claim to terminal status, one worker
// process per chunk of prompts.
type Orchestrator struct {
	jobs    repository.JobRepository
	batches repository.BatchRunRepository
	prompts repository.PromptRepository
	leaser  AccountLeaser
	spawner Spawner
	post    PostProcessor
	opts    OrchestratorOptions
	metrics *observability.Metrics
	logger  *zap.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func NewOrchestrator(
	jobs repository.JobRepository,
	batches repository.BatchRunRepository,
	prompts repository.PromptRepository,
	leaser AccountLeaser,
	spawner Spawner,
	post PostProcessor,
	opts OrchestratorOptions,
	logger *zap.Logger,
) *Orchestrator {
	if opts.ChunkSize < 1 {
		opts.ChunkSize = defaultChunkSize
	}
	if opts.InterBatchPause < 0 {
		opts.InterBatchPause = defaultInterBatchPause
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeat
	}
	opts.SuccessPolicy = strings.ToLower(strings.TrimSpace(opts.SuccessPolicy))
	if opts.SuccessPolicy == "" {
		opts.SuccessPolicy = config.SuccessPolicyAttempted
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Orchestrator{
		jobs:    jobs,
		batches: batches,
		prompts: prompts,
		leaser:  leaser,
		spawner: spawner,
		post:    post,
		opts:    opts,
		logger:  logger,
		sleep:   sleepWithContext,
	}
}

func (o *Orchestrator) SetMetrics(metrics *observability.Metrics) {
	if o == nil {
		return
	}
	o.metrics = metrics
}

// RunBrand runs the brand's latest job.
func (o *Orchestrator) RunBrand(ctx context.Context, brandID string, criteria domain.AccountCriteria) (domain.RunOutcome, error) {
	job, err := o.jobs.LatestForBrand(ctx, brandID)
	if err != nil {
		return domain.RunOutcome{}, fmt.Errorf("find job for brand %s: %w", brandID, err)
	}
	return o.RunJob(ctx, job.ID, criteria)
}

// RunJob claims the job and processes all of its prompts. A job that is
// already running or has succeeded returns domain.ErrConflict without side effects.
// The run stops and fails as soon as it loses the account lease or its claim on the job.
func (o *Orchestrator) RunJob(ctx context.Context, jobID string, criteria domain.AccountCriteria) (outcome domain.RunOutcome, err error) {
	logger := observability.WithContextLogger(o.logger, ctx).With(zap.String("jobId", jobID))

	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return domain.RunOutcome{}, err
	}
	if !job.Status.Claimable() {
		return domain.RunOutcome{}, fmt.Errorf("%w: job %s is %s", domain.ErrConflict, jobID, job.Status)
	}
	claimToken, err := o.jobs.Claim(ctx, jobID)
	if err != nil {
		return domain.RunOutcome{}, err
	}
	logger.Info("job claimed")

	o.metrics.IncRunsInFlight()
	defer o.metrics.DecRunsInFlight()

	fail := func(cause error) {
		o.finish(logger, jobID, claimToken, domain.JobStatusFailed, outcome, cause)
	}

	defer func() {
		if r := recover(); r != nil {
			logger.Error("orchestrator panicked", zap.Any("panic", r))
			err = fmt.Errorf("orchestrator panic: %v", r)
			fail(err)
		}
	}()

	lease, err := o.leaser.Acquire(ctx, criteria)
	if err != nil {
		fail(err)
		return outcome, fmt.Errorf("acquire account: %w", err)
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if err := o.leaser.Release(releaseCtx, lease); err != nil {
			logger.Error("failed to release account lease", zap.Error(err))
		}
	}()
	logger = logger.With(zap.String("accountId", lease.Account.ID))

	runCtx, cancelRun := context.WithCancelCause(ctx)
	defer cancelRun(nil)
	stopHeartbeat := o.startHeartbeat(runCtx, cancelRun, logger, jobID, claimToken, lease)
	defer stopHeartbeat()

	prompts, err := o.prompts.ListByBrand(runCtx, job.BrandID)
	if err != nil {
		fail(err)
		return outcome, fmt.Errorf("load prompts: %w", err)
	}
	if err := o.jobs.SetTotal(runCtx, jobID, len(prompts)); err != nil {
		fail(err)
		return outcome, fmt.Errorf("set total: %w", err)
	}

	chunks := chunkPrompts(prompts, o.opts.ChunkSize)
	outcome.Batches = len(chunks)
	logger.Info("run started", zap.Int("prompts", len(prompts)), zap.Int("batches", len(chunks)))

	offset := 0
	for i, chunk := range chunks {
		if i > 0 && o.opts.InterBatchPause > 0 {
			if err := o.sleep(runCtx, o.opts.InterBatchPause); err != nil {
				err = causeOf(runCtx, err)
				fail(err)
				return outcome, err
			}
		}

		ok, err := o.runBatch(runCtx, logger, job, lease, chunk, i+1, len(chunks), offset)
		if err != nil {
			fail(err)
			return outcome, err
		}
		if ok {
			outcome.SuccessCount += len(chunk)
		} else {
			outcome.FailureCount += len(chunk)
		}
		offset += len(chunk)

		settled := []zap.Field{zap.Int("batch", i+1), zap.Bool("succeeded", ok), zap.Int("total", len(prompts))}
		if current, err := o.jobs.GetByID(runCtx, jobID); err == nil {
			settled = append(settled, zap.Int("processed", current.ProcessedCount))
		}
		logger.Info("batch settled", settled...)

		if err := o.beat(runCtx, jobID, claimToken, lease); err != nil {
			if lostOwnership(err) {
				fail(err)
				return outcome, err
			}
			logger.Warn("heartbeat failed", zap.Error(err))
		}
	}
	outcome.Attempted = true

	if o.post != nil {
		if err := o.post.Run(runCtx, job.ID, job.ReportID); err != nil {
			logger.Error("end-of-day post-processing failed", zap.Error(err))
		}
	}

	status := decideStatus(o.opts.SuccessPolicy, outcome)
	o.finish(logger, jobID, claimToken, status, outcome, nil)
	return outcome, nil
}

// startHeartbeat refreshes the account lease and the job heartbeat every
// HeartbeatInterval until the returned stop func is called. Losing either
// cancels ctx with the loss as cause, which also kills a running worker.
func (o *Orchestrator) startHeartbeat(
	ctx context.Context,
	cancel context.CancelCauseFunc,
	logger *zap.Logger,
	jobID, claimToken string,
	lease *session.Lease,
) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)

		ticker := time.NewTicker(o.opts.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := o.beat(ctx, jobID, claimToken, lease)
				if err == nil {
					continue
				}
				if lostOwnership(err) {
					logger.Error("run lost ownership, stopping", zap.Error(err))
					cancel(err)
					return
				}
				if ctx.Err() == nil {
					logger.Warn("heartbeat failed", zap.Error(err))
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}

func (o *Orchestrator) beat(ctx context.Context, jobID, claimToken string, lease *session.Lease) error {
	if err := o.leaser.KeepAlive(ctx, lease); err != nil {
		return fmt.Errorf("refresh account lease: %w", err)
	}
	if err := o.jobs.Heartbeat(ctx, jobID, claimToken); err != nil {
		return fmt.Errorf("job heartbeat: %w", err)
	}
	return nil
}

func lostOwnership(err error) bool {
	return errors.Is(err, domain.ErrLeaseLost) || errors.Is(err, domain.ErrConflict)
}

// causeOf prefers the cancellation cause of ctx over err once ctx is done.
func causeOf(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		if cause := context.Cause(ctx); cause != nil {
			return cause
		}
	}
	return err
}

// runBatch spawns the worker for one chunk. It reports whether the worker
// succeeded; the error is only for failures of the control loop itself.
func (o *Orchestrator) runBatch(
	ctx context.Context,
	logger *zap.Logger,
	job *domain.Job,
	lease *session.Lease,
	chunk []domain.Prompt,
	sequence, total, offset int,
) (bool, error) {
	ids := make([]string, 0, len(chunk))
	for _, p := range chunk {
		ids = append(ids, p.ID)
	}

	run := &domain.BatchRun{
		ID:           uuid.NewString(),
		JobID:        job.ID,
		Sequence:     sequence,
		TotalBatches: total,
		PromptOffset: offset,
		Size:         len(chunk),
		Status:       domain.JobStatusPending,
	}
	if err := o.batches.Create(ctx, run); err != nil {
		return false, fmt.Errorf("create batch run: %w", err)
	}

	env := config.WorkerEnv{
		JobID:        job.ID,
		BatchRunID:   run.ID,
		AccountID:    lease.Account.ID,
		ReportID:     job.ReportID,
		PromptIDs:    strings.Join(ids, ","),
		BatchNumber:  sequence,
		TotalBatches: total,
		PromptOffset: offset,
	}

	batchLogger := logger.With(zap.Int("batch", sequence), zap.Int("totalBatches", total))
	batchLogger.Info("spawning batch worker", zap.Int("size", len(chunk)))

	exitCode, spawnErr := o.spawner.Spawn(ctx, env)
	if ctx.Err() != nil {
		cause := causeOf(ctx, ctx.Err())
		msg := cause.Error()
		finishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
		defer cancel()
		if err := o.batches.Finish(finishCtx, run.ID, domain.JobStatusFailed, nil, &msg); err != nil {
			batchLogger.Error("failed to record interrupted batch", zap.Error(err))
		}
		return false, cause
	}

	if spawnErr == nil {
		code := exitCode
		if err := o.batches.Finish(ctx, run.ID, domain.JobStatusSucceeded, &code, nil); err != nil {
			batchLogger.Error("failed to record batch success", zap.Error(err))
		}
		if err := o.leaser.RecordSuccess(ctx, lease.Account.ID); err != nil {
			batchLogger.Warn("failed to reset account failures", zap.Error(err))
		}
		o.metrics.IncBatch("succeeded")
		batchLogger.Info("batch succeeded")
		return true, nil
	}

	batchLogger.Error("batch failed", zap.Int("exitCode", exitCode), zap.Error(spawnErr))
	o.metrics.IncBatch("failed")

	// The worker advanced progress for what it finished; cover the rest so the
	// counter reaches the job total.
	remaining := len(chunk)
	if stored, err := o.batches.GetByID(ctx, run.ID); err == nil {
		remaining = len(chunk) - stored.ProcessedCount
	} else {
		batchLogger.Warn("failed to read batch progress, advancing by full size", zap.Error(err))
	}
	if err := o.jobs.AdvanceProgress(ctx, job.ID, remaining); err != nil {
		return false, fmt.Errorf("advance progress for failed batch: %w", err)
	}

	msg := spawnErr.Error()
	var codePtr *int
	if exitCode >= 0 {
		codePtr = &exitCode
	}
	if err := o.batches.Finish(ctx, run.ID, domain.JobStatusFailed, codePtr, &msg); err != nil {
		batchLogger.Error("failed to record batch failure", zap.Error(err))
	}
	if err := o.leaser.RecordFailure(ctx, lease.Account.ID); err != nil {
		batchLogger.Warn("failed to record account failure", zap.Error(err))
	}
	return false, nil
}

func (o *Orchestrator) finish(
	logger *zap.Logger,
	jobID, claimToken string,
	status domain.JobStatus,
	outcome domain.RunOutcome,
	cause error,
) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	var msg *string
	if cause != nil {
		text := cause.Error()
		msg = &text
	}
	if err := o.jobs.Finish(ctx, jobID, claimToken, status, outcome, msg); err != nil {
		logger.Error("failed to record job status", zap.String("status", status.String()), zap.Error(err))
		return
	}

	fields := []zap.Field{
		zap.String("status", status.String()),
		zap.Int("successCount", outcome.SuccessCount),
		zap.Int("failureCount", outcome.FailureCount),
	}
	if cause != nil && !errors.Is(cause, context.Canceled) {
		logger.Error("job finished", append(fields, zap.Error(cause))...)
		return
	}
	logger.Info("job finished", fields...)
}

// decideStatus maps a run that reached the end of its chunks to a terminal status.
func decideStatus(policy string, outcome domain.RunOutcome) domain.JobStatus {
	if !outcome.Attempted {
		return domain.JobStatusFailed
	}

	switch policy {
	case config.SuccessPolicyAny:
		if outcome.Batches == 0 || outcome.SuccessCount > 0 {
			return domain.JobStatusSucceeded
		}
		return domain.JobStatusFailed
	case config.SuccessPolicyAll:
		if outcome.FailureCount == 0 {
			return domain.JobStatusSucceeded
		}
		return domain.JobStatusFailed
	default:
		return domain.JobStatusSucceeded
	}
}

// chunkPrompts splits prompts into consecutive slices of at most size.
func chunkPrompts(prompts []domain.Prompt, size int) [][]domain.Prompt {
	if size < 1 {
		size = 1
	}

	chunks := make([][]domain.Prompt, 0, (len(prompts)+size-1)/size)
	for start := 0; start < len(prompts); start += size {
		end := min(start+size, len(prompts))
		chunks = append(chunks, prompts[start:end])
	}
	return chunks
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
