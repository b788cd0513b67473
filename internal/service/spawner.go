package service

import (
	"context"
	"fmt"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
)

// Spawner runs one batch in an isolated worker and blocks until it exits.
type Spawner interface {
	Spawn(ctx context.Context, env config.WorkerEnv) (int, error)
}

// ProcessSpawner starts the batchworker binary with the batch context in its
// environment. Worker output is relayed into this process's log.
type ProcessSpawner struct {
	command string
	logger  *zap.Logger
	run     func(ctx context.Context, command string, extraEnv []string, onLine lineFunc) (ProcessResult, error)
}

func NewProcessSpawner(command string, logger *zap.Logger) *ProcessSpawner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ProcessSpawner{command: command, logger: logger, run: runProcess}
}

// Spawn returns the exit code; a non-zero exit is wrapped in domain.ErrChildProcessExit.
func (s *ProcessSpawner) Spawn(ctx context.Context, env config.WorkerEnv) (int, error) {
	logger := s.logger.With(
		zap.String("jobId", env.JobID),
		zap.Int("batch", env.BatchNumber),
	)

	result, err := s.run(ctx, s.command, env.Environ(), func(stream, line string) {
		logger.Info(line, zap.String("stream", stream))
	})
	if err != nil {
		return -1, err
	}
	if result.ExitCode != 0 {
		return result.ExitCode, fmt.Errorf("%w: batch %d/%d exit code %d",
			domain.ErrChildProcessExit, env.BatchNumber, env.TotalBatches, result.ExitCode)
	}
	return 0, nil
}
