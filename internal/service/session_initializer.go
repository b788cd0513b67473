package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
)

const defaultInitSessionTimeout = 5 * time.Minute

// SessionInitializer runs the initsession binary for one account and waits
// for it, returning whatever the process printed.
type SessionInitializer struct {
	command string
	timeout time.Duration
	logger  *zap.Logger
	run     func(ctx context.Context, command string, extraEnv []string, onLine lineFunc) (ProcessResult, error)
}

func NewSessionInitializer(command string, timeout time.Duration, logger *zap.Logger) *SessionInitializer {
	if timeout <= 0 {
		timeout = defaultInitSessionTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionInitializer{command: command, timeout: timeout, logger: logger, run: runProcess}
}

// Initialize returns the process result for exits of any code. The error is
// reserved for a process that could not be started or timed out.
func (s *SessionInitializer) Initialize(ctx context.Context, accountEmail string) (ProcessResult, error) {
	accountEmail = strings.TrimSpace(accountEmail)
	if accountEmail == "" {
		return ProcessResult{}, fmt.Errorf("%w: accountEmail is required", domain.ErrValidation)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	logger := s.logger.With(zap.String("accountEmail", accountEmail))
	logger.Info("initializing browser session")

	result, err := s.run(ctx, s.command, []string{"ACCOUNT_EMAIL=" + accountEmail}, func(stream, line string) {
		logger.Info(line, zap.String("stream", stream))
	})
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return result, fmt.Errorf("%w: initialization exceeded %s", domain.ErrSessionTimeout, s.timeout)
	}
	if err != nil {
		return result, err
	}

	logger.Info("session initialization finished", zap.Int("exitCode", result.ExitCode))
	return result, nil
}
