package service

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kursadbilgin/citation-pipeline/internal/config"
	"github.com/kursadbilgin/citation-pipeline/internal/domain"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestProcessSpawnerPassesEnvAndRelaysOutput(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.InfoLevel)
	spawner := NewProcessSpawner("batchworker --verbose", zap.New(core))

	var gotCommand string
	var gotEnv []string
	spawner.run = func(_ context.Context, command string, extraEnv []string, onLine lineFunc) (ProcessResult, error) {
		gotCommand = command
		gotEnv = extraEnv
		onLine("stdout", "prompt 1/2 stored")
		onLine("stderr", "slow response")
		return ProcessResult{ExitCode: 0}, nil
	}

	env := config.WorkerEnv{JobID: "job-1", BatchRunID: "run-1", AccountID: "acct-1", ReportID: "r-1", PromptIDs: "p1,p2", BatchNumber: 2, TotalBatches: 3, PromptOffset: 5}
	code, err := spawner.Spawn(context.Background(), env)
	if err != nil || code != 0 {
		t.Fatalf("Spawn() = %d, %v, want 0, nil", code, err)
	}
	if gotCommand != "batchworker --verbose" {
		t.Fatalf("command = %q", gotCommand)
	}
	for _, want := range []string{"PIPELINE_PROMPT_IDS=p1,p2", "PIPELINE_BATCH_NUMBER=2", "PIPELINE_PROMPT_OFFSET=5"} {
		if !slices.Contains(gotEnv, want) {
			t.Fatalf("env %v missing %s", gotEnv, want)
		}
	}

	entries := logs.FilterMessage("slow response").All()
	if len(entries) != 1 {
		t.Fatalf("relayed stderr lines = %d, want 1", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["stream"] != "stderr" || fields["batch"] != int64(2) {
		t.Fatalf("fields = %v", fields)
	}
}

func TestProcessSpawnerNonZeroExit(t *testing.T) {
	t.Parallel()

	spawner := NewProcessSpawner("batchworker", nil)
	spawner.run = func(context.Context, string, []string, lineFunc) (ProcessResult, error) {
		return ProcessResult{ExitCode: 2}, nil
	}

	code, err := spawner.Spawn(context.Background(), config.WorkerEnv{BatchNumber: 1, TotalBatches: 1})
	if code != 2 || !errors.Is(err, domain.ErrChildProcessExit) {
		t.Fatalf("Spawn() = %d, %v, want 2 and ErrChildProcessExit", code, err)
	}
}

func TestProcessSpawnerStartFailure(t *testing.T) {
	t.Parallel()

	spawner := NewProcessSpawner("batchworker", nil)
	spawner.run = func(context.Context, string, []string, lineFunc) (ProcessResult, error) {
		return ProcessResult{}, errors.New("executable not found")
	}

	code, err := spawner.Spawn(context.Background(), config.WorkerEnv{})
	if code != -1 || err == nil || errors.Is(err, domain.ErrChildProcessExit) {
		t.Fatalf("Spawn() = %d, %v, want -1 and a start error", code, err)
	}
}

func TestRunProcessCapturesOutputAndExitCode(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script, err := os.CreateTemp(t.TempDir(), "child-*.sh")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = script.WriteString("echo \"job=$PIPELINE_JOB_ID\"\necho oops >&2\nexit 3\n")
	_ = script.Close()

	var (
		mu    sync.Mutex
		lines []string
	)
	result, err := runProcess(context.Background(), "sh "+script.Name(), []string{"PIPELINE_JOB_ID=job-9"}, func(stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, stream+":"+line)
	})
	if err != nil {
		t.Fatalf("runProcess() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Fatalf("exit code = %d, want 3", result.ExitCode)
	}
	if strings.TrimSpace(result.Stdout) != "job=job-9" || strings.TrimSpace(result.Stderr) != "oops" {
		t.Fatalf("stdout = %q stderr = %q", result.Stdout, result.Stderr)
	}
	if !slices.Contains(lines, "stdout:job=job-9") || !slices.Contains(lines, "stderr:oops") {
		t.Fatalf("lines = %v", lines)
	}
}

func TestRunProcessSurvivesOversizedLine(t *testing.T) {
	t.Parallel()

	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}

	script, err := os.CreateTemp(t.TempDir(), "child-*.sh")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = script.WriteString("head -c 2097152 /dev/zero | tr '\\000' a\necho\necho after\nexit 4\n")
	_ = script.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		mu    sync.Mutex
		lines []string
	)
	result, err := runProcess(ctx, "sh "+script.Name(), nil, func(stream, line string) {
		mu.Lock()
		defer mu.Unlock()
		lines = append(lines, stream+":"+line)
	})
	if err != nil {
		t.Fatalf("runProcess() error = %v", err)
	}
	if result.ExitCode != 4 {
		t.Fatalf("exit code = %d, want 4 (child must not block on a full pipe)", result.ExitCode)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(lines) != 1 || !strings.HasPrefix(lines[0], "stdout:[output dropped after ") {
		t.Fatalf("lines = %v, want one dropped-output notice", lines)
	}
	if !strings.Contains(result.Stdout, "token too long") {
		t.Fatalf("stdout = %q, want the scanner error recorded", result.Stdout)
	}
}

func TestRunProcessEmptyCommand(t *testing.T) {
	t.Parallel()

	if _, err := runProcess(context.Background(), "  ", nil, nil); err == nil {
		t.Fatal("expected error for empty command")
	}
}
