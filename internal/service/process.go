package service

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
)

// ProcessResult is what a finished child process left behind.
type ProcessResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

const maxLineBytes = 1024 * 1024

type lineFunc func(stream, line string)

// runProcess starts command (split on whitespace) with the parent environment
// plus extraEnv, streams both pipes line by line to onLine, and waits for it.
// A non-zero exit is reported through ProcessResult, not as an error.
func runProcess(ctx context.Context, command string, extraEnv []string, onLine lineFunc) (ProcessResult, error) {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ProcessResult{}, fmt.Errorf("command is required")
	}

	cmd := exec.CommandContext(ctx, fields[0], fields[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ProcessResult{}, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ProcessResult{}, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return ProcessResult{}, fmt.Errorf("starting %s: %w", fields[0], err)
	}

	var stdoutBuf, stderrBuf strings.Builder
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, "stdout", &stdoutBuf, onLine)
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, "stderr", &stderrBuf, onLine)
	}()
	wg.Wait()

	result := ProcessResult{}
	err = cmd.Wait()
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return result, fmt.Errorf("waiting for %s: %w", fields[0], err)
		}
		result.ExitCode = exitErr.ExitCode()
	}
	return result, nil
}

// streamLines relays r line by line. A line longer than the scanner buffer
// ends relaying; the rest of r is drained so the child never blocks on a full pipe.
func streamLines(r io.Reader, stream string, out *strings.Builder, onLine lineFunc) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	for scanner.Scan() {
		emitLine(stream, scanner.Text(), out, onLine)
	}
	if err := scanner.Err(); err != nil {
		dropped, _ := io.Copy(io.Discard, r)
		emitLine(stream, fmt.Sprintf("[output dropped after %d bytes: %v]", dropped, err), out, onLine)
	}
}

func emitLine(stream, line string, out *strings.Builder, onLine lineFunc) {
	out.WriteString(line)
	out.WriteByte('\n')
	if onLine != nil {
		onLine(stream, line)
	}
}
