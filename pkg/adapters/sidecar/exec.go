package sidecar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"
)

// RunResult is the outcome of one sidecar process.
type RunResult struct {
	OK       bool
	ExitCode int
	Stdout   []byte
	Stderr   []byte
}

// Runner runs command with args, writing stdin to the process. The error is
// non-nil only when the process could not be run at all.
type Runner func(ctx context.Context, command string, args []string, stdin []byte, timeout time.Duration) (RunResult, error)

// timeoutExitCode mirrors coreutils timeout(1).
const timeoutExitCode = 124

// ExecRunner runs the sidecar with os/exec.
func ExecRunner(ctx context.Context, command string, args []string, stdin []byte, timeout time.Duration) (RunResult, error) {
	if timeout > 0 {
		var cancel context.CancelFunc

		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Stdin = bytes.NewReader(stdin)

	var stdout, stderr bytes.Buffer

	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()

	result := RunResult{Stdout: stdout.Bytes(), Stderr: stderr.Bytes()}

	if ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		result.ExitCode = timeoutExitCode
		result.Stderr = append(result.Stderr, []byte(fmt.Sprintf("\nsidecar timed out after %s", timeout))...)

		return result, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		result.ExitCode = exitErr.ExitCode()

		return result, nil
	}

	if err != nil {
		return result, fmt.Errorf("failed to run sidecar %s: %w", command, err)
	}

	result.OK = true

	return result, nil
}
