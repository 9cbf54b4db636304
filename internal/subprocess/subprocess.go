// Package subprocess runs external commands with JSON on stdin and bounded output.
// It backs every command-driven collaborator: worker routines, proposal
// generators and action executors.
package subprocess

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"
)

// MaxOutputSize is the maximum number of bytes kept from stdout and stderr (10MB).
const MaxOutputSize = 10 * 1024 * 1024

// Command describes one invocation.
type Command struct {
	Args    []string      // argv, Args[0] is the executable
	Timeout time.Duration // 0 = bounded only by ctx
	Dir     string        // Working directory, empty = inherit
	Env     []string      // Appended to the current environment
}

// Result is the captured output of a finished process.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   string
	Duration time.Duration
}

// ExitError reports a process that ran but did not succeed.
type ExitError struct {
	ExitCode int
	Stderr   string
	TimedOut bool
}

func (e *ExitError) Error() string {
	if e.TimedOut {
		return "process timed out"
	}
	if e.Stderr != "" {
		return fmt.Sprintf("process exited with code %d: %s", e.ExitCode, Truncate(e.Stderr, 200))
	}
	return fmt.Sprintf("process exited with code %d", e.ExitCode)
}

// Run starts the command, writes input as JSON to its stdin, and waits for it to exit.
// A nil input sends an empty stdin. Non-zero exit codes and timeouts return *ExitError.
func Run(ctx context.Context, cmd Command, input interface{}) (*Result, error) {
	if len(cmd.Args) == 0 {
		return nil, fmt.Errorf("command array is empty")
	}

	var stdin []byte
	if input != nil {
		data, err := json.Marshal(input)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal command input: %w", err)
		}
		stdin = data
	}

	execCtx := ctx
	if cmd.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, cmd.Timeout)
		defer cancel()
	}

	proc := exec.CommandContext(execCtx, cmd.Args[0], cmd.Args[1:]...)
	proc.Dir = cmd.Dir
	if len(cmd.Env) > 0 {
		proc.Env = append(os.Environ(), cmd.Env...)
	}
	proc.Stdin = bytes.NewReader(stdin)

	stdoutBuf := &bytes.Buffer{}
	stderrBuf := &bytes.Buffer{}
	proc.Stdout = &limitedWriter{w: stdoutBuf, limit: MaxOutputSize}
	proc.Stderr = &limitedWriter{w: stderrBuf, limit: MaxOutputSize}

	start := time.Now()
	err := proc.Run()
	result := &Result{
		Stdout:   stdoutBuf.Bytes(),
		Stderr:   stderrBuf.String(),
		Duration: time.Since(start),
	}

	if stdoutBuf.Len() >= MaxOutputSize || stderrBuf.Len() >= MaxOutputSize {
		result.ExitCode = -1
		return result, fmt.Errorf("command output exceeded 10MB limit")
	}

	if err != nil {
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			result.ExitCode = -1
			return result, &ExitError{ExitCode: -1, Stderr: result.Stderr, TimedOut: true}
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, &ExitError{ExitCode: result.ExitCode, Stderr: result.Stderr}
		}
		// Process couldn't be started or the parent context was cancelled
		result.ExitCode = -1
		return result, fmt.Errorf("failed to run %s: %w", cmd.Args[0], err)
	}

	return result, nil
}

// RunJSON runs the command and decodes its stdout into out.
func RunJSON(ctx context.Context, cmd Command, input, out interface{}) (*Result, error) {
	result, err := Run(ctx, cmd, input)
	if err != nil {
		return result, err
	}
	if len(bytes.TrimSpace(result.Stdout)) == 0 {
		return result, fmt.Errorf("command produced no output on stdout")
	}
	if err := json.Unmarshal(result.Stdout, out); err != nil {
		return result, fmt.Errorf("invalid JSON on stdout: %w", err)
	}
	return result, nil
}

// limitedWriter wraps a writer and enforces a size limit.
// Once the limit is reached, further writes are discarded.
type limitedWriter struct {
	w       io.Writer
	limit   int
	written int
}

func (lw *limitedWriter) Write(p []byte) (n int, err error) {
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return len(p), nil
	}

	toWrite := p
	if len(p) > remaining {
		toWrite = p[:remaining]
	}

	n, err = lw.w.Write(toWrite)
	lw.written += n
	return len(p), err
}

// Truncate limits a string to maxLen characters, appending "..." if truncated
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
