// Package executor invokes external model CLIs. The rest of the system treats
// a capability as an opaque command that takes a prompt on stdin and returns
// text, bounded by a timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// Executor runs a prompt against a named capability.
type Executor interface {
	Execute(ctx context.Context, capability, prompt string) (string, error)
}

// ErrUnknownCapability is returned when no command is mapped for a capability.
var ErrUnknownCapability = errors.New("unknown capability")

// TimeoutError reports that a capability failed to answer within its budget.
type TimeoutError struct {
	Capability string
	Timeout    time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("capability %s timed out after %s", e.Capability, e.Timeout)
}

// ExecutionError reports a non-zero exit or spawn failure from a capability.
type ExecutionError struct {
	Capability string
	Err        error
	Stderr     string
}

func (e *ExecutionError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("capability %s failed: %v: %s", e.Capability, e.Err, e.Stderr)
	}
	return fmt.Sprintf("capability %s failed: %v", e.Capability, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Command describes how to invoke one capability's CLI.
type Command struct {
	Path string
	Args []string
}

// CLIExecutor shells out to per-capability commands, writing the prompt to
// stdin and returning trimmed stdout.
type CLIExecutor struct {
	commands map[string]Command
	timeout  time.Duration
}

func NewCLIExecutor(commands map[string]Command, timeout time.Duration) *CLIExecutor {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &CLIExecutor{commands: commands, timeout: timeout}
}

func (e *CLIExecutor) Execute(ctx context.Context, capability, prompt string) (string, error) {
	command, ok := e.commands[capability]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownCapability, capability)
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, command.Path, command.Args...)
	cmd.Stdin = strings.NewReader(prompt)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", &TimeoutError{Capability: capability, Timeout: e.timeout}
	}
	if err != nil {
		return "", &ExecutionError{
			Capability: capability,
			Err:        err,
			Stderr:     strings.TrimSpace(stderr.String()),
		}
	}

	out := strings.TrimSpace(stdout.String())
	if out == "" {
		// Some CLIs report on stderr even on success.
		out = strings.TrimSpace(stderr.String())
	}
	return out, nil
}
