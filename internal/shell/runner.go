package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/brendaschussler/scaniot-capture/internal/logger"
)

// ErrNoElevatedAccess is returned when the elevated shell is missing
// or the privilege grant was denied.
var ErrNoElevatedAccess = errors.New("elevated access unavailable")

// ErrCaptureToolMissing is returned when tcpdump is not runnable in
// the elevated environment.
var ErrCaptureToolMissing = errors.New("tcpdump not available in elevated environment")

// ErrTimeoutHelperMissing is returned when the bounded-execution
// helper required for time-limited captures is absent.
var ErrTimeoutHelperMissing = errors.New("timeout helper not available in elevated environment")

// Process is a handle to a running elevated command.
type Process interface {
	// Stderr is the live standard error stream of the command.
	Stderr() io.Reader
	// Wait blocks until the command exits.
	Wait() error
	// Kill terminates the command immediately.
	Kill() error
}

// Runner executes command lines with elevated privilege. The capture
// supervisor and the precondition checks both go through this
// boundary so tests can script it.
type Runner interface {
	// Start launches cmdline under the elevated shell and returns a
	// handle to the running process.
	Start(ctx context.Context, cmdline string) (Process, error)
	// Run executes cmdline to completion and returns its combined
	// stdout. A non-zero exit is an error.
	Run(ctx context.Context, cmdline string) (string, error)
}

// commandContext is swapped out by tests.
var commandContext = exec.CommandContext

// SuRunner runs command lines through `su -c`, the same execution
// context the capture tool needs.
type SuRunner struct {
	log *logger.Logger
}

// NewSuRunner creates a Runner backed by the su binary.
func NewSuRunner() *SuRunner {
	return &SuRunner{log: logger.GetLogger()}
}

type suProcess struct {
	cmd    *exec.Cmd
	stderr io.Reader
}

func (p *suProcess) Stderr() io.Reader { return p.stderr }

func (p *suProcess) Wait() error { return p.cmd.Wait() }

func (p *suProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (r *SuRunner) Start(ctx context.Context, cmdline string) (Process, error) {
	r.log.Debug("Starting elevated command: %s", cmdline)

	cmd := commandContext(ctx, "su", "-c", cmdline)
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoElevatedAccess, err)
	}
	return &suProcess{cmd: cmd, stderr: stderr}, nil
}

func (r *SuRunner) Run(ctx context.Context, cmdline string) (string, error) {
	r.log.Debug("Running elevated command: %s", cmdline)

	cmd := commandContext(ctx, "su", "-c", cmdline)
	out, err := cmd.Output()
	if err != nil {
		return string(out), fmt.Errorf("elevated command failed: %w", err)
	}
	return string(out), nil
}

// CheckElevatedAccess verifies the elevated shell works and actually
// grants root (uid=0).
func CheckElevatedAccess(ctx context.Context, r Runner) error {
	out, err := r.Run(ctx, "id")
	if err != nil {
		return ErrNoElevatedAccess
	}
	if !strings.Contains(out, "uid=0") {
		return ErrNoElevatedAccess
	}
	return nil
}

// CheckCaptureTool verifies tcpdump is runnable in the same elevated
// context captures will use.
func CheckCaptureTool(ctx context.Context, r Runner) error {
	out, err := r.Run(ctx, "tcpdump --version >/dev/null 2>&1 && echo 1 || echo 0")
	if err != nil || strings.TrimSpace(out) != "1" {
		return ErrCaptureToolMissing
	}
	return nil
}

// CheckTimeoutHelper verifies the bounded-execution helper used by
// time-limited captures is present.
func CheckTimeoutHelper(ctx context.Context, r Runner) error {
	if _, err := r.Run(ctx, "which timeout || command -v timeout"); err != nil {
		return ErrTimeoutHelperMissing
	}
	return nil
}
