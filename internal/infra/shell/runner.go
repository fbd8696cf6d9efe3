// internal/infra/shell/runner.go
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultTimeout bounds a command when the caller gives no timeout.
const DefaultTimeout = 30 * time.Second

// Output is what a finished command produced.
type Output struct {
	Stdout   string `json:"stdout"`
	Stderr   string `json:"stderr"`
	ExitCode int    `json:"exit_code"`
}

// ExitError is returned when the command ran but exited non-zero. The
// captured output is still returned alongside it.
type ExitError struct {
	Command  string
	ExitCode int
	Stderr   string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return fmt.Sprintf("command %q exited with code %d", e.Command, e.ExitCode)
	}
	return fmt.Sprintf("command %q exited with code %d: %s", e.Command, e.ExitCode, e.Stderr)
}

// Runner executes commands through bash.
type Runner struct {
	logger *slog.Logger
	tracer trace.Tracer
	shell  string
}

// NewRunner creates a Runner that logs through logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{
		logger: logger.With("component", "shell"),
		tracer: otel.Tracer("taskpool-shell"),
		shell:  "bash",
	}
}

// Run executes command and waits for it, killing it once timeout elapses. A
// zero timeout means DefaultTimeout.
func (r *Runner) Run(ctx context.Context, command string, timeout time.Duration) (Output, error) {
	ctx, span := r.tracer.Start(ctx, "shell.Run",
		trace.WithAttributes(attribute.String("shell.command", command)))
	defer span.End()

	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	r.logger.Info("running shell command", "command", command, "timeout", timeout)

	cmd := exec.CommandContext(execCtx, r.shell, "-c", command)
	// Children that inherit the output pipes must not keep Run blocked.
	cmd.WaitDelay = time.Second
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	out := Output{Stdout: stdout.String(), Stderr: stderr.String()}
	if err == nil {
		r.logger.Info("shell command finished", "command", command)
		return out, nil
	}

	span.SetStatus(codes.Error, "shell command failed")
	span.RecordError(err)

	if execCtx.Err() == context.DeadlineExceeded {
		out.ExitCode = -1
		return out, fmt.Errorf("command %q timed out after %s", command, timeout)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		out.ExitCode = exitErr.ExitCode()
		span.SetAttributes(attribute.Int("shell.exit_code", out.ExitCode))
		return out, &ExitError{Command: command, ExitCode: out.ExitCode, Stderr: out.Stderr}
	}
	return out, fmt.Errorf("failed to start command %q: %w", command, err)
}
