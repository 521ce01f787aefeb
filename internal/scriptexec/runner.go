// Package scriptexec runs module scripts and scheduler commands as external
// processes with combined output capture and an upper bound on run time.
package scriptexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// maxCapturedOutput caps the output kept in memory; log files get everything.
const maxCapturedOutput = 1 << 20 // 1 MB

// ErrTimeout is returned when a command exceeds its timeout and was killed.
var ErrTimeout = errors.New("command timed out")

// Command describes one external process invocation.
type Command struct {
	Name    string        // Executable path or name looked up in PATH
	Args    []string      // Arguments
	Dir     string        // Working directory
	Env     []string      // Extra KEY=VALUE entries appended to the parent environment
	Timeout time.Duration // Zero uses the runner's default
	LogPath string        // Optional file receiving a copy of combined output
}

// Result is the outcome of a command that started.
type Result struct {
	ExitCode int
	Output   string
	Duration time.Duration
}

// Success reports whether the process exited with status 0.
func (r *Result) Success() bool {
	return r != nil && r.ExitCode == 0
}

// Runner executes commands. Implementations must be safe for concurrent use.
type Runner interface {
	// Run executes cmd and waits for it. A non-zero exit status is reported in
	// Result, not as an error; errors mean the process could not be started or
	// was killed on timeout (in which case Result is still returned).
	Run(ctx context.Context, cmd Command) (*Result, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	DefaultTimeout time.Duration
	logger         *slog.Logger
}

// NewExecRunner creates a runner with the given default timeout.
func NewExecRunner(defaultTimeout time.Duration) *ExecRunner {
	return &ExecRunner{
		DefaultTimeout: defaultTimeout,
		logger:         slog.With("component", "scriptexec"),
	}
}

// Run implements Runner.
func (r *ExecRunner) Run(ctx context.Context, c Command) (*Result, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = r.DefaultTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Env = append(os.Environ(), c.Env...)
	// Scripts commonly fork (mpirun, srun); kill the whole group on timeout.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return unix.Kill(-cmd.Process.Pid, unix.SIGKILL)
	}
	cmd.WaitDelay = 5 * time.Second

	captured := &limitedBuffer{limit: maxCapturedOutput}
	var out io.Writer = captured
	if c.LogPath != "" {
		logFile, err := openLog(c.LogPath)
		if err != nil {
			return nil, err
		}
		defer logFile.Close()
		out = io.MultiWriter(captured, logFile)
	}
	cmd.Stdout = out
	cmd.Stderr = out

	logger := r.logger.With("command", c.Name, "dir", c.Dir)
	start := time.Now()
	err := cmd.Run()
	result := &Result{
		Output:   captured.String(),
		Duration: time.Since(start),
	}

	var exitErr *exec.ExitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		result.ExitCode = -1
		logger.Warn("Command timed out", "timeout", timeout)
		return result, fmt.Errorf("%s: %w after %s", c.Name, ErrTimeout, timeout)
	case errors.As(err, &exitErr):
		result.ExitCode = exitErr.ExitCode()
	case err != nil:
		return nil, fmt.Errorf("failed to run %s: %w", c.Name, err)
	}

	logger.Debug("Command finished", "exitCode", result.ExitCode, "duration", result.Duration)
	return result, nil
}

func openLog(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// limitedBuffer keeps the first limit bytes written and discards the rest.
type limitedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
		} else {
			b.buf.Write(p)
		}
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	return b.buf.String()
}

// RunnerFunc adapts an ordinary function to the Runner interface.
type RunnerFunc func(ctx context.Context, cmd Command) (*Result, error)

// Run calls f(ctx, cmd).
func (f RunnerFunc) Run(ctx context.Context, cmd Command) (*Result, error) {
	return f(ctx, cmd)
}

// Verify ExecRunner implements Runner
var (
	_ Runner = (*ExecRunner)(nil)
	_ Runner = RunnerFunc(nil)
)
