// ABOUTME: Runs approved shell commands with a hard timeout and bounded output capture
// ABOUTME: Kills the whole process group on timeout or output overflow

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

const (
	// DefaultTimeout applies when Execute is called with a zero timeout
	DefaultTimeout = 60 * time.Second

	// DefaultMaxOutputBytes caps each of stdout and stderr
	DefaultMaxOutputBytes = 10 << 20

	defaultShell     = "/bin/sh"
	defaultWaitDelay = 2 * time.Second
)

var (
	// ErrExitStatus is returned when the command exits non-zero
	ErrExitStatus = errors.New("command exited with non-zero status")

	// ErrTimeout is returned when the command outlives its timeout
	ErrTimeout = errors.New("command timed out")

	// ErrSpawn is returned when the command could not be started
	ErrSpawn = errors.New("command could not be started")

	// ErrOutputLimit is returned when stdout or stderr exceeds the capture cap
	ErrOutputLimit = errors.New("command output exceeded limit")
)

// Result is the captured outcome of one execution.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Config configures an Engine.
type Config struct {
	Shell          string
	WorkDir        string
	Env            []string // KEY=VALUE pairs added to the gateway environment
	MaxOutputBytes int
	DefaultTimeout time.Duration
}

// Engine executes commands through a shell.
type Engine struct {
	cfg    Config
	logger *slog.Logger
}

// New creates an Engine, filling in defaults for zero config fields.
func New(cfg Config, logger *slog.Logger) *Engine {
	if cfg.Shell == "" {
		cfg.Shell = defaultShell
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultMaxOutputBytes
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{cfg: cfg, logger: logger.With("component", "executor")}
}

// Execute runs command with `<shell> -c`. The returned Result is always
// non-nil; on failure ExitCode is the process exit code, or 1 when the
// process never produced one. Stderr falls back to the error text when the
// command wrote nothing to it.
func (e *Engine) Execute(ctx context.Context, command string, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		timeout = e.cfg.DefaultTimeout
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// overflow cancels the run separately so the cause can be told apart from a timeout
	runCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	cmd := exec.CommandContext(runCtx, e.cfg.Shell, "-c", command)
	cmd.Dir = e.cfg.WorkDir
	if len(e.cfg.Env) > 0 {
		cmd.Env = append(os.Environ(), e.cfg.Env...)
	}
	setProcessGroup(cmd)
	cmd.WaitDelay = defaultWaitDelay

	stdout := &cappedBuffer{limit: e.cfg.MaxOutputBytes, onOverflow: func() { abort(ErrOutputLimit) }}
	stderr := &cappedBuffer{limit: e.cfg.MaxOutputBytes, onOverflow: func() { abort(ErrOutputLimit) }}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}

	err = e.classify(ctx, runCtx, cmd, err)
	if err != nil {
		res.ExitCode = 1
		var exitErr *exec.ExitError
		if errors.Is(err, ErrExitStatus) && errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		}
		if res.Stderr == "" {
			res.Stderr = err.Error()
		}
	}

	e.logger.Info("command finished",
		"exit_code", res.ExitCode,
		"duration", res.Duration,
		"error", err,
	)
	return res, err
}

// classify maps the raw Run error onto the package sentinels.
func (e *Engine) classify(ctx, runCtx context.Context, cmd *exec.Cmd, err error) error {
	if errors.Is(context.Cause(runCtx), ErrOutputLimit) {
		return ErrOutputLimit
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	if err == nil {
		return nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if exitErr.ExitCode() < 0 {
			// killed by a signal that was not ours
			return fmt.Errorf("%w: %v", ErrExitStatus, err)
		}
		return fmt.Errorf("%w: %w", ErrExitStatus, exitErr)
	}
	if cmd.Process == nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}
	return fmt.Errorf("running command: %w", err)
}

// cappedBuffer stores at most limit bytes and reports overflow once.
type cappedBuffer struct {
	mu         sync.Mutex
	buf        bytes.Buffer
	limit      int
	overflowed bool
	onOverflow func()
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.overflowed {
		return len(p), nil
	}
	if room := b.limit - b.buf.Len(); len(p) > room {
		b.buf.Write(p[:room])
		b.overflowed = true
		if b.onOverflow != nil {
			b.onOverflow()
		}
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *cappedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
