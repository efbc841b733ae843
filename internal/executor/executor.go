// Package executor runs pipeline step commands as supervised child processes.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/narvanalabs/autoci/internal/models"
)

// DefaultTimeout applies when a command does not set one.
const DefaultTimeout = 5 * time.Minute

// Config holds configuration for the process runner.
type Config struct {
	// Shell runs each command as `Shell -c command`.
	Shell string
	// KillGrace is how long a terminated process group gets before SIGKILL.
	KillGrace time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Shell:     "/bin/sh",
		KillGrace: 5 * time.Second,
	}
}

// Command describes one process to run.
type Command struct {
	Command string
	WorkDir string
	Timeout time.Duration
	// Env is appended to the runner's own environment.
	Env []string
	// Output receives each line of stdout and stderr as it arrives.
	Output OutputFunc
}

// Result is what a process left behind.
type Result struct {
	Stdout string
	Stderr string
	// Exited is false when the process was killed by a signal.
	Exited   bool
	ExitCode int
	Duration time.Duration
}

// Runner starts commands in their own process group.
type Runner struct {
	shell     string
	killGrace time.Duration
	logger    *slog.Logger
}

// NewRunner creates a new process runner.
func NewRunner(cfg *Config, logger *slog.Logger) *Runner {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	shell := cfg.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	return &Runner{
		shell:     shell,
		killGrace: cfg.KillGrace,
		logger:    logger,
	}
}

// Process is a handle on a started command.
type Process struct {
	cmd      *exec.Cmd
	command  string
	ctx      context.Context
	cancel   context.CancelCauseFunc
	stop     context.CancelFunc
	stdout   *lineWriter
	stderr   *lineWriter
	started  time.Time
	done     chan struct{}
	killOnce sync.Once
	kill     *time.Timer
	killed   chan struct{}
	result   *Result
	err      error
}

// Start launches c and returns immediately. The process is terminated when
// ctx is cancelled or c.Timeout elapses, whichever comes first.
func (r *Runner) Start(ctx context.Context, c Command) (*Process, error) {
	if strings.TrimSpace(c.Command) == "" {
		return nil, &ExecError{Kind: models.FailureSpawn, Command: c.Command, Err: ErrEmptyCommand}
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	runCtx, stop := context.WithTimeoutCause(runCtx, timeout, ErrTimeout)

	p := &Process{
		command: c.Command,
		ctx:     runCtx,
		cancel:  cancel,
		stop:    stop,
		stdout:  newLineWriter(StreamStdout, c.Output),
		stderr:  newLineWriter(StreamStderr, c.Output),
		done:    make(chan struct{}),
	}

	cmd := exec.CommandContext(runCtx, r.shell, "-c", c.Command)
	cmd.Dir = c.WorkDir
	cmd.Env = append(os.Environ(), c.Env...)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		p.scheduleKill(r.killGrace)
		return terminateGroup(cmd.Process)
	}
	// Bounds how long Wait blocks on pipes held open by orphaned children.
	cmd.WaitDelay = r.killGrace + time.Second
	p.cmd = cmd

	p.started = time.Now()
	if err := cmd.Start(); err != nil {
		defer stop()
		defer cancel(nil)
		if runCtx.Err() != nil {
			return nil, interrupted(runCtx, c.Command)
		}
		return nil, &ExecError{
			Kind:    models.FailureSpawn,
			Command: c.Command,
			Err:     fmt.Errorf("%w: %v", ErrSpawn, err),
		}
	}

	r.logger.Debug("process started",
		"pid", cmd.Process.Pid,
		"work_dir", c.WorkDir,
		"timeout", timeout.String(),
	)

	go p.wait(r.logger)
	return p, nil
}

// Run starts c and waits for it.
func (r *Runner) Run(ctx context.Context, c Command) (*Result, error) {
	p, err := r.Start(ctx, c)
	if err != nil {
		return nil, err
	}
	return p.Wait()
}

// scheduleKill escalates to SIGKILL for the whole group after grace. The
// escalation fires even if the shell exits first: members that ignore
// SIGTERM are still in the group.
func (p *Process) scheduleKill(grace time.Duration) {
	p.killOnce.Do(func() {
		p.killed = make(chan struct{})
		p.kill = time.AfterFunc(grace, func() {
			_ = killGroup(p.cmd.Process)
			close(p.killed)
		})
	})
}

func (p *Process) wait(logger *slog.Logger) {
	waitErr := p.cmd.Wait()
	p.stdout.Flush()
	p.stderr.Flush()

	res := &Result{
		Stdout:   p.stdout.String(),
		Stderr:   p.stderr.String(),
		ExitCode: -1,
		Duration: time.Since(p.started),
	}
	if state := p.cmd.ProcessState; state != nil {
		res.Exited = state.Exited()
		if res.Exited {
			res.ExitCode = state.ExitCode()
		}
	}
	p.result = res

	// Once issued, a timeout or cancellation decides the outcome even if
	// the process happened to exit on its own in the meantime.
	if p.ctx.Err() != nil {
		p.err = interrupted(p.ctx, p.command)
	} else if waitErr != nil && !res.Exited {
		// Killed by someone other than us, or Wait itself failed.
		p.err = &ExecError{Kind: models.FailureInternal, Command: p.command, Err: waitErr}
	}

	// After termination nothing from the group may outlive Wait.
	if p.kill != nil && groupAlive(p.cmd.Process) {
		<-p.killed
	}
	p.stop()
	p.cancel(nil)

	logger.Debug("process finished",
		"pid", p.cmd.Process.Pid,
		"exit_code", res.ExitCode,
		"duration", res.Duration.String(),
	)
	close(p.done)
}

// interrupted classifies a done context as a timeout or a cancellation.
func interrupted(ctx context.Context, command string) error {
	cause := context.Cause(ctx)
	if errors.Is(cause, ErrTimeout) {
		return &ExecError{Kind: models.FailureTimeout, Command: command, Err: cause}
	}
	return &ExecError{Kind: models.FailureCancelled, Command: command, Err: cause}
}

// Wait blocks until the process has exited and its output is drained.
// A non-zero exit code is not an error; the error is reserved for
// timeouts, cancellation and other outcomes without a trustworthy exit code.
func (p *Process) Wait() (*Result, error) {
	<-p.done
	return p.result, p.err
}

// Done is closed once Wait would return.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Terminate sends the process group SIGTERM, escalating to SIGKILL after
// the kill grace. It is safe to call more than once.
func (p *Process) Terminate() {
	p.cancel(ErrCancelled)
}

// Pid returns the operating system process ID.
func (p *Process) Pid() int {
	return p.cmd.Process.Pid
}
