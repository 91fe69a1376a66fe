// Package process runs a toolchain as a child process of the host.
// Resource limits beyond wall-clock time are left to the surrounding container.
package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/dontdude/buildbox/internal/domain"
)

const (
	defaultPath      = "/usr/local/bin:/usr/bin:/bin"
	defaultWaitDelay = 2 * time.Second
)

// Runner implements domain.ToolchainRunner with os/exec.
type Runner struct {
	maxOutput int64
	waitDelay time.Duration
	path      string
}

var _ domain.ToolchainRunner = (*Runner)(nil)

// NewRunner returns a runner that captures at most maxOutput bytes per stream.
func NewRunner(maxOutput int64) *Runner {
	path := os.Getenv("PATH")
	if path == "" {
		path = defaultPath
	}
	return &Runner{maxOutput: maxOutput, waitDelay: defaultWaitDelay, path: path}
}

// WithWaitDelay bounds how long Run waits for output pipes after the process is gone.
func (r *Runner) WithWaitDelay(d time.Duration) *Runner {
	r.waitDelay = d
	return r
}

// Run starts the toolchain in the workspace and waits for whichever comes first:
// the process exiting, the timeout elapsing, or ctx being cancelled. In the last two
// cases the whole process group is killed before Run returns.
func (r *Runner) Run(ctx context.Context, inv domain.Invocation) domain.ExecutionResult {
	stdout := NewLimitedBuffer(r.maxOutput)
	stderr := NewLimitedBuffer(r.maxOutput)

	cmd := exec.Command(inv.Spec.Command, inv.Spec.Args(inv.Inputs)...)
	cmd.Dir = inv.Workspace
	cmd.Env = r.environ(inv)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = r.waitDelay
	setProcessGroup(cmd)

	start := time.Now()
	if err := cmd.Start(); err != nil {
		slog.Warn("Toolchain failed to start", "command", inv.Spec.Command, "error", err)
		return domain.ExecutionResult{
			Status:   domain.ExecCrashed,
			ExitCode: -1,
			Duration: time.Since(start),
			Err:      err,
		}
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	var timeout <-chan time.Time
	if inv.Timeout > 0 {
		timer := time.NewTimer(inv.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var status domain.ExecStatus
	var waitErr error
	select {
	case waitErr = <-done:
	case <-timeout:
		status = domain.ExecTimedOut
		r.kill(cmd)
		waitErr = <-done
	case <-ctx.Done():
		status = domain.ExecCanceled
		r.kill(cmd)
		waitErr = <-done
	}
	duration := time.Since(start)
	// Reap anything the toolchain left running in its group.
	r.kill(cmd)

	res := domain.ExecutionResult{
		Status:    status,
		ExitCode:  -1,
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		Truncated: stdout.Truncated() || stderr.Truncated(),
		Duration:  duration,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}
	if res.Status != "" {
		return res
	}

	// ErrWaitDelay means the process exited but a straggler held the pipes open.
	if waitErr != nil && !errors.Is(waitErr, exec.ErrWaitDelay) {
		res.Status = domain.ExecFailed
		return res
	}
	if res.ExitCode == 0 {
		res.Status = domain.ExecSucceeded
	} else {
		res.Status = domain.ExecFailed
	}
	return res
}

func (r *Runner) kill(cmd *exec.Cmd) {
	if err := killProcessGroup(cmd); err != nil {
		slog.Warn("Failed to kill toolchain process group", "pid", cmd.Process.Pid, "error", err)
	}
}

// environ returns a minimal environment. Nothing from the server's own
// environment leaks in except PATH.
func (r *Runner) environ(inv domain.Invocation) []string {
	env := []string{
		"PATH=" + r.path,
		"HOME=" + inv.Workspace,
		"TMPDIR=" + inv.Workspace,
		"LANG=C.UTF-8",
	}
	keys := make([]string, 0, len(inv.Spec.Env))
	for k := range inv.Spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+inv.Spec.Env[k])
	}
	return env
}
