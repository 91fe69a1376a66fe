package domain

import (
	"context"
	"time"
)

// ExecStatus is the terminal status of one toolchain invocation.
type ExecStatus string

const (
	ExecSucceeded ExecStatus = "succeeded"
	ExecFailed    ExecStatus = "failed"
	ExecTimedOut  ExecStatus = "timed_out"
	ExecCrashed   ExecStatus = "crashed"
	ExecCanceled  ExecStatus = "canceled"
)

// ExecutionResult is what the executor observed while running the toolchain.
// Stdout and Stderr hold whatever was captured, even when the process failed or was killed.
type ExecutionResult struct {
	Status    ExecStatus
	ExitCode  int
	Stdout    string
	Stderr    string
	Truncated bool
	Duration  time.Duration
	// Err is the launch error when Status is ExecCrashed.
	Err error
}

// Invocation is everything a runner needs to build one job.
type Invocation struct {
	Spec      ToolchainSpec
	Workspace string
	Inputs    []string
	Timeout   time.Duration
}

// ToolchainRunner runs a toolchain against a staged workspace.
// Implementations must return within Timeout (plus a bounded grace period) and must
// terminate the process when ctx is done.
type ToolchainRunner interface {
	Run(ctx context.Context, inv Invocation) ExecutionResult
}
