// Package build runs one build job end to end: validate, stage, classify,
// execute, collect, and always clean up.
package build

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"path"
	"time"

	"github.com/google/uuid"

	"github.com/dontdude/buildbox/internal/artifact"
	"github.com/dontdude/buildbox/internal/classify"
	"github.com/dontdude/buildbox/internal/domain"
	"github.com/dontdude/buildbox/internal/workspace"
	"github.com/dontdude/buildbox/internal/worker"
)

// sideEffectTimeout bounds event publishing and history writes, which run even
// after the caller has gone away.
const sideEffectTimeout = 3 * time.Second

// Config holds the per-job limits.
type Config struct {
	// Timeout is the wall-clock limit for toolchains that do not set their own.
	Timeout  time.Duration
	MaxFiles int
}

// Result identifies the job and, when the build succeeded, carries its artifact.
// JobID is always set.
type Result struct {
	JobID    string
	Artifact domain.Artifact
	Duration time.Duration
}

// Orchestrator owns every job from request to response.
type Orchestrator struct {
	registry   *domain.Registry
	workspaces *workspace.Manager
	runner     domain.ToolchainRunner
	collector  *artifact.Collector
	pool       *worker.Pool
	cfg        Config

	events domain.EventPublisher
	store  domain.JobStore
	newID  func() string
}

// Option customises an Orchestrator.
type Option func(*Orchestrator)

// WithEvents publishes a lifecycle event on every transition.
func WithEvents(p domain.EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

// WithStore records every finished job.
func WithStore(s domain.JobStore) Option {
	return func(o *Orchestrator) { o.store = s }
}

// WithIDGenerator replaces the uuid job id source.
func WithIDGenerator(f func() string) Option {
	return func(o *Orchestrator) { o.newID = f }
}

// New wires an orchestrator.
func New(registry *domain.Registry, workspaces *workspace.Manager, runner domain.ToolchainRunner,
	collector *artifact.Collector, pool *worker.Pool, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		registry:   registry,
		workspaces: workspaces,
		runner:     runner,
		collector:  collector,
		pool:       pool,
		cfg:        cfg,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Registry exposes the toolchains this orchestrator can build with.
func (o *Orchestrator) Registry() *domain.Registry { return o.registry }

// Pool exposes the admission gate.
func (o *Orchestrator) Pool() *worker.Pool { return o.pool }

// Build runs one job. On success the error is nil and the result carries the
// artifact; otherwise the error is a *domain.Error and the artifact is empty.
// The job's workspace no longer exists when Build returns.
func (o *Orchestrator) Build(ctx context.Context, req domain.Request) (Result, error) {
	id, idErr := o.jobID(req.ID)
	job := &domain.Job{
		ID:        id,
		Toolchain: req.Toolchain,
		Files:     req.Files,
		State:     domain.StateReceived,
		CreatedAt: time.Now(),
	}
	log := slog.With("jobID", job.ID, "toolchain", job.Toolchain)
	log.Debug("Job received", "files", len(req.Files))
	o.publish(ctx, job, nil)

	var art domain.Artifact
	err := idErr
	var spec domain.ToolchainSpec
	if err == nil {
		spec, err = o.registry.Lookup(req.Toolchain)
	}
	if err == nil {
		err = o.validate(spec, req.Files)
	}
	if err == nil {
		err = o.pool.Do(ctx, func(ctx context.Context) error {
			var runErr error
			art, runErr = o.run(ctx, job, spec, log)
			return runErr
		})
	}
	return o.finish(ctx, job, log, art, err)
}

// jobID honours a caller-chosen id only when it is a UUID, and always in its
// canonical spelling so one UUID names one job.
func (o *Orchestrator) jobID(requested string) (string, error) {
	if requested == "" {
		return o.newID(), nil
	}
	u, err := uuid.Parse(requested)
	if err != nil {
		return o.newID(), domain.Errorf(domain.KindInvalidInput, "job id %q is not a UUID", requested)
	}
	return u.String(), nil
}

func (o *Orchestrator) validate(spec domain.ToolchainSpec, files []domain.File) error {
	if len(files) == 0 {
		return domain.Errorf(domain.KindInvalidInput, "no files uploaded")
	}
	if o.cfg.MaxFiles > 0 && len(files) > o.cfg.MaxFiles {
		return domain.Errorf(domain.KindInvalidInput, "%d files uploaded, at most %d allowed", len(files), o.cfg.MaxFiles)
	}
	names := make(map[string]struct{}, len(files))
	for _, f := range files {
		clean, err := workspace.Sanitize(f.Name)
		if err != nil {
			return err
		}
		if clean == path.Clean(spec.Output) {
			return domain.Errorf(domain.KindInvalidInput, "file name %q is reserved for the build output", f.Name)
		}
		if _, dup := names[clean]; dup {
			return domain.Errorf(domain.KindInvalidInput, "duplicate file name %q", clean)
		}
		names[clean] = struct{}{}
	}
	// A file cannot also be a directory of another upload, whatever the order.
	for name := range names {
		for dir := path.Dir(name); dir != "."; dir = path.Dir(dir) {
			if _, clash := names[dir]; clash {
				return domain.Errorf(domain.KindInvalidInput, "file name %q collides with an existing path", dir)
			}
		}
	}
	return nil
}

func (o *Orchestrator) run(ctx context.Context, job *domain.Job, spec domain.ToolchainSpec, log *slog.Logger) (domain.Artifact, error) {
	ws, err := o.workspaces.Create(job.ID)
	if errors.Is(err, fs.ErrExist) {
		return domain.Artifact{}, domain.Errorf(domain.KindInvalidInput, "job id %s is already in use", job.ID)
	}
	if err != nil {
		return domain.Artifact{}, domain.Wrap(domain.KindInternal, err, "failed to prepare workspace")
	}
	defer func() {
		if err := ws.Destroy(); err != nil {
			log.Error("Workspace cleanup failed", "error", err)
		}
	}()
	job.Workspace = ws.Path()

	staged := make([]string, 0, len(job.Files))
	for _, f := range job.Files {
		rel, err := ws.WriteFile(f.Name, f.Content)
		if err != nil {
			if domain.KindOf(err) == domain.KindInvalidInput {
				return domain.Artifact{}, err
			}
			return domain.Artifact{}, domain.Wrap(domain.KindInternal, err, "failed to stage uploaded files")
		}
		staged = append(staged, rel)
	}
	o.transition(ctx, job, domain.StateStaged, log)

	inputs, err := classify.Sources(spec, staged)
	if err != nil {
		return domain.Artifact{}, err
	}
	o.transition(ctx, job, domain.StateClassified, log)

	if err := ctx.Err(); err != nil {
		return domain.Artifact{}, domain.Wrap(domain.KindCanceled, err, "request ended before the build started")
	}
	o.transition(ctx, job, domain.StateExecuting, log)

	timeout := spec.Timeout(o.cfg.Timeout)
	res := o.runner.Run(ctx, domain.Invocation{
		Spec:      spec,
		Workspace: ws.Path(),
		Inputs:    inputs,
		Timeout:   timeout,
	})
	log.Debug("Toolchain finished", "status", res.Status, "exitCode", res.ExitCode, "duration", res.Duration)
	if err := executionError(res, timeout); err != nil {
		return domain.Artifact{}, err
	}
	o.transition(ctx, job, domain.StateCollecting, log)

	data, err := o.collector.Collect(ws.Path(), spec.Output)
	if err != nil {
		e := domain.AsError(err)
		if e.Kind == domain.KindInternal {
			return domain.Artifact{}, domain.Wrap(domain.KindInternal, err, "failed to read build output")
		}
		e.ExitCode, e.Stdout, e.Stderr, e.Truncated = res.ExitCode, res.Stdout, res.Stderr, res.Truncated
		return domain.Artifact{}, e
	}
	return domain.Artifact{
		Name:        path.Base(spec.Output),
		ContentType: spec.MediaType(),
		Data:        data,
	}, nil
}

// executionError maps a non-successful execution to the job's failure report.
func executionError(res domain.ExecutionResult, timeout time.Duration) error {
	var e *domain.Error
	switch res.Status {
	case domain.ExecSucceeded:
		return nil
	case domain.ExecFailed:
		e = domain.Errorf(domain.KindExecutionFailed, "toolchain exited with code %d", res.ExitCode)
	case domain.ExecTimedOut:
		e = domain.Errorf(domain.KindExecutionTimeout, "build exceeded the %v time limit", timeout)
	case domain.ExecCanceled:
		e = domain.Errorf(domain.KindCanceled, "request ended during the build")
	case domain.ExecCrashed:
		e = domain.Wrap(domain.KindToolchainCrash, res.Err, "toolchain could not be started")
	default:
		e = domain.Errorf(domain.KindInternal, "unknown execution status %q", res.Status)
	}
	e.ExitCode, e.Stdout, e.Stderr, e.Truncated = res.ExitCode, res.Stdout, res.Stderr, res.Truncated
	return e
}

func (o *Orchestrator) finish(ctx context.Context, job *domain.Job, log *slog.Logger, art domain.Artifact, err error) (Result, error) {
	res := Result{JobID: job.ID, Duration: time.Since(job.CreatedAt)}
	rec := domain.JobRecord{
		ID:         job.ID,
		Toolchain:  job.Toolchain,
		DurationMs: res.Duration.Milliseconds(),
		CreatedAt:  job.CreatedAt,
		UpdatedAt:  time.Now(),
	}

	if err == nil {
		job.State = domain.StateDone
		res.Artifact = art
		rec.State, rec.ArtifactSize = job.State, len(art.Data)
		log.Info("Build succeeded", "bytes", len(art.Data), "duration", res.Duration)
		o.publish(ctx, job, nil)
		o.save(ctx, rec, log)
		return res, nil
	}

	e := domain.AsError(err)
	job.State = domain.StateFailed
	rec.State, rec.Kind, rec.Message, rec.ExitCode = job.State, e.Kind, e.Message, e.ExitCode
	if e.Kind.UserError() {
		log.Warn("Build failed", "kind", e.Kind, "message", e.Message, "exitCode", e.ExitCode, "duration", res.Duration)
	} else {
		log.Error("Build failed", "kind", e.Kind, "message", e.Message, "error", e.Err, "duration", res.Duration)
	}
	o.publish(ctx, job, e)
	o.save(ctx, rec, log)
	return res, e
}

func (o *Orchestrator) transition(ctx context.Context, job *domain.Job, to domain.State, log *slog.Logger) {
	log.Debug("Job state changed", "from", job.State, "to", to)
	job.State = to
	o.publish(ctx, job, nil)
}

func (o *Orchestrator) publish(ctx context.Context, job *domain.Job, e *domain.Error) {
	if o.events == nil {
		return
	}
	ev := domain.Event{JobID: job.ID, Toolchain: job.Toolchain, State: job.State, At: time.Now()}
	if e != nil {
		ev.Kind, ev.Message = e.Kind, e.Message
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := o.events.Publish(pctx, ev); err != nil {
		slog.Warn("Failed to publish job event", "jobID", job.ID, "state", job.State, "error", err)
	}
}

func (o *Orchestrator) save(ctx context.Context, rec domain.JobRecord, log *slog.Logger) {
	if o.store == nil {
		return
	}
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sideEffectTimeout)
	defer cancel()
	if err := o.store.Save(sctx, rec); err != nil {
		log.Warn("Failed to record job", "error", err)
	}
}
