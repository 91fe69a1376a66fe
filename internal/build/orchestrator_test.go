package build

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dontdude/buildbox/internal/artifact"
	"github.com/dontdude/buildbox/internal/domain"
	"github.com/dontdude/buildbox/internal/workspace"
	"github.com/dontdude/buildbox/internal/worker"
)

// fakeRunner stands in for a toolchain. By default it concatenates its inputs
// into the declared output and reports success.
type fakeRunner struct {
	mu    sync.Mutex
	calls []domain.Invocation
	run   func(ctx context.Context, inv domain.Invocation) domain.ExecutionResult
}

func (f *fakeRunner) Run(ctx context.Context, inv domain.Invocation) domain.ExecutionResult {
	f.mu.Lock()
	f.calls = append(f.calls, inv)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, inv)
	}
	return concatInputs(inv)
}

func (f *fakeRunner) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func concatInputs(inv domain.Invocation) domain.ExecutionResult {
	var out bytes.Buffer
	for _, in := range inv.Inputs {
		data, err := os.ReadFile(filepath.Join(inv.Workspace, in))
		if err != nil {
			return domain.ExecutionResult{Status: domain.ExecFailed, ExitCode: 1, Stderr: err.Error()}
		}
		out.Write(data)
	}
	if err := os.WriteFile(filepath.Join(inv.Workspace, inv.Spec.Output), out.Bytes(), 0o644); err != nil {
		return domain.ExecutionResult{Status: domain.ExecFailed, ExitCode: 1, Stderr: err.Error()}
	}
	return domain.ExecutionResult{Status: domain.ExecSucceeded, Stdout: "ok\n"}
}

type memEvents struct {
	mu     sync.Mutex
	events []domain.Event
}

func (m *memEvents) Publish(_ context.Context, ev domain.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memEvents) states(jobID string) []domain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.State
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev.State)
		}
	}
	return out
}

type memStore struct {
	mu   sync.Mutex
	recs map[string]domain.JobRecord
}

func (m *memStore) Save(_ context.Context, rec domain.JobRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string]domain.JobRecord)
	}
	m.recs[rec.ID] = rec
	return nil
}

func (m *memStore) Get(_ context.Context, id string) (domain.JobRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return domain.JobRecord{}, domain.ErrNotFound
	}
	return rec, nil
}

type harness struct {
	orch   *Orchestrator
	runner *fakeRunner
	ws     *workspace.Manager
	events *memEvents
	store  *memStore
}

func newHarness(t *testing.T, runner domain.ToolchainRunner, capacity int) *harness {
	t.Helper()
	reg, err := domain.NewRegistry(domain.DefaultToolchains())
	require.NoError(t, err)
	ws, err := workspace.NewManager(filepath.Join(t.TempDir(), "ws"))
	require.NoError(t, err)

	h := &harness{ws: ws, events: &memEvents{}, store: &memStore{}}
	if runner == nil {
		h.runner = &fakeRunner{}
		runner = h.runner
	}
	h.orch = New(reg, ws, runner, artifact.NewCollector(1<<20), worker.NewPool(capacity, 0),
		Config{Timeout: 2 * time.Second, MaxFiles: 8},
		WithEvents(h.events), WithStore(h.store))
	return h
}

// assertNoWorkspaces checks no job directory survived.
func (h *harness) assertNoWorkspaces(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(h.ws.Root())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

// assertOneOutcome checks exactly one of artifact or error came back.
func assertOneOutcome(t *testing.T, res Result, err error) {
	t.Helper()
	require.NotEmpty(t, res.JobID)
	if err != nil {
		assert.Empty(t, res.Artifact.Data)
		var e *domain.Error
		assert.ErrorAs(t, err, &e)
	} else {
		assert.NotEmpty(t, res.Artifact.Data)
	}
}

func files(kv ...string) []domain.File {
	var out []domain.File
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, domain.File{Name: kv[i], Content: []byte(kv[i+1])})
	}
	return out
}

func TestBuildSucceeds(t *testing.T) {
	h := newHarness(t, nil, 2)

	res, err := h.orch.Build(context.Background(), domain.Request{
		Toolchain: "cpp",
		Files:     files("main.cpp", "int main(){}", "api.hpp", "#pragma once", "util.c", "void f(){}"),
	})

	require.NoError(t, err)
	assertOneOutcome(t, res, err)
	assert.Equal(t, "int main(){}void f(){}", string(res.Artifact.Data))
	assert.Equal(t, "out.elf", res.Artifact.Name)
	assert.Equal(t, domain.DefaultContentType, res.Artifact.ContentType)

	require.Equal(t, 1, h.runner.Calls())
	inv := h.runner.calls[0]
	assert.Equal(t, []string{"./main.cpp", "./util.c"}, inv.Inputs)
	assert.Equal(t, 2*time.Second, inv.Timeout)

	assert.Equal(t, []domain.State{
		domain.StateReceived, domain.StateStaged, domain.StateClassified,
		domain.StateExecuting, domain.StateCollecting, domain.StateDone,
	}, h.events.states(res.JobID))

	rec, err := h.store.Get(context.Background(), res.JobID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateDone, rec.State)
	assert.Equal(t, len(res.Artifact.Data), rec.ArtifactSize)
	h.assertNoWorkspaces(t)
}

func TestBuildArtifactMatchesDiskBytes(t *testing.T) {
	var onDisk []byte
	runner := &fakeRunner{run: func(_ context.Context, inv domain.Invocation) domain.ExecutionResult {
		onDisk = make([]byte, 256)
		for i := range onDisk {
			onDisk[i] = byte(i)
		}
		require.NoError(t, os.WriteFile(filepath.Join(inv.Workspace, "out.elf"), onDisk, 0o644))
		return domain.ExecutionResult{Status: domain.ExecSucceeded}
	}}
	h := newHarness(t, runner, 1)

	res, err := h.orch.Build(context.Background(), domain.Request{Toolchain: "cpp", Files: files("a.cpp", "x")})

	require.NoError(t, err)
	assert.Equal(t, onDisk, res.Artifact.Data)
	h.assertNoWorkspaces(t)
}

func TestBuildRejectsBeforeExecuting(t *testing.T) {
	tests := []struct {
		name      string
		toolchain string
		files     []domain.File
		kind      domain.Kind
	}{
		{"unknown toolchain", "cobol", files("main.cob", "x"), domain.KindUnsupportedToolchain},
		{"no files", "cpp", nil, domain.KindInvalidInput},
		{"parent traversal", "cpp", files("../evil.cpp", "x"), domain.KindInvalidInput},
		{"nested traversal", "cpp", files("src/../../evil.cpp", "x"), domain.KindInvalidInput},
		{"absolute path", "cpp", files("/tmp/evil.cpp", "x"), domain.KindInvalidInput},
		{"output name", "cpp", files("main.cpp", "x", "out.elf", "fake"), domain.KindInvalidInput},
		{"duplicate name", "cpp", files("main.cpp", "x", "./main.cpp", "y"), domain.KindInvalidInput},
		{"file then nested file", "cpp", files("lib", "x", "lib/a.c", "y"), domain.KindInvalidInput},
		{"nested file then file", "cpp", files("lib/a.c", "y", "lib", "x"), domain.KindInvalidInput},
		{"file under a file's subdirectory", "cpp", files("lib", "x", "lib/sub/a.c", "y"), domain.KindInvalidInput},
		{"too many files", "cpp", files("1.c", "", "2.c", "", "3.c", "", "4.c", "", "5.c", "", "6.c", "", "7.c", "", "8.c", "", "9.c", ""), domain.KindInvalidInput},
		{"no sources", "cpp", files("api.hpp", "x", "README.md", "y"), domain.KindNoMatchingFiles},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil, 1)

			res, err := h.orch.Build(context.Background(), domain.Request{Toolchain: tt.toolchain, Files: tt.files})

			assertOneOutcome(t, res, err)
			assert.Equal(t, tt.kind, domain.KindOf(err))
			assert.Zero(t, h.runner.Calls(), "no subprocess may be spawned")
			h.assertNoWorkspaces(t)

			_, statErr := os.Stat(filepath.Join(filepath.Dir(h.ws.Root()), "evil.cpp"))
			assert.True(t, os.IsNotExist(statErr))

			states := h.events.states(res.JobID)
			assert.Equal(t, domain.StateFailed, states[len(states)-1])
			assert.NotContains(t, states, domain.StateExecuting)
		})
	}
}

func TestBuildExecutionOutcomes(t *testing.T) {
	tests := []struct {
		name   string
		result domain.ExecutionResult
		kind   domain.Kind
	}{
		{"nonzero exit", domain.ExecutionResult{Status: domain.ExecFailed, ExitCode: 1, Stderr: "main.cpp:1: error"}, domain.KindExecutionFailed},
		{"timeout", domain.ExecutionResult{Status: domain.ExecTimedOut, ExitCode: -1, Stdout: "partial"}, domain.KindExecutionTimeout},
		{"crash", domain.ExecutionResult{Status: domain.ExecCrashed, ExitCode: -1, Err: os.ErrNotExist}, domain.KindToolchainCrash},
		{"canceled", domain.ExecutionResult{Status: domain.ExecCanceled, ExitCode: -1}, domain.KindCanceled},
		{"success without output", domain.ExecutionResult{Status: domain.ExecSucceeded, Stdout: "done"}, domain.KindArtifactMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{run: func(context.Context, domain.Invocation) domain.ExecutionResult { return tt.result }}
			h := newHarness(t, runner, 1)

			res, err := h.orch.Build(context.Background(), domain.Request{Toolchain: "cpp", Files: files("main.cpp", "x")})

			assertOneOutcome(t, res, err)
			e := domain.AsError(err)
			assert.Equal(t, tt.kind, e.Kind)
			assert.Equal(t, tt.result.Stdout, e.Stdout)
			assert.Equal(t, tt.result.Stderr, e.Stderr)
			assert.Equal(t, tt.result.ExitCode, e.ExitCode)
			h.assertNoWorkspaces(t)

			rec, err := h.store.Get(context.Background(), res.JobID)
			require.NoError(t, err)
			assert.Equal(t, domain.StateFailed, rec.State)
			assert.Equal(t, tt.kind, rec.Kind)
		})
	}
}

func TestBuildBusyWhenGateFull(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	runner := &fakeRunner{run: func(_ context.Context, inv domain.Invocation) domain.ExecutionResult {
		close(entered)
		<-release
		return concatInputs(inv)
	}}
	h := newHarness(t, runner, 1)

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.Build(context.Background(), domain.Request{Toolchain: "cpp", Files: files("a.cpp", "a")})
		first <- err
	}()
	<-entered

	res, err := h.orch.Build(context.Background(), domain.Request{Toolchain: "cpp", Files: files("b.cpp", "b")})
	assertOneOutcome(t, res, err)
	assert.Equal(t, domain.KindBusy, domain.KindOf(err))

	close(release)
	require.NoError(t, <-first)
	h.assertNoWorkspaces(t)
}

func TestBuildCanceledBeforeExecution(t *testing.T) {
	h := newHarness(t, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := h.orch.Build(ctx, domain.Request{Toolchain: "cpp", Files: files("a.cpp", "a")})

	assertOneOutcome(t, res, err)
	assert.Equal(t, domain.KindCanceled, domain.KindOf(err))
	assert.Zero(t, h.runner.Calls())
	h.assertNoWorkspaces(t)

	// Side effects survive the dead request context.
	_, err = h.store.Get(context.Background(), res.JobID)
	assert.NoError(t, err)
}

func TestBuildInternalErrorHidesPaths(t *testing.T) {
	h := newHarness(t, nil, 1)
	require.NoError(t, os.RemoveAll(h.ws.Root()))
	require.NoError(t, os.WriteFile(h.ws.Root(), []byte("not a directory"), 0o644))

	res, err := h.orch.Build(context.Background(), domain.Request{Toolchain: "cpp", Files: files("a.cpp", "a")})

	assertOneOutcome(t, res, err)
	e := domain.AsError(err)
	assert.Equal(t, domain.KindInternal, e.Kind)
	assert.NotContains(t, e.Message, h.ws.Root())
	assert.Zero(t, h.runner.Calls())
}

func TestBuildConcurrentJobsAreIsolated(t *testing.T) {
	const n = 8
	runner := &fakeRunner{run: func(_ context.Context, inv domain.Invocation) domain.ExecutionResult {
		entries, err := os.ReadDir(inv.Workspace)
		if err != nil {
			return domain.ExecutionResult{Status: domain.ExecFailed, ExitCode: 1, Stderr: err.Error()}
		}
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		sort.Strings(names)
		time.Sleep(10 * time.Millisecond)
		res := concatInputs(inv)
		res.Stdout = strings.Join(names, ",")
		return res
	}}
	h := newHarness(t, runner, n)

	type outcome struct {
		want string
		res  Result
		err  error
	}
	outcomes := make([]outcome, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := fmt.Sprintf("job-%d-source", i)
			res, err := h.orch.Build(context.Background(), domain.Request{
				Toolchain: "cpp",
				Files:     files(fmt.Sprintf("main%d.cpp", i), body),
			})
			outcomes[i] = outcome{want: body, res: res, err: err}
		}(i)
	}
	wg.Wait()

	seen := make(map[string]bool)
	for i, o := range outcomes {
		require.NoError(t, o.err, "job %d", i)
		assert.Equal(t, o.want, string(o.res.Artifact.Data), "job %d", i)
		assert.False(t, seen[o.res.JobID], "job ids must be unique")
		seen[o.res.JobID] = true
	}
	for _, inv := range runner.calls {
		assert.Len(t, inv.Inputs, 1, "each workspace holds only its own upload")
	}
	h.assertNoWorkspaces(t)
}

func TestBuildHonoursCallerJobID(t *testing.T) {
	h := newHarness(t, nil, 1)
	const id = "0b6f2f7e-3f53-4d7e-9a5e-2a4f4c1d9e10"

	res, err := h.orch.Build(context.Background(), domain.Request{ID: id, Toolchain: "cpp", Files: files("a.cpp", "a")})

	require.NoError(t, err)
	assert.Equal(t, id, res.JobID)
	assert.Equal(t, domain.StateDone, h.events.states(id)[len(h.events.states(id))-1])
}

func TestBuildCanonicalisesCallerJobID(t *testing.T) {
	h := newHarness(t, nil, 1)
	const id = "0b6f2f7e-3f53-4d7e-9a5e-2a4f4c1d9e10"

	res, err := h.orch.Build(context.Background(), domain.Request{ID: "urn:uuid:" + strings.ToUpper(id), Toolchain: "cpp", Files: files("a.cpp", "a")})

	require.NoError(t, err)
	assert.Equal(t, id, res.JobID)
	assert.NotEmpty(t, h.events.states(id))
}

func TestBuildRejectsMalformedJobID(t *testing.T) {
	h := newHarness(t, nil, 1)

	res, err := h.orch.Build(context.Background(), domain.Request{ID: "../../etc", Toolchain: "cpp", Files: files("a.cpp", "a")})

	assertOneOutcome(t, res, err)
	assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err))
	assert.NotEqual(t, "../../etc", res.JobID)
	assert.Zero(t, h.runner.Calls())
}

func TestBuildRejectsJobIDInUse(t *testing.T) {
	const id = "0b6f2f7e-3f53-4d7e-9a5e-2a4f4c1d9e10"
	release := make(chan struct{})
	entered := make(chan struct{})
	var once sync.Once
	runner := &fakeRunner{run: func(_ context.Context, inv domain.Invocation) domain.ExecutionResult {
		once.Do(func() { close(entered) })
		<-release
		return concatInputs(inv)
	}}
	h := newHarness(t, runner, 2)

	first := make(chan error, 1)
	go func() {
		_, err := h.orch.Build(context.Background(), domain.Request{ID: id, Toolchain: "cpp", Files: files("a.cpp", "a")})
		first <- err
	}()
	<-entered

	for _, spelling := range []string{id, "urn:uuid:" + id, "{" + strings.ToUpper(id) + "}"} {
		_, err := h.orch.Build(context.Background(), domain.Request{ID: spelling, Toolchain: "cpp", Files: files("b.cpp", "b")})
		assert.Equal(t, domain.KindInvalidInput, domain.KindOf(err), spelling)
	}

	close(release)
	require.NoError(t, <-first)
	h.assertNoWorkspaces(t)
}
