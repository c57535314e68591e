package supervisor

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/evaluator"
	"github.com/adalundhe/relaunch/core/journal"
	"github.com/adalundhe/relaunch/core/process"
	"github.com/adalundhe/relaunch/core/report"
	"github.com/adalundhe/relaunch/core/statics"
	"github.com/adalundhe/relaunch/core/watcher"
)

const waitTimeout = 5 * time.Second

// =============================================================================
// Fakes
// =============================================================================

type fakeResolver struct {
	mu         sync.Mutex
	calls      int
	resolution *evaluator.Resolution
	err        error
}

func (f *fakeResolver) Resolve(context.Context) (*evaluator.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.resolution, nil
}

func (f *fakeResolver) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeRunner struct {
	mu       sync.Mutex
	alive    int
	maxAlive int

	started  chan process.Spec
	exit     chan int
	startErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan process.Spec, 16),
		exit:    make(chan int),
	}
}

func (f *fakeRunner) Run(ctx context.Context, spec process.Spec) (process.Outcome, error) {
	if f.startErr != nil {
		return process.Outcome{}, f.startErr
	}

	f.mu.Lock()
	f.alive++
	if f.alive > f.maxAlive {
		f.maxAlive = f.alive
	}
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.alive--
		f.mu.Unlock()
	}()

	f.started <- spec

	select {
	case <-ctx.Done():
		return process.Outcome{Pid: 100, ExitCode: -1, Killed: true}, nil
	case code := <-f.exit:
		return process.Outcome{Pid: 100, ExitCode: code}, nil
	}
}

func (f *fakeRunner) Alive() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive, f.maxAlive
}

type fakeTransport struct {
	mu     sync.Mutex
	pushes []string
}

func (f *fakeTransport) Push(_ context.Context, _, filePath string, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pushes = append(f.pushes, filePath)
	return nil
}

func (f *fakeTransport) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushes)
}

// =============================================================================
// Fixture
// =============================================================================

type project struct {
	dir    string
	mainGo string
	appCSS string
	goMod  string
}

func newProject(t *testing.T) (project, *fakeResolver) {
	t.Helper()
	dir := t.TempDir()
	p := project{
		dir:    dir,
		mainGo: filepath.Join(dir, "main.go"),
		appCSS: filepath.Join(dir, "static", "app.css"),
		goMod:  filepath.Join(dir, "go.mod"),
	}
	require.NoError(t, os.MkdirAll(filepath.Dir(p.appCSS), 0o755))
	require.NoError(t, os.WriteFile(p.mainGo, []byte("package main\n"), 0o644))
	require.NoError(t, os.WriteFile(p.appCSS, []byte("body{}\n"), 0o644))
	require.NoError(t, os.WriteFile(p.goMod, []byte("module example.com/app\n"), 0o644))

	const id = "example.com/app"
	staticRoot := filepath.Dir(p.appCSS)

	files := watcher.FileSet{}
	files.Add(watcher.FileItem{Path: p.mainGo, Kind: watcher.FileKindSource, ProjectID: id})
	files.Add(watcher.FileItem{Path: p.appCSS, Kind: watcher.FileKindContent, ProjectID: id, ContentRoot: staticRoot})
	files.Add(watcher.FileItem{Path: p.goMod, Kind: watcher.FileKindBuild, ProjectID: id})

	root := &evaluator.ProjectNode{
		ID:            id,
		Name:          "app",
		Dir:           dir,
		IsRunnable:    true,
		ContentRoots:  []string{staticRoot},
		CompiledFiles: map[string]bool{p.mainGo: true},
	}
	graph := &evaluator.ProjectGraph{Root: root, Nodes: map[string]*evaluator.ProjectNode{id: root}}

	return p, &fakeResolver{resolution: &evaluator.Resolution{
		Graph: graph,
		Files: files,
		Command: evaluator.LaunchCommand{
			Executable:       "go",
			Arguments:        []string{"run", "."},
			WorkingDirectory: dir,
		},
	}}
}

func watcherFactory() (ChangeWatcher, error) {
	cfg := watcher.DefaultConfig()
	cfg.Debounce = 50 * time.Millisecond
	cfg.UseGitignore = false
	w, err := watcher.New(cfg)
	if err != nil {
		return nil, err
	}
	return w, nil
}

type harness struct {
	sup       *Supervisor
	runner    *fakeRunner
	transport *fakeTransport
	recorder  *report.Recorder
	cancel    context.CancelFunc
	done      chan struct{}
	err       error
}

func startSupervisor(t *testing.T, resolver evaluator.ProjectResolver, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		runner:    newFakeRunner(),
		transport: &fakeTransport{},
		recorder:  report.NewRecorder(),
		done:      make(chan struct{}),
	}

	opts := Options{
		Evaluator:  evaluator.New(evaluator.Options{Resolver: resolver}),
		Runner:     h.runner,
		NewWatcher: watcherFactory,
		Statics:    statics.NewHandler(h.transport, h.recorder),
		Reporter:   h.recorder,
	}
	if configure != nil {
		configure(&opts)
	}

	sup, err := New(opts)
	require.NoError(t, err)
	h.sup = sup

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() {
		h.err = sup.Run(ctx)
		close(h.done)
	}()

	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(waitTimeout):
		}
	})
	return h
}

func (h *harness) waitLaunch(t *testing.T) process.Spec {
	t.Helper()
	select {
	case spec := <-h.runner.started:
		return spec
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for a launch")
		return process.Spec{}
	}
}

func (h *harness) assertNoLaunch(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case spec := <-h.runner.started:
		t.Fatalf("unexpected launch with iteration %s", spec.Environment[EnvIteration])
	case <-time.After(within):
	}
}

func (h *harness) waitDone(t *testing.T) error {
	t.Helper()
	select {
	case <-h.done:
		return h.err
	case <-time.After(waitTimeout):
		t.Fatal("supervisor did not stop")
		return nil
	}
}

func touch(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

// =============================================================================
// Tests
// =============================================================================

func TestSupervisor_Scenario(t *testing.T) {
	p, resolver := newProject(t)
	h := startSupervisor(t, resolver, nil)

	spec := h.waitLaunch(t)
	assert.Equal(t, "1", spec.Environment[EnvWatch])
	assert.Equal(t, "1", spec.Environment[EnvIteration])
	assert.Equal(t, h.sup.SessionID(), spec.Environment[EnvSession])
	assert.True(t, spec.IsUserApplication)
	assert.Equal(t, []string{"run", "."}, spec.Arguments)
	assert.Equal(t, 1, h.sup.Iteration())

	// Content edit is pushed in place.
	touch(t, p.appCSS, "body{color:red}\n")
	require.Eventually(t, func() bool { return h.transport.Count() == 1 }, waitTimeout, 10*time.Millisecond)
	h.assertNoLaunch(t, 200*time.Millisecond)
	assert.Equal(t, 1, h.sup.Iteration())
	assert.Equal(t, StateRunning, h.sup.State())

	// Source edit restarts and reuses the evaluation.
	touch(t, p.mainGo, "package main\n\nfunc main() {}\n")
	spec = h.waitLaunch(t)
	assert.Equal(t, "2", spec.Environment[EnvIteration])
	assert.Equal(t, 1, resolver.Calls())
	assert.Len(t, h.recorder.ByID(report.IDFileChanged), 1)

	// Unprompted exit waits for the next edit, then re-evaluates.
	h.runner.exit <- 1
	require.Eventually(t, func() bool {
		return len(h.recorder.ByID(report.IDWaitingForFileChange)) == 1
	}, waitTimeout, 10*time.Millisecond)
	h.assertNoLaunch(t, 200*time.Millisecond)
	require.Len(t, h.recorder.ByID(report.IDProcessExited), 1)

	touch(t, p.mainGo, "package main\n\nfunc main() { println() }\n")
	spec = h.waitLaunch(t)
	assert.Equal(t, "3", spec.Environment[EnvIteration])
	assert.Equal(t, 2, resolver.Calls())

	// Build file edit forces re-evaluation.
	touch(t, p.goMod, "module example.com/app\n\ngo 1.24\n")
	spec = h.waitLaunch(t)
	assert.Equal(t, "4", spec.Environment[EnvIteration])
	assert.Equal(t, 3, resolver.Calls())

	// Shutdown drains the child and stops.
	h.cancel()
	require.NoError(t, h.waitDone(t))
	assert.Equal(t, StateStopped, h.sup.State())

	alive, maxAlive := h.runner.Alive()
	assert.Equal(t, 0, alive)
	assert.Equal(t, 1, maxAlive)
	assert.Equal(t, 4, h.sup.Iteration())
}

func TestSupervisor_EvaluationFailureStops(t *testing.T) {
	resolver := &fakeResolver{err: errors.New("go: cannot find main module")}
	h := startSupervisor(t, resolver, nil)

	err := h.waitDone(t)
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.KindEvaluation))
	assert.Len(t, h.recorder.ByID(report.IDEvaluationFailed), 1)
	assert.Equal(t, 0, h.sup.Iteration())
	assert.Equal(t, StateStopped, h.sup.State())
}

func TestSupervisor_LaunchFailureStops(t *testing.T) {
	_, resolver := newProject(t)
	h := startSupervisor(t, resolver, func(o *Options) {
		o.Runner = &fakeRunner{startErr: rerrors.New(rerrors.KindProcessLaunch, "start go", os.ErrNotExist)}
	})

	err := h.waitDone(t)
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.KindProcessLaunch))
	assert.Equal(t, 1, h.sup.Iteration())
}

func TestSupervisor_WatchFailureStops(t *testing.T) {
	_, resolver := newProject(t)
	h := startSupervisor(t, resolver, func(o *Options) {
		o.NewWatcher = func() (ChangeWatcher, error) { return nil, errors.New("too many open files") }
	})

	err := h.waitDone(t)
	require.Error(t, err)
	assert.True(t, rerrors.Is(err, rerrors.KindWatchEstablishment))
	assert.Equal(t, 0, h.sup.Iteration())
}

func TestSupervisor_ShutdownWhileWaitingAfterExit(t *testing.T) {
	_, resolver := newProject(t)
	h := startSupervisor(t, resolver, nil)

	h.waitLaunch(t)
	h.runner.exit <- 0
	require.Eventually(t, func() bool {
		return len(h.recorder.ByID(report.IDWaitingForFileChange)) == 1
	}, waitTimeout, 10*time.Millisecond)

	h.cancel()
	require.NoError(t, h.waitDone(t))
	assert.Equal(t, 1, h.sup.Iteration())
}

func TestSupervisor_JournalRecordsRuns(t *testing.T) {
	p, resolver := newProject(t)
	j, err := journal.Open(journal.Config{DBPath: filepath.Join(t.TempDir(), "journal.db")})
	require.NoError(t, err)
	defer j.Close()

	h := startSupervisor(t, resolver, func(o *Options) { o.Journal = j })

	h.waitLaunch(t)
	touch(t, p.mainGo, "package main\n\nfunc main() {}\n")
	h.waitLaunch(t)

	h.cancel()
	require.NoError(t, h.waitDone(t))

	runs, err := j.Recent(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	assert.Equal(t, 2, runs[0].Iteration)
	assert.Equal(t, p.mainGo, runs[0].Trigger)
	assert.Equal(t, journal.ReasonShutdown, runs[0].EndReason)
	assert.Equal(t, journal.ReasonFileChanged, runs[1].EndReason)
	assert.Equal(t, "go run .", runs[1].Command)
	assert.Equal(t, h.sup.SessionID(), runs[1].SessionID)
}

func TestNew_RequiresCollaborators(t *testing.T) {
	_, err := New(Options{})
	assert.ErrorIs(t, err, ErrNoEvaluator)

	_, err = New(Options{Evaluator: evaluator.New(evaluator.Options{})})
	assert.ErrorIs(t, err, ErrNoRunner)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "unknown", State(42).String())
}
