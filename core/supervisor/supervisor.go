// Package supervisor runs the watch loop: evaluate the project, launch the
// application, then race its exit against file changes and shutdown.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/evaluator"
	"github.com/adalundhe/relaunch/core/journal"
	"github.com/adalundhe/relaunch/core/process"
	"github.com/adalundhe/relaunch/core/refresh"
	"github.com/adalundhe/relaunch/core/report"
	"github.com/adalundhe/relaunch/core/watcher"
)

// Environment variables set on every launched process.
const (
	EnvWatch     = "RELAUNCH_WATCH"
	EnvIteration = "RELAUNCH_WATCH_ITERATION"
	EnvSession   = "RELAUNCH_SESSION_ID"
)

// ErrNoEvaluator indicates the supervisor was built without an evaluator.
var ErrNoEvaluator = errors.New("supervisor requires an evaluator")

// ErrNoRunner indicates the supervisor was built without a process runner.
var ErrNoRunner = errors.New("supervisor requires a process runner")

// =============================================================================
// Collaborators
// =============================================================================

// ProcessRunner runs one child to completion or cancellation.
type ProcessRunner interface {
	Run(ctx context.Context, spec process.Spec) (process.Outcome, error)
}

// ChangeWatcher observes the file set of a single iteration.
type ChangeWatcher interface {
	WatchContainingDirectories(files []string, recursive bool) error
	WaitForChange(ctx context.Context, fileSet watcher.FileSet, onStartedWatching func()) (watcher.ChangedFile, bool)
	Close() error
}

// WatcherFactory creates a fresh watcher for each iteration.
type WatcherFactory func() (ChangeWatcher, error)

// StaticHandler applies content changes without a restart.
type StaticHandler interface {
	SetGraph(graph *evaluator.ProjectGraph)
	HandleFileChanges(ctx context.Context, changes []watcher.ChangedFile) bool
}

// RefreshConnector manages browser refresh servers.
type RefreshConnector interface {
	Prepare(graph *evaluator.ProjectGraph) (*refresh.Server, error)
	Environment(projectKey string) map[string]string
	Reload(ctx context.Context) error
}

// RunJournal records iterations.
type RunJournal interface {
	BeginRun(ctx context.Context, start journal.Start) (int64, error)
	FinishRun(ctx context.Context, id int64, finish journal.Finish) error
}

// Options configures a Supervisor. Evaluator, Runner and NewWatcher are
// required; the rest are optional.
type Options struct {
	Evaluator  *evaluator.Evaluator
	Runner     ProcessRunner
	NewWatcher WatcherFactory
	Statics    StaticHandler
	Refresh    RefreshConnector
	Journal    RunJournal
	Reporter   report.Reporter
}

// =============================================================================
// Supervisor
// =============================================================================

// Supervisor drives one run target. Run must not be called concurrently.
type Supervisor struct {
	evaluator  *evaluator.Evaluator
	runner     ProcessRunner
	newWatcher WatcherFactory
	statics    StaticHandler
	refresh    RefreshConnector
	journal    RunJournal
	reporter   report.Reporter

	sessionID string
	iteration atomic.Int64
	state     atomic.Int32

	// graph is the most recent full evaluation's project graph.
	graph *evaluator.ProjectGraph
}

// New creates a Supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Evaluator == nil {
		return nil, ErrNoEvaluator
	}
	if opts.Runner == nil {
		return nil, ErrNoRunner
	}
	if opts.NewWatcher == nil {
		return nil, errors.New("supervisor requires a watcher factory")
	}
	reporter := opts.Reporter
	if reporter == nil {
		reporter = report.Discard{}
	}
	return &Supervisor{
		evaluator:  opts.Evaluator,
		runner:     opts.Runner,
		newWatcher: opts.NewWatcher,
		statics:    opts.Statics,
		refresh:    opts.Refresh,
		journal:    opts.Journal,
		reporter:   reporter,
		sessionID:  uuid.NewString(),
	}, nil
}

// SessionID identifies this supervisor instance in the child environment
// and the journal.
func (s *Supervisor) SessionID() string {
	return s.sessionID
}

// Iteration returns how many launches have happened.
func (s *Supervisor) Iteration() int {
	return int(s.iteration.Load())
}

// State returns where the loop currently is.
func (s *Supervisor) State() State {
	return State(s.state.Load())
}

func (s *Supervisor) setState(state State) {
	s.state.Store(int32(state))
}

// Run loops until ctx is cancelled or a fatal error occurs. Cancellation is
// a clean stop and returns nil; the child has exited by the time Run
// returns.
func (s *Supervisor) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	if s.evaluator.SuppressesIncrementalism() {
		s.reporter.Report(report.Event{
			Severity: report.SeverityOutput,
			ID:       report.IDIncrementalismSuppressed,
			Message:  "Incremental evaluation is disabled, every restart re-evaluates the project",
		})
	}

	var changed *watcher.ChangedFile
	for {
		if ctx.Err() != nil {
			return nil
		}
		next, err := s.iterate(ctx, changed)
		if err != nil {
			return err
		}
		if next == nil {
			return nil
		}
		changed = next
	}
}

type exitResult struct {
	outcome process.Outcome
	err     error
}

type changeResult struct {
	change watcher.ChangedFile
	ok     bool
}

// iterate runs one evaluate-launch-race pass. It returns the change that
// ended the pass, or nil when shutdown was requested.
func (s *Supervisor) iterate(ctx context.Context, changed *watcher.ChangedFile) (*watcher.ChangedFile, error) {
	s.setState(StateEvaluating)
	result, err := s.evaluator.Evaluate(ctx, changed)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		s.reporter.Report(report.Event{
			Severity: report.SeverityError,
			ID:       report.IDEvaluationFailed,
			Message:  err.Error(),
		})
		return nil, err
	}
	if result.Graph != nil {
		s.graph = result.Graph
		if s.statics != nil {
			s.statics.SetGraph(result.Graph)
		}
	}

	s.setState(StateLaunching)

	w, err := s.newWatcher()
	if err != nil {
		return nil, s.fail(rerrors.New(rerrors.KindWatchEstablishment, "create watcher", err))
	}
	defer w.Close()

	if err := w.WatchContainingDirectories(result.Files.Paths(), true); err != nil {
		if _, ok := rerrors.KindOf(err); !ok {
			err = rerrors.New(rerrors.KindWatchEstablishment, "watch project files", err)
		}
		return nil, s.fail(err)
	}

	iteration := int(s.iteration.Add(1))
	spec := process.Spec{
		Executable:        result.Command.Executable,
		WorkingDirectory:  result.Command.WorkingDirectory,
		Arguments:         s.evaluator.ProcessArguments(iteration - 1),
		Environment:       s.environment(result.Command, iteration),
		IsUserApplication: true,
	}

	trigger := ""
	if changed != nil {
		trigger = changed.Path()
	}
	runID := s.beginRun(ctx, iteration, trigger, spec)

	s.reporter.Report(report.Event{
		Severity: report.SeverityOutput,
		ID:       report.IDLaunching,
		Message:  "Launching: " + commandLine(spec),
		Attrs:    []slog.Attr{slog.Int("iteration", iteration)},
	})

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	exitCh := make(chan exitResult, 1)
	go func() {
		outcome, err := s.runner.Run(runCtx, spec)
		exitCh <- exitResult{outcome: outcome, err: err}
	}()

	if iteration > 1 && s.refresh != nil {
		if err := s.refresh.Reload(ctx); err != nil {
			report.Verbose(s.reporter, "browser reload failed", slog.String("error", err.Error()))
		}
	}

	waitCtx, cancelWait := context.WithCancel(ctx)
	defer cancelWait()

	changeCh := make(chan changeResult, 1)
	waiting := false
	startWait := func() {
		waiting = true
		go func() {
			change, ok := w.WaitForChange(waitCtx, result.Files, nil)
			changeCh <- changeResult{change: change, ok: ok}
		}()
	}
	stopWait := func() *watcher.ChangedFile {
		cancelWait()
		if !waiting {
			return nil
		}
		waiting = false
		if res := <-changeCh; res.ok {
			return &res.change
		}
		return nil
	}

	s.setState(StateRunning)
	startWait()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateDraining)
			stopWait()
			cancelRun()
			exit := <-exitCh
			s.finishRun(runID, exit.outcome, journal.ReasonShutdown)
			return nil, nil

		case exit := <-exitCh:
			s.setState(StateDraining)
			if exit.err != nil {
				stopWait()
				s.finishRun(runID, exit.outcome, journal.ReasonLaunchFailed)
				return nil, s.fail(exit.err)
			}
			if exit.outcome.Killed {
				// Only ctx cancellation kills the child; the next loop pass sees it.
				stopWait()
				s.finishRun(runID, exit.outcome, journal.ReasonShutdown)
				return nil, nil
			}
			s.finishRun(runID, exit.outcome, journal.ReasonExited)
			return s.afterExit(ctx, w, result.Files, exit.outcome, stopWait())

		case res := <-changeCh:
			waiting = false
			if !res.ok {
				// Only cancellation or a closed watcher end a wait.
				continue
			}
			if s.statics != nil && s.statics.HandleFileChanges(ctx, []watcher.ChangedFile{res.change}) {
				startWait()
				continue
			}

			s.setState(StateDraining)
			s.evaluator.RequiresRevaluation = false
			s.reportChange(res.change)
			cancelRun()
			exit := <-exitCh
			s.finishRun(runID, exit.outcome, journal.ReasonFileChanged)
			return &res.change, nil
		}
	}
}

// afterExit handles an unprompted exit: force re-evaluation, then block
// until the next change. raced is a change that arrived together with the
// exit.
func (s *Supervisor) afterExit(ctx context.Context, w ChangeWatcher, files watcher.FileSet, outcome process.Outcome, raced *watcher.ChangedFile) (*watcher.ChangedFile, error) {
	s.evaluator.RequiresRevaluation = true

	severity := report.SeverityOutput
	if outcome.ExitCode != 0 {
		severity = report.SeverityWarning
	}
	s.reporter.Report(report.Event{
		Severity: severity,
		ID:       report.IDProcessExited,
		Message:  "Exited with code " + process.FormatExitCode(outcome.ExitCode),
		Attrs: []slog.Attr{
			slog.Int("pid", outcome.Pid),
			slog.Int("exit_code", outcome.ExitCode),
			slog.String("kind", rerrors.KindUnpromptedExit.String()),
		},
	})

	if raced != nil {
		s.reportChange(*raced)
		return raced, nil
	}

	change, ok := w.WaitForChange(ctx, files, func() {
		s.reporter.Report(report.Event{
			Severity: report.SeverityOutput,
			ID:       report.IDWaitingForFileChange,
			Message:  "Waiting for a file to change before restarting...",
		})
	})
	if !ok {
		return nil, nil
	}
	s.reportChange(change)
	return &change, nil
}

func (s *Supervisor) reportChange(change watcher.ChangedFile) {
	s.reporter.Report(report.Event{
		Severity: report.SeverityOutput,
		ID:       report.IDFileChanged,
		Message:  "File changed: " + change.Path(),
		Attrs:    []slog.Attr{slog.String("kind", change.Kind.String())},
	})
}

// fail reports a fatal error once and returns it.
func (s *Supervisor) fail(err error) error {
	report.Error(s.reporter, err.Error())
	return err
}

// environment builds the overlay for one launch.
func (s *Supervisor) environment(cmd evaluator.LaunchCommand, iteration int) map[string]string {
	env := make(map[string]string, len(cmd.Environment)+5)
	for k, v := range cmd.Environment {
		env[k] = v
	}

	if s.refresh != nil && s.graph != nil && s.graph.Root != nil {
		if _, err := s.refresh.Prepare(s.graph); err != nil {
			report.Warn(s.reporter, "browser refresh unavailable", slog.String("error", err.Error()))
		} else {
			for k, v := range s.refresh.Environment(s.graph.Root.ID) {
				env[k] = v
			}
		}
	}

	env[EnvWatch] = "1"
	env[EnvIteration] = strconv.Itoa(iteration)
	env[EnvSession] = s.sessionID
	return env
}

func (s *Supervisor) beginRun(ctx context.Context, iteration int, trigger string, spec process.Spec) int64 {
	if s.journal == nil {
		return 0
	}
	id, err := s.journal.BeginRun(ctx, journal.Start{
		SessionID: s.sessionID,
		Iteration: iteration,
		Trigger:   trigger,
		Command:   append([]string{spec.Executable}, spec.Arguments...),
	})
	if err != nil {
		report.Verbose(s.reporter, "journal: begin run failed", slog.String("error", err.Error()))
		return 0
	}
	return id
}

func (s *Supervisor) finishRun(id int64, outcome process.Outcome, reason string) {
	if s.journal == nil || id == 0 {
		return
	}
	// The run context may already be cancelled; the record must still land.
	err := s.journal.FinishRun(context.Background(), id, journal.Finish{
		Pid:      outcome.Pid,
		ExitCode: outcome.ExitCode,
		Reason:   reason,
	})
	if err != nil {
		report.Verbose(s.reporter, "journal: finish run failed", slog.String("error", err.Error()))
	}
}

func commandLine(spec process.Spec) string {
	return strings.TrimSpace(fmt.Sprintf("%s %s", spec.Executable, strings.Join(spec.Arguments, " ")))
}
