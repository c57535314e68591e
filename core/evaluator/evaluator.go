package evaluator

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/report"
	"github.com/adalundhe/relaunch/core/watcher"
)

// ErrNoResolver indicates the evaluator was built without a resolver.
var ErrNoResolver = errors.New("no project resolver configured")

// Options configures an Evaluator.
type Options struct {
	Resolver ProjectResolver

	// SuppressIncrementalism forces a full evaluation on every call.
	SuppressIncrementalism bool

	Reporter report.Reporter
}

// Evaluator caches the last full evaluation and reuses it while only source
// or content files change. It is owned by a single supervisor goroutine.
type Evaluator struct {
	// RequiresRevaluation forces the next Evaluate to run the resolver. It is
	// cleared when that evaluation starts.
	RequiresRevaluation bool

	resolver ProjectResolver
	suppress bool
	reporter report.Reporter

	last       *Result
	buildStamp map[string]time.Time
	fullCount  int
}

// New creates an Evaluator.
func New(opts Options) *Evaluator {
	reporter := opts.Reporter
	if reporter == nil {
		reporter = report.Discard{}
	}
	return &Evaluator{
		resolver: opts.Resolver,
		suppress: opts.SuppressIncrementalism,
		reporter: reporter,
	}
}

// Evaluate returns the file set and command for the next launch. changed is
// the file that ended the previous iteration, or nil.
func (e *Evaluator) Evaluate(ctx context.Context, changed *watcher.ChangedFile) (*Result, error) {
	requested := e.RequiresRevaluation
	e.RequiresRevaluation = false

	reason := e.fullEvaluationReason(requested, changed)
	if reason == "" {
		report.Verbose(e.reporter, "reusing previous evaluation")
		return &Result{Files: e.last.Files, Command: e.last.Command}, nil
	}

	report.Verbose(e.reporter, "evaluating project", slog.String("reason", reason))

	if e.resolver == nil {
		return nil, rerrors.New(rerrors.KindEvaluation, "evaluate project", ErrNoResolver)
	}

	resolution, err := e.resolver.Resolve(ctx)
	if err != nil {
		if _, ok := rerrors.KindOf(err); ok {
			return nil, err
		}
		return nil, rerrors.New(rerrors.KindEvaluation, "evaluate project", err)
	}
	if resolution == nil || resolution.Command.Executable == "" {
		return nil, rerrors.New(rerrors.KindEvaluation, "project resolved without a launch command", nil)
	}

	files := resolution.Files
	if files == nil {
		files = watcher.FileSet{}
	}

	e.last = &Result{
		Files:   files,
		Command: resolution.Command,
		Graph:   resolution.Graph,
	}
	e.buildStamp = stampBuildFiles(files)
	e.fullCount++

	return e.last, nil
}

// fullEvaluationReason returns why a full evaluation is needed, or "" when
// the previous result can be reused.
func (e *Evaluator) fullEvaluationReason(requested bool, changed *watcher.ChangedFile) string {
	switch {
	case e.last == nil:
		return "initial"
	case e.suppress:
		return "incrementalism suppressed"
	case requested:
		return "requested"
	case changed != nil && IsBuildFile(changed.Item):
		return "build file changed"
	case e.buildFilesTouched():
		return "build file timestamp changed"
	default:
		return ""
	}
}

func (e *Evaluator) buildFilesTouched() bool {
	for path, stamp := range e.buildStamp {
		info, err := os.Stat(path)
		if err != nil {
			if !stamp.IsZero() {
				return true
			}
			continue
		}
		if !info.ModTime().Equal(stamp) {
			return true
		}
	}
	return false
}

func stampBuildFiles(files watcher.FileSet) map[string]time.Time {
	stamps := make(map[string]time.Time)
	for _, item := range files {
		if !IsBuildFile(item) {
			continue
		}
		var mod time.Time
		if info, err := os.Stat(item.Path); err == nil {
			mod = info.ModTime()
		}
		stamps[item.Path] = mod
	}
	return stamps
}

// ProcessArguments returns a fresh copy of the launch arguments for the
// given iteration. Go has no separate restore step, so every iteration runs
// the same arguments.
func (e *Evaluator) ProcessArguments(iteration int) []string {
	if e.last == nil {
		return nil
	}
	return append([]string(nil), e.last.Command.Arguments...)
}

// FullEvaluations returns how many times the resolver has run successfully.
func (e *Evaluator) FullEvaluations() int {
	return e.fullCount
}

// SuppressesIncrementalism reports whether every call re-resolves.
func (e *Evaluator) SuppressesIncrementalism() bool {
	return e.suppress
}
