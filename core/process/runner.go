package process

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"time"

	rerrors "github.com/adalundhe/relaunch/core/errors"
	"github.com/adalundhe/relaunch/core/report"
)

// DefaultWaitDelay bounds how long Wait keeps draining output pipes after
// the child exits.
const DefaultWaitDelay = time.Second

// Config configures a Runner.
type Config struct {
	KillSequence KillSequenceConfig
	WaitDelay    time.Duration
	Reporter     report.Reporter
}

// DefaultConfig returns the default runner configuration.
func DefaultConfig() Config {
	return Config{
		KillSequence: DefaultKillSequenceConfig(),
		WaitDelay:    DefaultWaitDelay,
	}
}

// Runner launches child processes and stops them on cancellation.
type Runner struct {
	config   Config
	reporter report.Reporter
	kill     *KillSequence

	mu     sync.Mutex
	active map[*ProcessGroup]struct{}
}

// NewRunner creates a Runner.
func NewRunner(cfg Config) *Runner {
	if cfg.WaitDelay <= 0 {
		cfg.WaitDelay = DefaultWaitDelay
	}
	reporter := cfg.Reporter
	if reporter == nil {
		reporter = report.Discard{}
	}
	return &Runner{
		config:   cfg,
		reporter: reporter,
		kill:     NewKillSequence(cfg.KillSequence),
		active:   make(map[*ProcessGroup]struct{}),
	}
}

// Run starts spec and blocks until the process has exited and been reaped.
// When ctx is cancelled first, the process group is stopped with the kill
// sequence and the outcome is marked Killed. Only a failure to start the
// process is returned as an error.
func (r *Runner) Run(ctx context.Context, spec Spec) (Outcome, error) {
	if spec.Executable == "" {
		return Outcome{}, rerrors.New(rerrors.KindProcessLaunch, "no executable to launch", nil)
	}
	if ctx.Err() != nil {
		return Outcome{ExitCode: -1, Killed: true}, nil
	}

	cmd := exec.Command(spec.Executable, spec.Arguments...)
	cmd.Dir = spec.WorkingDirectory
	cmd.Env = buildEnvironment(os.Environ(), spec.Environment)
	cmd.WaitDelay = r.config.WaitDelay

	stdout := newLineWriter(r.reporter, "stdout")
	stderr := newLineWriter(r.reporter, "stderr")
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	pg := NewProcessGroup()
	pg.Setup(cmd)

	startedAt := time.Now()
	if err := pg.Start(); err != nil {
		return Outcome{}, rerrors.New(rerrors.KindProcessLaunch, "start "+spec.Executable, err).
			WithContext("executable", spec.Executable).
			WithContext("dir", spec.WorkingDirectory)
	}

	r.track(pg)
	defer r.untrack(pg)

	outcome := Outcome{Pid: pg.Pid(), StartedAt: startedAt}
	report.Verbose(r.reporter, "process started",
		slog.Int("pid", outcome.Pid), slog.String("executable", spec.Executable))

	var waitErr error
	waitDone := make(chan struct{})
	go func() {
		waitErr = pg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		result := r.kill.Execute(pg, waitDone, !spec.IsUserApplication)
		<-waitDone
		outcome.Killed = true
		outcome.ExitedAfter = result.ExitedAfter
		report.Verbose(r.reporter, "process stopped",
			slog.Int("pid", outcome.Pid),
			slog.String("exited_after", result.ExitedAfter),
			slog.Duration("took", result.Duration))
	}

	pg.Sweep()
	stdout.Flush()
	stderr.Flush()

	outcome.Duration = time.Since(startedAt)
	outcome.ExitCode = extractExitCode(cmd, waitErr)
	return outcome, nil
}

// KillAll sends SIGKILL to every active process group and returns how many
// were signalled.
func (r *Runner) KillAll() int {
	r.mu.Lock()
	groups := make([]*ProcessGroup, 0, len(r.active))
	for pg := range r.active {
		groups = append(groups, pg)
	}
	r.mu.Unlock()

	for _, pg := range groups {
		_ = pg.Kill()
	}
	return len(groups)
}

// ActiveCount returns the number of running process groups.
func (r *Runner) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

func (r *Runner) track(pg *ProcessGroup) {
	r.mu.Lock()
	r.active[pg] = struct{}{}
	r.mu.Unlock()
}

func (r *Runner) untrack(pg *ProcessGroup) {
	r.mu.Lock()
	delete(r.active, pg)
	r.mu.Unlock()
}

// extractExitCode returns the process exit code, or -1 when it was ended by
// a signal or never reported one.
func extractExitCode(cmd *exec.Cmd, err error) int {
	if cmd.ProcessState != nil {
		return cmd.ProcessState.ExitCode()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

// FormatExitCode renders an exit code for display.
func FormatExitCode(code int) string {
	if code < 0 {
		return "signal"
	}
	return strconv.Itoa(code)
}
