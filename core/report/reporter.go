// Package report is the supervisor's reporting sink. Components emit
// structured Events; formatting and display belong to the Reporter
// implementation.
package report

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// Severity orders events by importance.
type Severity int

const (
	SeverityVerbose Severity = iota
	SeverityOutput
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityVerbose:
		return "verbose"
	case SeverityOutput:
		return "output"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// Stable event identifiers. External tooling may match on these.
const (
	IDMessage                  = "message"
	IDLaunching                = "launching"
	IDWaitingForFileChange     = "waiting_for_file_change"
	IDFileChanged              = "file_changed"
	IDProcessExited            = "process_exited"
	IDProcessOutput            = "process_output"
	IDEvaluationFailed         = "evaluation_failed"
	IDStaticApplied            = "static_applied"
	IDShutdown                 = "shutdown"
	IDIncrementalismSuppressed = "incrementalism_suppressed"
)

// Event is a single structured report.
type Event struct {
	Severity Severity
	ID       string
	Message  string
	Attrs    []slog.Attr
}

// Reporter receives events from the supervisor and its components.
type Reporter interface {
	Report(event Event)
}

// Verbose reports a verbose-level message.
func Verbose(r Reporter, msg string, attrs ...slog.Attr) {
	r.Report(Event{Severity: SeverityVerbose, ID: IDMessage, Message: msg, Attrs: attrs})
}

// Output reports an informational message.
func Output(r Reporter, msg string, attrs ...slog.Attr) {
	r.Report(Event{Severity: SeverityOutput, ID: IDMessage, Message: msg, Attrs: attrs})
}

// Warn reports a warning.
func Warn(r Reporter, msg string, attrs ...slog.Attr) {
	r.Report(Event{Severity: SeverityWarning, ID: IDMessage, Message: msg, Attrs: attrs})
}

// Error reports an error.
func Error(r Reporter, msg string, attrs ...slog.Attr) {
	r.Report(Event{Severity: SeverityError, ID: IDMessage, Message: msg, Attrs: attrs})
}

// Discard is a Reporter that drops every event.
type Discard struct{}

// Report does nothing.
func (Discard) Report(Event) {}

// SlogReporter writes events through a slog.Logger. Process output lines are
// written verbatim to Output so the child's own formatting is preserved.
type SlogReporter struct {
	logger *slog.Logger
	output io.Writer

	mu sync.Mutex
}

// NewSlogReporter creates a SlogReporter. A nil logger falls back to
// slog.Default(); a nil output discards process output.
func NewSlogReporter(logger *slog.Logger, output io.Writer) *SlogReporter {
	if logger == nil {
		logger = slog.Default()
	}
	if output == nil {
		output = io.Discard
	}
	return &SlogReporter{logger: logger, output: output}
}

// Report implements Reporter.
func (r *SlogReporter) Report(event Event) {
	if event.ID == IDProcessOutput && event.Severity >= SeverityOutput {
		r.writeProcessOutput(event.Message)
		return
	}

	attrs := event.Attrs
	if event.ID != IDMessage && event.ID != "" {
		attrs = append([]slog.Attr{slog.String("event", event.ID)}, attrs...)
	}
	r.logger.LogAttrs(context.Background(), levelFor(event.Severity), event.Message, attrs...)
}

func (r *SlogReporter) writeProcessOutput(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintln(r.output, line)
}

func levelFor(s Severity) slog.Level {
	switch s {
	case SeverityVerbose:
		return slog.LevelDebug
	case SeverityWarning:
		return slog.LevelWarn
	case SeverityError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Recorder keeps every event it receives. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Report implements Reporter.
func (r *Recorder) Report(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByID returns the recorded events with the given ID.
func (r *Recorder) ByID(id string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.ID == id {
			out = append(out, e)
		}
	}
	return out
}

// Composite fans events out to several reporters.
type Composite struct {
	reporters []Reporter
}

// NewComposite creates a Composite, skipping nil reporters.
func NewComposite(reporters ...Reporter) *Composite {
	filtered := make([]Reporter, 0, len(reporters))
	for _, r := range reporters {
		if r != nil {
			filtered = append(filtered, r)
		}
	}
	return &Composite{reporters: filtered}
}

// Report implements Reporter.
func (c *Composite) Report(event Event) {
	for _, r := range c.reporters {
		r.Report(event)
	}
}
