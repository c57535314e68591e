// Package errors implements the supervisor's error taxonomy: every failure the
// watch loop can observe is classified into a Kind, and each Kind is either
// fatal (the loop stops) or recovered (absorbed into a state transition).
package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a supervisor failure.
type Kind int

const (
	// KindEvaluation indicates the project could not be resolved or graphed.
	KindEvaluation Kind = iota

	// KindWatchEstablishment indicates an OS-level watch could not be created
	// on a required root.
	KindWatchEstablishment

	// KindTransientWatch indicates a single filesystem event could not be
	// read or classified.
	KindTransientWatch

	// KindProcessLaunch indicates the executable is missing or not runnable.
	KindProcessLaunch

	// KindUnpromptedExit indicates the child exited without being asked to.
	KindUnpromptedExit

	// KindStaticApply indicates an in-place static update could not be
	// applied and a full restart is required.
	KindStaticApply
)

var kindNames = map[Kind]string{
	KindEvaluation:         "evaluation",
	KindWatchEstablishment: "watch_establishment",
	KindTransientWatch:     "transient_watch",
	KindProcessLaunch:      "process_launch",
	KindUnpromptedExit:     "unprompted_exit",
	KindStaticApply:        "static_apply",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// Fatal reports whether errors of this kind stop the watch loop.
func (k Kind) Fatal() bool {
	switch k {
	case KindEvaluation, KindWatchEstablishment, KindProcessLaunch:
		return true
	default:
		return false
	}
}

// SupervisorError wraps an error with its Kind.
type SupervisorError struct {
	Kind       Kind
	Message    string
	Underlying error
	Context    map[string]string
}

// Error implements the error interface.
func (e *SupervisorError) Error() string {
	if e.Underlying != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Underlying)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *SupervisorError) Unwrap() error {
	return e.Underlying
}

// WithContext attaches a key/value pair and returns the error for chaining.
func (e *SupervisorError) WithContext(key, value string) *SupervisorError {
	if e.Context == nil {
		e.Context = make(map[string]string)
	}
	e.Context[key] = value
	return e
}

// New creates a SupervisorError of the given kind.
func New(kind Kind, message string, underlying error) *SupervisorError {
	return &SupervisorError{
		Kind:       kind,
		Message:    message,
		Underlying: underlying,
	}
}

// KindOf returns the Kind of the first SupervisorError in err's chain.
func KindOf(err error) (Kind, bool) {
	var se *SupervisorError
	if errors.As(err, &se) {
		return se.Kind, true
	}
	return 0, false
}

// IsFatal reports whether err should stop the watch loop. Unclassified
// errors are treated as fatal.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	if !ok {
		return true
	}
	return kind.Fatal()
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
