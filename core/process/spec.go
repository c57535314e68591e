// Package process runs the supervised child in its own process group and
// stops it with an escalating signal sequence.
package process

import (
	"sort"
	"strings"
	"time"
)

// Spec describes one launch. It is built fresh for every iteration and not
// modified after it is handed to Run.
type Spec struct {
	Executable       string
	WorkingDirectory string
	Arguments        []string

	// Environment overlays the inherited environment. Overlay values win.
	Environment map[string]string

	// IsUserApplication marks the user's program. Other processes skip the
	// SIGINT phase when stopped.
	IsUserApplication bool
}

// Outcome describes how a run ended.
type Outcome struct {
	Pid       int
	ExitCode  int
	Killed    bool
	StartedAt time.Time
	Duration  time.Duration

	// ExitedAfter names the signal that ended a killed run.
	ExitedAfter string
}

// buildEnvironment merges overlay into base. Keys are unique in the result,
// overlay entries replace base entries, and overlay keys are appended in
// sorted order.
func buildEnvironment(base []string, overlay map[string]string) []string {
	env := make([]string, 0, len(base)+len(overlay))
	for _, entry := range base {
		if _, ok := overlay[extractEnvKey(entry)]; ok {
			continue
		}
		env = append(env, entry)
	}

	keys := make([]string, 0, len(overlay))
	for k := range overlay {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		env = append(env, k+"="+overlay[k])
	}
	return env
}

func extractEnvKey(entry string) string {
	if idx := strings.IndexByte(entry, '='); idx > 0 {
		return entry[:idx]
	}
	return entry
}
