package report

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"
)

// LoggerOptions configures NewLogger.
type LoggerOptions struct {
	// Verbose enables debug-level records.
	Verbose bool

	// JSON forces the JSON handler even on a terminal.
	JSON bool
}

// NewLogger builds a slog.Logger writing to w. Terminals get the text
// handler; pipes and files get JSON.
func NewLogger(w io.Writer, opts LoggerOptions) *slog.Logger {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	if opts.JSON || !isTerminal(w) {
		return slog.New(slog.NewJSONHandler(w, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts))
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}
