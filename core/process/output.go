package process

import (
	"bytes"
	"log/slog"
	"sync"

	"github.com/adalundhe/relaunch/core/report"
)

// maxLineLength caps a buffered partial line before it is emitted anyway.
const maxLineLength = 64 * 1024

// lineWriter splits a stream into lines and reports each as process output.
type lineWriter struct {
	reporter report.Reporter
	stream   string

	mu  sync.Mutex
	buf []byte
}

func newLineWriter(r report.Reporter, stream string) *lineWriter {
	return &lineWriter{reporter: r, stream: stream}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		idx := bytes.IndexByte(w.buf, '\n')
		if idx < 0 {
			break
		}
		w.emit(w.buf[:idx])
		w.buf = w.buf[idx+1:]
	}

	if len(w.buf) >= maxLineLength {
		w.emit(w.buf)
		w.buf = nil
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(w.buf)
		w.buf = nil
	}
}

func (w *lineWriter) emit(line []byte) {
	line = bytes.TrimSuffix(line, []byte("\r"))
	w.reporter.Report(report.Event{
		Severity: report.SeverityOutput,
		ID:       report.IDProcessOutput,
		Message:  string(line),
		Attrs:    []slog.Attr{slog.String("stream", w.stream)},
	})
}
