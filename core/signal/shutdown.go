// Package signal turns OS interrupts into supervisor shutdown.
package signal

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/adalundhe/relaunch/core/report"
)

// ShutdownHandler cancels the supervisor on the first interrupt and calls
// force on every interrupt after that.
type ShutdownHandler struct {
	cancel   context.CancelFunc
	force    func()
	reporter report.Reporter

	mu       sync.Mutex
	running  bool
	received atomic.Int32
	stopCh   chan struct{}
	sigCh    chan os.Signal
}

func NewShutdownHandler(cancel context.CancelFunc, force func(), reporter report.Reporter) *ShutdownHandler {
	if reporter == nil {
		reporter = report.Discard{}
	}
	return &ShutdownHandler{
		cancel:   cancel,
		force:    force,
		reporter: reporter,
		stopCh:   make(chan struct{}),
		sigCh:    make(chan os.Signal, 1),
	}
}

func (h *ShutdownHandler) Start() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.running {
		return
	}

	h.running = true
	signal.Notify(h.sigCh, os.Interrupt, syscall.SIGTERM)
	go h.listen()
}

func (h *ShutdownHandler) listen() {
	for {
		select {
		case <-h.stopCh:
			return
		case sig := <-h.sigCh:
			h.handleSignal(sig)
		}
	}
}

func (h *ShutdownHandler) handleSignal(sig os.Signal) {
	if h.received.Add(1) == 1 {
		h.reporter.Report(report.Event{
			Severity: report.SeverityOutput,
			ID:       report.IDShutdown,
			Message:  "Shutting down (interrupt again to force)",
			Attrs:    []slog.Attr{slog.String("signal", sig.String())},
		})
		if h.cancel != nil {
			h.cancel()
		}
		return
	}

	report.Warn(h.reporter, "Forcing shutdown", slog.String("signal", sig.String()))
	if h.force != nil {
		h.force()
	}
}

// Stop releases the signal subscription. Safe to call more than once.
func (h *ShutdownHandler) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}

	signal.Stop(h.sigCh)
	close(h.stopCh)
	h.running = false
}

func (h *ShutdownHandler) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Received returns how many interrupts arrived.
func (h *ShutdownHandler) Received() int {
	return int(h.received.Load())
}
