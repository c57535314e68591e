package signal

import (
	"context"
	"os"
	"testing"

	"github.com/adalundhe/relaunch/core/report"
)

func TestShutdownHandler_StartStop(t *testing.T) {
	handler := NewShutdownHandler(func() {}, nil, nil)

	handler.Start()
	handler.Start()
	if !handler.IsRunning() {
		t.Error("expected handler to be running")
	}

	handler.Stop()
	handler.Stop()
	if handler.IsRunning() {
		t.Error("expected handler to be stopped")
	}
}

func TestShutdownHandler_FirstInterruptCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	forced := 0
	rec := report.NewRecorder()
	handler := NewShutdownHandler(cancel, func() { forced++ }, rec)

	handler.handleSignal(os.Interrupt)

	if ctx.Err() == nil {
		t.Error("expected first interrupt to cancel the context")
	}
	if forced != 0 {
		t.Errorf("force called on first interrupt: %d", forced)
	}
	if len(rec.ByID(report.IDShutdown)) != 1 {
		t.Error("expected a shutdown event")
	}
}

func TestShutdownHandler_SecondInterruptForces(t *testing.T) {
	cancels := 0
	forced := 0
	handler := NewShutdownHandler(func() { cancels++ }, func() { forced++ }, nil)

	handler.handleSignal(os.Interrupt)
	handler.handleSignal(os.Interrupt)
	handler.handleSignal(os.Interrupt)

	if cancels != 1 {
		t.Errorf("cancel calls: got %d, want 1", cancels)
	}
	if forced != 2 {
		t.Errorf("force calls: got %d, want 2", forced)
	}
	if handler.Received() != 3 {
		t.Errorf("Received: got %d, want 3", handler.Received())
	}
}

func TestShutdownHandler_NilCallbacks(t *testing.T) {
	handler := NewShutdownHandler(nil, nil, nil)
	handler.handleSignal(os.Interrupt)
	handler.handleSignal(os.Interrupt)
}
