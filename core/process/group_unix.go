//go:build !windows

package process

import (
	"errors"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// ProcessGroup makes the child the leader of a new process group. `go run`
// forks the built binary, so signals go to the group, and whatever the
// leader leaves behind is killed once it has been reaped.
type ProcessGroup struct {
	cmd *exec.Cmd

	mu sync.Mutex
	// leader is the child's pid, which is also the group id. Zero until
	// Start succeeds.
	leader int
	// forced is set once SIGKILL went out; softer signals are dropped after.
	forced bool
}

func NewProcessGroup() *ProcessGroup {
	return &ProcessGroup{}
}

// Setup prepares cmd to start in its own group. Call before Start.
func (pg *ProcessGroup) Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	pg.cmd = cmd
}

func (pg *ProcessGroup) Start() error {
	if err := pg.cmd.Start(); err != nil {
		return err
	}
	pg.mu.Lock()
	pg.leader = pg.cmd.Process.Pid
	pg.mu.Unlock()
	return nil
}

// Signal delivers sig to every member of the group.
func (pg *ProcessGroup) Signal(sig syscall.Signal) error {
	pg.mu.Lock()
	forced := pg.forced
	pg.mu.Unlock()
	if forced {
		return nil
	}
	return pg.signalGroup(sig)
}

// Kill sends SIGKILL to the group.
func (pg *ProcessGroup) Kill() error {
	pg.mu.Lock()
	pg.forced = true
	pg.mu.Unlock()
	return pg.signalGroup(unix.SIGKILL)
}

// Sweep kills members that outlived the leader. Called after Wait on every
// exit path; an empty group is not an error.
func (pg *ProcessGroup) Sweep() {
	_ = pg.signalGroup(unix.SIGKILL)
}

func (pg *ProcessGroup) signalGroup(sig syscall.Signal) error {
	pg.mu.Lock()
	leader := pg.leader
	pg.mu.Unlock()

	if leader == 0 {
		return nil
	}
	if err := unix.Kill(-leader, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return err
	}
	return nil
}

func (pg *ProcessGroup) Wait() error {
	if pg.cmd == nil || pg.cmd.Process == nil {
		return nil
	}
	return pg.cmd.Wait()
}

// Pid returns the leader's pid, zero before Start.
func (pg *ProcessGroup) Pid() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.leader
}
