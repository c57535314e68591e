//go:build windows

package process

import (
	"os/exec"
	"sync"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"
)

// ProcessGroup puts the child in its own console process group and in a
// job object. The job holds the binary `go run` starts as well as go.exe,
// so terminating the job ends the whole tree.
type ProcessGroup struct {
	cmd *exec.Cmd

	mu     sync.Mutex
	job    windows.Handle
	forced bool
}

func NewProcessGroup() *ProcessGroup {
	return &ProcessGroup{}
}

// Setup prepares cmd to start in its own process group. Call before Start.
func (pg *ProcessGroup) Setup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP,
	}
	pg.cmd = cmd
}

// Start launches the child and assigns it to a kill-on-close job. If the job
// cannot be set up the child still runs, and Kill falls back to ending only
// the direct child.
func (pg *ProcessGroup) Start() error {
	job, jobErr := newKillOnCloseJob()

	if err := pg.cmd.Start(); err != nil {
		if jobErr == nil {
			_ = windows.CloseHandle(job)
		}
		return err
	}
	if jobErr != nil {
		return nil
	}

	if err := assignToJob(job, pg.cmd.Process.Pid); err != nil {
		_ = windows.CloseHandle(job)
		return nil
	}

	pg.mu.Lock()
	pg.job = job
	pg.mu.Unlock()
	return nil
}

func newKillOnCloseJob() (windows.Handle, error) {
	job, err := windows.CreateJobObject(nil, nil)
	if err != nil {
		return 0, err
	}

	info := windows.JOBOBJECT_EXTENDED_LIMIT_INFORMATION{
		BasicLimitInformation: windows.JOBOBJECT_BASIC_LIMIT_INFORMATION{
			LimitFlags: windows.JOB_OBJECT_LIMIT_KILL_ON_JOB_CLOSE,
		},
	}
	_, err = windows.SetInformationJobObject(
		job,
		windows.JobObjectExtendedLimitInformation,
		uintptr(unsafe.Pointer(&info)),
		uint32(unsafe.Sizeof(info)),
	)
	if err != nil {
		_ = windows.CloseHandle(job)
		return 0, err
	}
	return job, nil
}

// assignToJob adds pid to job. go.exe only starts the binary after building
// it, so the binary is created inside the job and inherits membership.
func assignToJob(job windows.Handle, pid int) error {
	process, err := windows.OpenProcess(windows.PROCESS_SET_QUOTA|windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(process)
	return windows.AssignProcessToJobObject(job, process)
}

// Signal delivers CTRL_BREAK to the console group; Windows has no SIGINT or
// SIGTERM for other processes.
func (pg *ProcessGroup) Signal(sig syscall.Signal) error {
	pg.mu.Lock()
	defer pg.mu.Unlock()

	if pg.forced || pg.cmd == nil || pg.cmd.Process == nil {
		return nil
	}
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pg.cmd.Process.Pid))
}

// Kill terminates every process in the job.
func (pg *ProcessGroup) Kill() error {
	pg.mu.Lock()
	pg.forced = true
	job := pg.job
	cmd := pg.cmd
	pg.mu.Unlock()

	if job != 0 {
		return windows.TerminateJobObject(job, 1)
	}
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// Sweep terminates what is left in the job after the child was reaped and
// releases the handle. Called on every exit path.
func (pg *ProcessGroup) Sweep() {
	pg.mu.Lock()
	job := pg.job
	pg.job = 0
	pg.mu.Unlock()

	if job == 0 {
		return
	}
	_ = windows.TerminateJobObject(job, 1)
	_ = windows.CloseHandle(job)
}

func (pg *ProcessGroup) Wait() error {
	if pg.cmd == nil || pg.cmd.Process == nil {
		return nil
	}
	return pg.cmd.Wait()
}

func (pg *ProcessGroup) Pid() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	if pg.cmd == nil || pg.cmd.Process == nil {
		return 0
	}
	return pg.cmd.Process.Pid
}
