// Package runner spawns and supervises the child processes that work on
// behalf of a job: batch scripts, stepd bridges and jobd supervisors.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Runner kinds as reported in the registry and run history.
const (
	KindBatch = "BATCH"
	KindStep  = "STEP"
	KindJobd  = "JOBD"
)

// Status is the outcome of a reaped child.
type Status struct {
	ExitCode int
	Signal   syscall.Signal // non-zero when killed by a signal
}

// Success reports a zero exit without a signal.
func (s Status) Success() bool {
	return s.ExitCode == 0 && s.Signal == 0
}

func (s Status) String() string {
	if s.Signal != 0 {
		return "signal " + s.Signal.String()
	}
	return fmt.Sprintf("exit %d", s.ExitCode)
}

func statusFrom(ws unix.WaitStatus) Status {
	if ws.Signaled() {
		return Status{ExitCode: 128 + int(ws.Signal()), Signal: ws.Signal()}
	}
	return Status{ExitCode: ws.ExitStatus()}
}

// Process is a spawned session leader reaped by non-blocking polls. Its pid
// is cleared under the same lock that guards signalling, so a signal racing
// with the reap can never reach a process that later reuses the pid.
type Process struct {
	mu     sync.Mutex
	pid    int
	proc   *os.Process
	status Status
	done   chan struct{}
}

// Start starts cmd and returns its handle. The caller must not call
// cmd.Wait; the child is reaped by Poll.
func Start(cmd *exec.Cmd) (*Process, error) {
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &Process{pid: cmd.Process.Pid, proc: cmd.Process, done: make(chan struct{})}, nil
}

// Pid returns the child's pid, or 0 once it has been reaped.
func (p *Process) Pid() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

// Poll reaps the child if it has exited, without blocking.
func (p *Process) Poll() (Status, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pid == 0 {
		return p.status, true, nil
	}

	var ws unix.WaitStatus
	wpid, err := unix.Wait4(p.pid, &ws, unix.WNOHANG, nil)
	switch {
	case errors.Is(err, unix.EINTR):
		return Status{}, false, nil
	case errors.Is(err, unix.ECHILD):
		// Reaped elsewhere; the exit status is lost.
		p.finishLocked(Status{ExitCode: -1})
		return p.status, true, nil
	case err != nil:
		return Status{}, false, fmt.Errorf("wait4(%d): %w", p.pid, err)
	case wpid == 0:
		return Status{}, false, nil
	}

	p.finishLocked(statusFrom(ws))
	return p.status, true, nil
}

func (p *Process) finishLocked(st Status) {
	p.status = st
	p.pid = 0
	p.proc.Release()
	close(p.done)
}

// Wait polls every interval until the child has been reaped or ctx is done.
func (p *Process) Wait(ctx context.Context, interval time.Duration) (Status, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		st, done, err := p.Poll()
		if err != nil {
			return Status{}, err
		}
		if done {
			return st, nil
		}
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Done is closed once the child has been reaped.
func (p *Process) Done() <-chan struct{} { return p.done }

// Signal sends sig to the child's process group. It is a no-op once the
// child has been reaped and when the group is already gone.
func (p *Process) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pid == 0 {
		return nil
	}
	return SignalGroup(p.pid, sig)
}

// SignalGroup sends sig to process group pgid, treating ESRCH as success.
func SignalGroup(pgid int, sig syscall.Signal) error {
	if pgid <= 0 {
		return nil
	}
	if err := unix.Kill(-pgid, sig); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("kill(-%d, %s): %w", pgid, sig, err)
	}
	return nil
}

// Alive reports whether a process with the given pid exists.
func Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}
