package runner

import (
	"sync"
	"syscall"
	"time"
)

// handle holds the process of a runner that is admitted to the registry
// before its child exists.
type handle struct {
	mu        sync.Mutex
	proc      *Process
	startedAt time.Time
	pending   syscall.Signal
}

// attach records the spawned process and returns a signal that arrived
// before it existed, if any.
func (h *handle) attach(proc *Process) syscall.Signal {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.proc = proc
	h.startedAt = time.Now()
	return h.pending
}

func (h *handle) process() *Process {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.proc
}

// StartedAt returns when the child was spawned.
func (h *handle) StartedAt() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.startedAt
}

// Pid returns the child's pid, or 0 before spawn and after reaping.
func (h *handle) Pid() int {
	if proc := h.process(); proc != nil {
		return proc.Pid()
	}
	return 0
}

// signal delivers sig to the child's process group, or holds it until the
// child is attached.
func (h *handle) signal(sig syscall.Signal) error {
	h.mu.Lock()
	proc := h.proc
	if proc == nil {
		h.pending = sig
	}
	h.mu.Unlock()
	if proc == nil {
		return nil
	}
	return proc.Signal(sig)
}
