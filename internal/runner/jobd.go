package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/caevv/flightd/internal/job"
)

// JobdCommandFunc builds the jobd command for the job record file at path.
type JobdCommandFunc func(requestPath string, reconnect bool) *exec.Cmd

// Jobd runs the per-job supervisor process for one job. It is either
// spawned by this agent or adopted from a previous agent instance.
type Jobd struct {
	handle

	job      *job.Job
	layout   job.Layout
	registry Registry
	interval time.Duration
	command  JobdCommandFunc
	logger   *slog.Logger

	adoptMu sync.Mutex
	adopted int
}

// NewJobd prepares a jobd runner.
func NewJobd(j *job.Job, layout job.Layout, reg Registry, interval time.Duration, command JobdCommandFunc, logger *slog.Logger) *Jobd {
	return &Jobd{
		job:      j,
		layout:   layout,
		registry: reg,
		interval: interval,
		command:  command,
		logger:   logger.With("job_id", j.ID, "runner_id", KindJobd),
	}
}

func (d *Jobd) ID() string   { return KindJobd }
func (d *Jobd) Kind() string { return KindJobd }

// Start admits the runner and spawns jobd. reconnect tells jobd that the
// controller may already know this job.
func (d *Jobd) Start(reconnect bool) error {
	if err := d.registry.AddRunner(d.job.ID, d); err != nil {
		return err
	}
	proc, err := d.spawn(reconnect)
	if err != nil {
		d.registry.RemoveRunner(d.job.ID, d.ID())
		return err
	}

	pending := d.attach(proc)
	if err := os.WriteFile(d.layout.JobdPID(d.job.ID), []byte(strconv.Itoa(proc.Pid())+"\n"), 0o644); err != nil {
		d.logger.Warn("failed to write jobd pid file", "error", err)
	}
	d.logger.Info("jobd started", "pid", proc.Pid(), "reconnect", reconnect)
	if pending != 0 {
		if err := proc.Signal(pending); err != nil {
			d.logger.Warn("failed to deliver pending signal", "signal", pending.String(), "error", err)
		}
	}
	return nil
}

func (d *Jobd) spawn(reconnect bool) (*Process, error) {
	if err := os.MkdirAll(d.layout.Dir(d.job.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}
	path := d.layout.JobdRequest(d.job.ID)
	if err := job.WriteRequestFile(path, d.job.Record()); err != nil {
		return nil, err
	}

	cmd := d.command(path, reconnect)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	proc, err := Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start jobd: %w", err)
	}
	return proc, nil
}

// ErrNotRunning is returned by Adopt when the recorded jobd has exited.
var ErrNotRunning = errors.New("jobd is not running")

// Adopt registers a jobd left running by a previous agent instance, found
// through its pid file.
func (d *Jobd) Adopt() error {
	pid := ReadPIDFile(d.layout.JobdPID(d.job.ID))
	if !Alive(pid) {
		return ErrNotRunning
	}
	if err := d.registry.AddRunner(d.job.ID, d); err != nil {
		return err
	}
	d.adoptMu.Lock()
	d.adopted = pid
	d.adoptMu.Unlock()
	d.logger.Info("adopted running jobd", "pid", pid)
	return nil
}

// Wait blocks until jobd exits, then removes the runner from the registry.
func (d *Jobd) Wait(ctx context.Context) (Status, error) {
	var (
		st  Status
		err error
	)
	if pid := d.adoptedPid(); pid != 0 {
		err = d.waitAdopted(ctx, pid)
	} else if proc := d.process(); proc != nil {
		st, err = proc.Wait(ctx, d.interval)
	} else {
		return Status{}, fmt.Errorf("jobd runner for %s not started", d.job.ID)
	}
	if err != nil {
		return Status{}, err
	}

	os.Remove(d.layout.JobdPID(d.job.ID))
	d.registry.RemoveRunner(d.job.ID, d.ID())
	d.logger.Info("jobd exited", "status", st.String())
	return st, nil
}

// waitAdopted polls for the exit of a jobd that is not our child. Its exit
// status is collected by init, so only its disappearance is observable.
func (d *Jobd) waitAdopted(ctx context.Context, pid int) error {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for Alive(pid) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	d.adoptMu.Lock()
	d.adopted = 0
	d.adoptMu.Unlock()
	return nil
}

func (d *Jobd) adoptedPid() int {
	d.adoptMu.Lock()
	defer d.adoptMu.Unlock()
	return d.adopted
}

// Signal sends sig to jobd's process group.
func (d *Jobd) Signal(sig syscall.Signal) error {
	d.adoptMu.Lock()
	defer d.adoptMu.Unlock()
	if d.adopted != 0 {
		return SignalGroup(d.adopted, sig)
	}
	return d.signal(sig)
}

// ReadPIDFile returns the pid recorded at path, or 0.
func ReadPIDFile(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	return pid
}
