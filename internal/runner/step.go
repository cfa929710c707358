package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/caevv/flightd/internal/job"
)

// StepCommandFunc builds the stepd command for the request file at path.
type StepCommandFunc func(requestPath string) *exec.Cmd

// Step runs an interactive step through a stepd process. The stepd process
// is the tracked child; the user's command is its grandchild in a session of
// its own, whose pid stepd publishes in the job's spool directory.
type Step struct {
	handle

	job      *job.Job
	step     *job.Step
	layout   job.Layout
	registry Registry
	interval time.Duration
	command  StepCommandFunc
	logger   *slog.Logger
}

// NewStep prepares a step runner.
func NewStep(j *job.Job, step *job.Step, layout job.Layout, reg Registry, interval time.Duration, command StepCommandFunc, logger *slog.Logger) *Step {
	return &Step{
		job:      j,
		step:     step,
		layout:   layout,
		registry: reg,
		interval: interval,
		command:  command,
		logger:   logger.With("job_id", j.ID, "step_id", step.ID),
	}
}

func (s *Step) ID() string   { return s.step.ID }
func (s *Step) Kind() string { return KindStep }

// Start admits the step and spawns its stepd process.
func (s *Step) Start() error {
	if err := s.registry.AddRunner(s.job.ID, s); err != nil {
		return err
	}
	proc, err := s.spawn()
	if err != nil {
		s.registry.RemoveRunner(s.job.ID, s.ID())
		return err
	}

	pending := s.attach(proc)
	s.logger.Info("stepd started", "pid", proc.Pid(), "pty", s.step.PTY)
	if pending != 0 {
		if err := s.Signal(pending); err != nil {
			s.logger.Warn("failed to deliver pending signal", "signal", pending.String(), "error", err)
		}
	}
	return nil
}

func (s *Step) spawn() (*Process, error) {
	if err := os.MkdirAll(s.layout.Dir(s.job.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create job dir: %w", err)
	}
	path := s.layout.StepRequest(s.job.ID, s.step.ID)
	req := job.StepRequest{Job: s.job.Record(), Step: *s.step}
	if err := job.WriteRequestFile(path, req); err != nil {
		return nil, err
	}

	cmd := s.command(path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	proc, err := Start(cmd)
	if err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to start stepd: %w", err)
	}
	return proc, nil
}

// Wait blocks until stepd exits, then removes the runner from the registry.
func (s *Step) Wait(ctx context.Context) (Status, error) {
	proc := s.process()
	if proc == nil {
		return Status{}, fmt.Errorf("step runner %s not started", s.step.Name())
	}

	st, err := proc.Wait(ctx, s.interval)
	if err != nil {
		return Status{}, err
	}
	os.Remove(s.layout.StepRequest(s.job.ID, s.step.ID))
	os.Remove(s.layout.StepPID(s.job.ID, s.step.ID))
	s.registry.RemoveRunner(s.job.ID, s.ID())
	s.logger.Info("stepd finished", "status", st.String())
	return st, nil
}

// Signal signals stepd, which forwards catchable signals to the user
// command. KILL cannot be forwarded, so it also goes straight to the
// command's process group.
func (s *Step) Signal(sig syscall.Signal) error {
	if sig == syscall.SIGKILL {
		if pid := s.childPid(); pid > 0 && s.Pid() != 0 {
			if err := SignalGroup(pid, sig); err != nil {
				s.logger.Warn("failed to kill step command", "pid", pid, "error", err)
			}
		}
	}
	return s.signal(sig)
}

func (s *Step) childPid() int {
	return ReadPIDFile(s.layout.StepPID(s.job.ID, s.step.ID))
}
