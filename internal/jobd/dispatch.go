package jobd

import (
	"errors"
	"syscall"
	"time"

	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/protocol"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/runner"
)

// dispatch handles one controller message. It runs on the connection's
// reader, so anything long-running is moved to a goroutine.
func (j *Jobd) dispatch(msg protocol.Inbound) {
	if id := protocol.JobIDOf(msg); id != "" && id != j.job.ID {
		j.logger.Warn("ignoring message for another job", "command", string(msg.Command()), "other_job_id", id)
		return
	}

	switch m := msg.(type) {
	case protocol.RunScript:
		j.runScript(m)
	case protocol.RunStep:
		j.runStep(m)
	case protocol.JobCancelled:
		j.cancel()
	case protocol.JobDeallocated:
		j.deallocate()
	case protocol.Malformed:
		j.logger.Error("malformed message", "command", string(m.Command()), "error", m.Err)
		if reply, ok := m.Failure(); ok {
			j.sender.Enqueue(reply)
		}
	case protocol.Unknown:
		j.logger.Error("unrecognised command", "command", m.Cmd)
	default:
		j.logger.Warn("command not handled by jobd", "command", string(msg.Command()))
	}
}

func (j *Jobd) runScript(m protocol.RunScript) {
	logger := j.logger.With("array_job_id", m.ArrayJobID, "array_task_id", m.ArrayTaskID)

	script, err := job.NewBatchScript(m.Script, m.Arguments, m.StdoutPath, m.StderrPath)
	if err != nil {
		logger.Error("rejected batch script", "error", err)
		j.sender.Enqueue(protocol.ScriptFinished(m, false))
		return
	}

	b := runner.NewBatch(j.job, script, j.layout, j.registry, j.cfg.PollIntervalLong, j.logger)
	if err := b.Start(); err != nil {
		// The running script owns the job's outcome; reporting a failure
		// here would end a job that is still working.
		if errors.Is(err, registry.ErrDuplicateRunner) {
			logger.Warn("ignoring batch script while another is running")
			return
		}
		logger.Error("failed to run batch script", "error", err)
		j.sender.Enqueue(protocol.ScriptFinished(m, false))
		return
	}

	j.waiters.Add(1)
	go func() {
		defer j.waiters.Done()
		st, err := b.Wait(j.runCtx)
		if err != nil {
			logger.Warn("stopped waiting for batch script", "error", err)
			return
		}
		j.record(b.Kind(), b.ID(), b.StartedAt(), st)
		j.sender.Enqueue(protocol.ScriptFinished(m, st.Success()))
	}()
}

func (j *Jobd) runStep(m protocol.RunStep) {
	stepFailed := protocol.NewStepEvent(protocol.CommandRunStepFailed, m.JobID, m.StepID)
	logger := j.logger.With("step_id", m.StepID)

	step, err := job.NewStep(m.JobID, m.StepID, m.Path, m.Arguments, m.Environment, m.PTY)
	if err != nil {
		logger.Error("rejected step", "error", err)
		j.sender.Enqueue(stepFailed)
		return
	}

	s := runner.NewStep(j.job, step, j.layout, j.registry, j.cfg.PollIntervalShort, j.command, j.logger)
	if err := s.Start(); err != nil {
		if errors.Is(err, registry.ErrDeallocatedJob) || errors.Is(err, registry.ErrTimedOutJob) {
			logger.Warn("step refused", "reason", err.Error())
		} else {
			logger.Error("failed to start step", "error", err)
		}
		j.sender.Enqueue(stepFailed)
		return
	}

	j.waiters.Add(1)
	go func() {
		defer j.waiters.Done()
		st, err := s.Wait(j.runCtx)
		if err != nil {
			logger.Warn("stopped waiting for step", "error", err)
			return
		}
		j.record(s.Kind(), s.ID(), s.StartedAt(), st)
		// A stepd that exits 0 has already reported the outcome itself.
		if !st.Success() {
			j.sender.Enqueue(stepFailed)
		}
	}()
}

func (j *Jobd) cancel() {
	j.logger.Info("job cancelled")
	if err := j.registry.DeallocateJob(j.job.ID); err != nil && !errors.Is(err, registry.ErrUnknownJob) {
		j.logger.Warn("failed to deallocate job", "error", err)
		return
	}
	if n := j.registry.SignalRunners(j.job.ID, syscall.SIGTERM); n > 0 {
		j.logger.Info("terminating runners", "runners", n)
	}
}

func (j *Jobd) deallocate() {
	j.logger.Info("job deallocated")
	if err := j.registry.DeallocateJob(j.job.ID); err != nil && !errors.Is(err, registry.ErrUnknownJob) {
		j.logger.Warn("failed to deallocate job", "error", err)
	}
}

func (j *Jobd) record(kind, runnerID string, started time.Time, st runner.Status) {
	if j.history == nil {
		return
	}
	var signal string
	if st.Signal != 0 {
		signal = st.Signal.String()
	}
	run := history.NewRun(j.job.ID, runnerID, kind, started, time.Now(), st.ExitCode, signal)
	if err := j.history.SaveRun(run); err != nil {
		j.logger.Warn("failed to record run", "runner_id", runnerID, "error", err)
	}
}
