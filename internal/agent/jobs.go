package agent

import (
	"errors"
	"time"

	"github.com/caevv/flightd/internal/hooks"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/protocol"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/runner"
)

// dispatch handles one message from the controller. Allocation runs
// inline so that a JOB_DEALLOCATED following it is always seen after the
// job is registered.
func (a *Agent) dispatch(msg protocol.Inbound) {
	switch m := msg.(type) {
	case protocol.JobAllocated:
		a.allocate(m)
	case protocol.JobDeallocated:
		a.deallocate(m.JobID)
	case protocol.Malformed:
		a.logger.Error("malformed message", "command", string(m.Command()), "job_id", protocol.JobIDOf(m), "error", m.Err)
		if m.Command() != protocol.CommandJobAllocated {
			return
		}
		if reply, ok := m.Failure(); ok {
			a.sender.Enqueue(reply)
		}
	case protocol.Unknown:
		a.logger.Error("unrecognised command", "command", m.Cmd)
	default:
		a.logger.Warn("command not handled by the agent", "command", string(msg.Command()), "job_id", protocol.JobIDOf(msg))
	}
}

func (a *Agent) allocate(m protocol.JobAllocated) {
	logger := a.logger.With("job_id", m.JobID, "username", m.Username)
	failed := func(reason string, err error) {
		logger.Error("job allocation failed", "reason", reason, "error", err)
		a.sender.Enqueue(protocol.NewJobEvent(protocol.CommandJobAllocationFailed, m.JobID))
	}

	j := job.New(m.JobID, m.Username, m.Environment, m.TimeLimit)
	if err := j.Validate(a.resolver); err != nil {
		failed("invalid job", err)
		return
	}
	if a.registry.Contains(j.ID) {
		failed("duplicate job", registry.ErrDuplicateJob)
		return
	}
	if err := a.hooks.Run(a.runCtx, hooks.Prolog, j.ID, j.Username); err != nil {
		failed("prolog failed", err)
		return
	}
	if err := j.WriteEnvironment(a.layout); err != nil {
		failed("cannot write environment", err)
		return
	}
	if err := a.registry.AddJob(j); err != nil {
		j.RemoveState(a.layout)
		failed("cannot register job", err)
		return
	}

	r := runner.NewJobd(j, a.layout, a.registry, a.cfg.PollIntervalLong, a.jobdCmd, a.logger)
	if err := r.Start(false); err != nil {
		if rmErr := a.registry.RemoveJob(j.ID); rmErr != nil {
			logger.Warn("failed to remove job", "error", rmErr)
		}
		failed("cannot start jobd", err)
		return
	}
	logger.Info("job allocated")
	a.watch(j, r)
}

// deallocate marks the job so it is released, and reported, once its jobd
// has exited. Unknown jobs are acknowledged at once.
func (a *Agent) deallocate(jobID string) {
	a.mu.Lock()
	a.notify[jobID] = true
	a.mu.Unlock()

	err := a.registry.DeallocateJob(jobID)
	if errors.Is(err, registry.ErrUnknownJob) {
		a.mu.Lock()
		delete(a.notify, jobID)
		a.mu.Unlock()
		a.logger.Info("deallocated unknown job", "job_id", jobID)
		a.sender.Enqueue(protocol.NewJobEvent(protocol.CommandNodeDeallocated, jobID))
		return
	}
	if err != nil {
		a.logger.Warn("failed to deallocate job", "job_id", jobID, "error", err)
	}
}

// watch waits for the job's jobd in the background. Once it exits the job
// is released; a jobd that failed leaves the report to the agent.
func (a *Agent) watch(j *job.Job, r *runner.Jobd) {
	a.waiters.Add(1)
	go func() {
		defer a.waiters.Done()
		st, err := r.Wait(a.runCtx)
		if err != nil {
			return
		}
		a.record(j.ID, r, st)

		if !st.Success() && a.registry.Contains(j.ID) {
			a.logger.Warn("jobd failed", "job_id", j.ID, "status", st.String())
			a.mu.Lock()
			a.notify[j.ID] = true
			a.mu.Unlock()
		}
		// No-op when the release already happened on runner removal.
		if err := a.registry.DeallocateJob(j.ID); err != nil && !errors.Is(err, registry.ErrUnknownJob) {
			a.logger.Warn("failed to release job", "job_id", j.ID, "error", err)
		}
	}()
}

func (a *Agent) record(jobID string, r *runner.Jobd, st runner.Status) {
	if a.history == nil {
		return
	}
	started := r.StartedAt()
	if started.IsZero() {
		started = time.Now()
	}
	var signal string
	if st.Signal != 0 {
		signal = st.Signal.String()
	}
	if err := a.history.SaveRun(history.NewRun(jobID, r.ID(), r.Kind(), started, time.Now(), st.ExitCode, signal)); err != nil {
		a.logger.Warn("failed to record jobd run", "job_id", jobID, "error", err)
	}
}

// recover restores the registry from the snapshot and reattaches every
// job to a jobd: the one still running from before the restart, or a new
// one that reconnects to the controller.
func (a *Agent) recover() {
	records, found, err := a.snapshot.Load()
	if err != nil {
		a.logger.Error("failed to load job snapshot, starting with no jobs", "path", a.snapshot.Path(), "error", err)
		return
	}
	if !found {
		return
	}

	jobs := make([]*job.Job, 0, len(records))
	for _, rec := range records {
		j := job.FromRecord(rec)
		if err := j.Resolve(a.resolver); err != nil {
			a.logger.Error("dropping restored job with unknown owner", "job_id", rec.ID, "error", err)
			j.RemoveState(a.layout)
			continue
		}
		jobs = append(jobs, j)
	}
	a.registry.Restore(jobs)
	a.logger.Info("restored jobs from snapshot", "jobs", len(jobs))

	for _, j := range jobs {
		r := runner.NewJobd(j, a.layout, a.registry, a.cfg.PollIntervalLong, a.jobdCmd, a.logger)
		err := r.Adopt()
		if errors.Is(err, runner.ErrNotRunning) {
			err = r.Start(true)
		}
		if err != nil {
			a.logger.Error("cannot supervise restored job", "job_id", j.ID, "error", err)
			a.mu.Lock()
			a.notify[j.ID] = true
			a.mu.Unlock()
			if err := a.registry.DeallocateJob(j.ID); err != nil {
				a.logger.Warn("failed to release job", "job_id", j.ID, "error", err)
			}
			continue
		}
		a.watch(j, r)
	}
}

// JobTimedOut implements registry.Notifier. Time limits are enforced by
// each jobd; the agent registry only tracks expiry.
func (a *Agent) JobTimedOut(*job.Job) {}

// JobReleased implements registry.Notifier. It may be called from the
// controller reader, so the epilog and the report that follows it run in
// the background.
func (a *Agent) JobReleased(j *job.Job, reason registry.Reason) {
	a.mu.Lock()
	report := a.notify[j.ID]
	delete(a.notify, j.ID)
	a.mu.Unlock()

	a.waiters.Add(1)
	go func() {
		defer a.waiters.Done()
		if err := a.hooks.Run(a.runCtx, hooks.Epilog, j.ID, j.Username); err != nil {
			a.logger.Error("epilog failed", "job_id", j.ID, "error", err)
		}
		a.logger.Info("job finished on node", "job_id", j.ID, "reason", reason.String())
		if report {
			a.sender.Enqueue(protocol.NewJobEvent(protocol.CommandNodeDeallocated, j.ID))
		}
	}()
}
