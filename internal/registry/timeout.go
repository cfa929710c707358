package registry

import (
	"runtime"
	"syscall"
	"time"

	"github.com/caevv/flightd/internal/job"
)

// KillGracePeriod is the fixed window between the TERM sent to the runners
// of an expired job and the KILL that follows if they are still present.
const KillGracePeriod = 90 * time.Second

type escalation struct {
	job     *job.Job
	runners []Runner
	sig     syscall.Signal
	first   bool
}

type release struct {
	job    *job.Job
	reason Reason
}

// Sweep runs one pass of the time-out state machine over every job:
//
//	ACTIVE    -> expired: TERM every runner, notify JobTimedOut
//	TIMED_OUT -> KillGracePeriod later with runners left: KILL every runner
//	drained   -> expired or deallocated with no runners: release
//
// It is called on a fixed cadence by the owning process.
func (r *Registry) Sweep() {
	now := r.clock()

	var (
		escalations []escalation
		releases    []release
	)

	r.mu.Lock()
	for _, e := range r.jobs {
		if len(e.runners) == 0 {
			if ok, reason := r.releaseIfDrainedLocked(e); ok {
				releases = append(releases, release{job: e.job, reason: reason})
			}
			continue
		}
		if !r.escalate {
			continue
		}

		switch {
		case !e.timedOut && e.job.Expired(now):
			e.timedOut = true
			e.timedOutAt = now
			escalations = append(escalations, escalation{job: e.job, runners: runnerList(e), sig: syscall.SIGTERM, first: true})
		case e.timedOut && !e.killed && now-e.timedOutAt >= KillGracePeriod:
			e.killed = true
			escalations = append(escalations, escalation{job: e.job, runners: runnerList(e), sig: syscall.SIGKILL})
		}
	}
	r.mu.Unlock()

	yield := false
	for _, esc := range escalations {
		if esc.first {
			r.logger.Info("job timed out", "job_id", esc.job.ID, "runners", len(esc.runners))
		} else {
			r.logger.Warn("runners outlived time-out grace period", "job_id", esc.job.ID, "runners", len(esc.runners))
		}
		for _, runner := range esc.runners {
			r.signal(esc.job.ID, runner, esc.sig)
		}
		if esc.first {
			yield = true
			if r.notifier != nil {
				r.notifier.JobTimedOut(esc.job)
			}
		}
	}
	if yield {
		// Give runners that exit promptly on TERM a chance to be reaped.
		runtime.Gosched()
	}

	for _, rel := range releases {
		r.afterRelease(rel.job, rel.reason)
	}
}

func runnerList(e *entry) []Runner {
	out := make([]Runner, 0, len(e.runners))
	for _, runner := range e.runners {
		out = append(out, runner)
	}
	return out
}
