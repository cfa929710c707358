// Package registry tracks the live jobs of one process and the runners
// working on their behalf. It is the only state shared between the tasks of
// a process and the sole authority on whether a job is still live.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/caevv/flightd/internal/job"
)

var (
	ErrUnknownJob      = errors.New("unknown job")
	ErrDuplicateJob    = errors.New("duplicate job")
	ErrDeallocatedJob  = errors.New("job has been deallocated")
	ErrTimedOutJob     = errors.New("job has timed out")
	ErrDuplicateRunner = errors.New("duplicate runner")
)

// Runner is a handle on one spawned child process working for a job.
type Runner interface {
	ID() string
	Kind() string
	Signal(sig syscall.Signal) error
}

// Reason explains why a drained job was released.
type Reason int

const (
	ReasonDeallocated Reason = iota
	ReasonExpired
)

func (r Reason) String() string {
	if r == ReasonExpired {
		return "expired"
	}
	return "deallocated"
}

// Notifier receives job lifecycle events. Calls are made without the
// registry lock held.
type Notifier interface {
	JobTimedOut(j *job.Job)
	JobReleased(j *job.Job, reason Reason)
}

// Persister stores the registry snapshot.
type Persister interface {
	Save(records []job.Record) error
}

type entry struct {
	job         *job.Job
	runners     map[string]Runner
	deallocated bool

	timedOut   bool
	timedOutAt time.Duration
	killed     bool
}

// Registry maps job ids to their job, runners and deallocation state.
type Registry struct {
	mu   sync.Mutex
	jobs map[string]*entry

	layout    job.Layout
	persister Persister
	notifier  Notifier
	clock     func() time.Duration
	escalate  bool
	logger    *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithPersister saves a snapshot whenever the set of jobs changes.
func WithPersister(p Persister) Option {
	return func(r *Registry) { r.persister = p }
}

// WithNotifier delivers time-out and release events.
func WithNotifier(n Notifier) Option {
	return func(r *Registry) { r.notifier = n }
}

// WithClock replaces the monotonic clock.
func WithClock(clock func() time.Duration) Option {
	return func(r *Registry) { r.clock = clock }
}

// WithoutEscalation disables TERM/KILL escalation on expiry. Expired jobs
// are still released once drained. Used by the agent, whose only runners
// are jobd processes that enforce the limit themselves.
func WithoutEscalation() Option {
	return func(r *Registry) { r.escalate = false }
}

// New creates an empty registry whose removed jobs have their spool state
// under layout deleted.
func New(layout job.Layout, logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		jobs:     make(map[string]*entry),
		layout:   layout,
		clock:    job.Now,
		escalate: true,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AddJob registers a new job and persists the snapshot.
func (r *Registry) AddJob(j *job.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[j.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, j.ID)
	}
	r.jobs[j.ID] = &entry{job: j, runners: make(map[string]Runner)}

	if err := r.persistLocked(); err != nil {
		delete(r.jobs, j.ID)
		return err
	}
	return nil
}

// Restore registers jobs loaded from a snapshot without persisting.
func (r *Registry) Restore(jobs []*job.Job) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, j := range jobs {
		if _, ok := r.jobs[j.ID]; !ok {
			r.jobs[j.ID] = &entry{job: j, runners: make(map[string]Runner)}
		}
	}
}

// LookupJob returns the job with the given id.
func (r *Registry) LookupJob(jobID string) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	return e.job, nil
}

// AddRunner admits a runner for a job. It is the single admission point:
// unknown, deallocated and expired jobs accept no new work.
func (r *Registry) AddRunner(jobID string, runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.jobs[jobID]
	switch {
	case !ok:
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	case e.deallocated:
		return fmt.Errorf("%w: %s", ErrDeallocatedJob, jobID)
	case e.timedOut || e.job.Expired(r.clock()):
		return fmt.Errorf("%w: %s", ErrTimedOutJob, jobID)
	}
	if _, dup := e.runners[runner.ID()]; dup {
		return fmt.Errorf("%w: %s/%s", ErrDuplicateRunner, jobID, runner.ID())
	}
	e.runners[runner.ID()] = runner
	return nil
}

// RemoveRunner forgets a runner whose process has been reaped. If that
// drains a deallocated or expired job, the job is released.
func (r *Registry) RemoveRunner(jobID, runnerID string) {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(e.runners, runnerID)
	released, reason := r.releaseIfDrainedLocked(e)
	r.mu.Unlock()

	if released {
		r.afterRelease(e.job, reason)
	}
}

// LookupRunners returns a copy of the job's runners, safe to iterate while
// the registry changes. It is empty for unknown jobs.
func (r *Registry) LookupRunners(jobID string) map[string]Runner {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[string]Runner)
	if e, ok := r.jobs[jobID]; ok {
		for id, runner := range e.runners {
			out[id] = runner
		}
	}
	return out
}

// DeallocateJob marks the job so it admits no more runners. A job with no
// runners is released immediately.
func (r *Registry) DeallocateJob(jobID string) error {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	e.deallocated = true
	released, reason := r.releaseIfDrainedLocked(e)
	r.mu.Unlock()

	if released {
		r.afterRelease(e.job, reason)
	}
	return nil
}

// IsDeallocated reports whether the job has been deallocated. Unknown jobs
// count as deallocated.
func (r *Registry) IsDeallocated(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.jobs[jobID]
	return !ok || e.deallocated
}

// Contains reports whether the job is still registered.
func (r *Registry) Contains(jobID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.jobs[jobID]
	return ok
}

// RemoveJob drops the job, deletes its spool state and persists the snapshot.
func (r *Registry) RemoveJob(jobID string) error {
	r.mu.Lock()
	e, ok := r.jobs[jobID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownJob, jobID)
	}
	delete(r.jobs, jobID)
	err := r.persistLocked()
	r.mu.Unlock()

	if rmErr := e.job.RemoveState(r.layout); rmErr != nil {
		r.logger.Warn("failed to remove job state", "job_id", jobID, "error", rmErr)
	}
	return err
}

// SignalRunners sends sig to every current runner of the job and returns
// how many were signalled.
func (r *Registry) SignalRunners(jobID string, sig syscall.Signal) int {
	runners := r.LookupRunners(jobID)
	for _, runner := range runners {
		r.signal(jobID, runner, sig)
	}
	return len(runners)
}

func (r *Registry) signal(jobID string, runner Runner, sig syscall.Signal) {
	r.logger.Debug("signalling runner", "job_id", jobID, "runner_id", runner.ID(), "signal", sig.String())
	if err := runner.Signal(sig); err != nil {
		r.logger.Warn("failed to signal runner", "job_id", jobID, "runner_id", runner.ID(), "error", err)
	}
}

// Len returns the number of registered jobs.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.jobs)
}

// JobStatus is a point-in-time view of one registry entry.
type JobStatus struct {
	Record      job.Record
	Deallocated bool
	TimedOut    bool
	Elapsed     time.Duration
	Runners     []RunnerStatus
}

// RunnerStatus describes one runner in a JobStatus.
type RunnerStatus struct {
	ID   string
	Kind string
}

// Snapshot returns the status of every job, ordered by id.
func (r *Registry) Snapshot() []JobStatus {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock()
	out := make([]JobStatus, 0, len(r.jobs))
	for _, e := range r.jobs {
		st := JobStatus{
			Record:      e.job.Record(),
			Deallocated: e.deallocated,
			TimedOut:    e.timedOut,
			Elapsed:     e.job.Elapsed(now),
		}
		for id, runner := range e.runners {
			st.Runners = append(st.Runners, RunnerStatus{ID: id, Kind: runner.Kind()})
		}
		sort.Slice(st.Runners, func(i, j int) bool { return st.Runners[i].ID < st.Runners[j].ID })
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Record.ID < out[j].Record.ID })
	return out
}

// releaseIfDrainedLocked removes a job once it has no runners and is
// deallocated or expired. The caller must hold r.mu and, when it returns
// true, call afterRelease once the lock is dropped.
func (r *Registry) releaseIfDrainedLocked(e *entry) (bool, Reason) {
	if len(e.runners) > 0 {
		return false, 0
	}

	var reason Reason
	switch {
	case e.deallocated:
		reason = ReasonDeallocated
	case e.timedOut || e.job.Expired(r.clock()):
		reason = ReasonExpired
	default:
		return false, 0
	}

	if current, ok := r.jobs[e.job.ID]; !ok || current != e {
		return false, 0
	}
	delete(r.jobs, e.job.ID)
	if err := r.persistLocked(); err != nil {
		r.logger.Error("failed to persist registry snapshot", "job_id", e.job.ID, "error", err)
	}
	return true, reason
}

func (r *Registry) afterRelease(j *job.Job, reason Reason) {
	if err := j.RemoveState(r.layout); err != nil {
		r.logger.Warn("failed to remove job state", "job_id", j.ID, "error", err)
	}
	r.logger.Info("job released", "job_id", j.ID, "reason", reason.String())
	if r.notifier != nil {
		r.notifier.JobReleased(j, reason)
	}
}

func (r *Registry) persistLocked() error {
	if r.persister == nil {
		return nil
	}
	ids := make([]string, 0, len(r.jobs))
	for id := range r.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	records := make([]job.Record, 0, len(ids))
	for _, id := range ids {
		records = append(records, r.jobs[id].job.Record())
	}
	if err := r.persister.Save(records); err != nil {
		return fmt.Errorf("failed to persist registry snapshot: %w", err)
	}
	return nil
}
