package registry

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
)

type fakeRunner struct {
	id   string
	kind string

	mu      sync.Mutex
	signals []syscall.Signal
}

func newRunner(id string) *fakeRunner { return &fakeRunner{id: id, kind: "STEP"} }

func (f *fakeRunner) ID() string   { return f.id }
func (f *fakeRunner) Kind() string { return f.kind }

func (f *fakeRunner) Signal(sig syscall.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, sig)
	return nil
}

func (f *fakeRunner) count(sig syscall.Signal) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.signals {
		if s == sig {
			n++
		}
	}
	return n
}

type event struct {
	kind   string
	jobID  string
	reason Reason
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []event
}

func (n *fakeNotifier) JobTimedOut(j *job.Job) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{kind: "JOB_TIMED_OUT", jobID: j.ID})
}

func (n *fakeNotifier) JobReleased(j *job.Job, reason Reason) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event{kind: "RELEASED", jobID: j.ID, reason: reason})
}

func (n *fakeNotifier) list() []event {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]event(nil), n.events...)
}

type fakePersister struct {
	mu    sync.Mutex
	saves [][]job.Record
	err   error
}

func (p *fakePersister) Save(records []job.Record) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.saves = append(p.saves, records)
	return nil
}

func (p *fakePersister) last() []job.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.saves) == 0 {
		return nil
	}
	return p.saves[len(p.saves)-1]
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Duration
}

func (c *fakeClock) Now() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = d
}

type fixture struct {
	reg       *Registry
	layout    job.Layout
	notifier  *fakeNotifier
	persister *fakePersister
	clock     *fakeClock
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		layout:    job.Layout{StateDir: filepath.Join(t.TempDir(), "state")},
		notifier:  &fakeNotifier{},
		persister: &fakePersister{},
		clock:     &fakeClock{now: 1000 * time.Second},
	}
	opts = append([]Option{
		WithNotifier(f.notifier),
		WithPersister(f.persister),
		WithClock(f.clock.Now),
	}, opts...)
	f.reg = New(f.layout, logging.Discard(), opts...)
	return f
}

func (f *fixture) addJob(t *testing.T, id string, timeLimit *int64) *job.Job {
	t.Helper()
	j := job.New(id, "alice", json.RawMessage(`{}`), timeLimit)
	j.CreatedTime = f.clock.Now()
	require.NoError(t, f.reg.AddJob(j))
	require.NoError(t, os.MkdirAll(f.layout.Dir(id), 0o755))
	return j
}

func seconds(n int64) *int64 { return &n }

func TestAddJobRejectsDuplicates(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)

	err := f.reg.AddJob(job.New("J1", "alice", json.RawMessage(`{}`), nil))
	assert.ErrorIs(t, err, ErrDuplicateJob)
	assert.Len(t, f.persister.last(), 1)
}

func TestAddJobPersistFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	f.persister.err = errors.New("disk full")

	err := f.reg.AddJob(job.New("J1", "alice", json.RawMessage(`{}`), nil))
	assert.Error(t, err)
	assert.False(t, f.reg.Contains("J1"))
}

func TestAddRunnerPreconditions(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.reg.AddRunner("nope", newRunner("BATCH")), ErrUnknownJob)

	f.addJob(t, "J1", nil)
	require.NoError(t, f.reg.AddRunner("J1", newRunner("BATCH")))
	assert.ErrorIs(t, f.reg.AddRunner("J1", newRunner("BATCH")), ErrDuplicateRunner)

	require.NoError(t, f.reg.DeallocateJob("J1"))
	assert.ErrorIs(t, f.reg.AddRunner("J1", newRunner("1")), ErrDeallocatedJob)

	f.addJob(t, "J2", seconds(10))
	f.clock.Set(f.clock.Now() + 11*time.Second)
	assert.ErrorIs(t, f.reg.AddRunner("J2", newRunner("1")), ErrTimedOutJob)
}

func TestLookupRunnersReturnsCopy(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)
	require.NoError(t, f.reg.AddRunner("J1", newRunner("1")))

	snapshot := f.reg.LookupRunners("J1")
	require.NoError(t, f.reg.AddRunner("J1", newRunner("2")))
	delete(snapshot, "1")

	assert.Len(t, f.reg.LookupRunners("J1"), 2)
	assert.Empty(t, f.reg.LookupRunners("unknown"))
}

func TestRemoveJobDeletesState(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)

	require.NoError(t, f.reg.RemoveJob("J1"))
	_, err := os.Stat(f.layout.Dir("J1"))
	assert.True(t, os.IsNotExist(err))
	assert.Empty(t, f.persister.last())
	assert.ErrorIs(t, f.reg.RemoveJob("J1"), ErrUnknownJob)
}

func TestDeallocateWithoutRunnersReleasesImmediately(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)

	require.NoError(t, f.reg.DeallocateJob("J1"))

	assert.False(t, f.reg.Contains("J1"))
	assert.Equal(t, []event{{kind: "RELEASED", jobID: "J1", reason: ReasonDeallocated}}, f.notifier.list())
	assert.ErrorIs(t, f.reg.DeallocateJob("J1"), ErrUnknownJob)
}

func TestCancellationDrainsThenReleases(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)
	step := newRunner("0")
	require.NoError(t, f.reg.AddRunner("J1", step))

	require.NoError(t, f.reg.DeallocateJob("J1"))
	assert.Equal(t, 1, f.reg.SignalRunners("J1", syscall.SIGTERM))
	assert.Equal(t, 1, step.count(syscall.SIGTERM))

	assert.True(t, f.reg.Contains("J1"), "job must stay until its runners drain")
	assert.Empty(t, f.notifier.list())

	f.reg.RemoveRunner("J1", "0")

	assert.False(t, f.reg.Contains("J1"))
	assert.Equal(t, []event{{kind: "RELEASED", jobID: "J1", reason: ReasonDeallocated}}, f.notifier.list())
	_, err := os.Stat(f.layout.Dir("J1"))
	assert.True(t, os.IsNotExist(err), "job state must be removed from disk")
	assert.Empty(t, f.persister.last())
}

func TestTimeOutEscalation(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t, "J1", seconds(60))
	runner := newRunner("BATCH")
	require.NoError(t, f.reg.AddRunner("J1", runner))

	f.clock.Set(j.CreatedTime + 30*time.Second)
	f.reg.Sweep()
	assert.Zero(t, runner.count(syscall.SIGTERM))

	f.clock.Set(j.CreatedTime + 61*time.Second)
	f.reg.Sweep()
	f.reg.Sweep()
	assert.Equal(t, 1, runner.count(syscall.SIGTERM))
	assert.Equal(t, []event{{kind: "JOB_TIMED_OUT", jobID: "J1"}}, f.notifier.list())
	assert.Zero(t, runner.count(syscall.SIGKILL))

	f.clock.Set(j.CreatedTime + 61*time.Second + KillGracePeriod - time.Second)
	f.reg.Sweep()
	assert.Zero(t, runner.count(syscall.SIGKILL))

	f.clock.Set(j.CreatedTime + 61*time.Second + KillGracePeriod)
	f.reg.Sweep()
	f.reg.Sweep()
	assert.Equal(t, 1, runner.count(syscall.SIGKILL))
	assert.Equal(t, 1, runner.count(syscall.SIGTERM))

	f.reg.RemoveRunner("J1", "BATCH")
	assert.False(t, f.reg.Contains("J1"))
	assert.Equal(t, event{kind: "RELEASED", jobID: "J1", reason: ReasonExpired}, f.notifier.list()[1])
}

func TestTimeOutRunnerExitsBeforeKill(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t, "J1", seconds(5))
	runner := newRunner("BATCH")
	require.NoError(t, f.reg.AddRunner("J1", runner))

	f.clock.Set(j.CreatedTime + 6*time.Second)
	f.reg.Sweep()
	assert.Equal(t, 1, runner.count(syscall.SIGTERM))

	f.reg.RemoveRunner("J1", "BATCH")
	assert.False(t, f.reg.Contains("J1"))

	f.clock.Set(j.CreatedTime + 6*time.Second + KillGracePeriod)
	f.reg.Sweep()
	assert.Zero(t, runner.count(syscall.SIGKILL))
	assert.Len(t, f.notifier.list(), 2)
}

func TestSweepReleasesExpiredJobWithoutRunners(t *testing.T) {
	f := newFixture(t)
	j := f.addJob(t, "J1", seconds(5))

	f.clock.Set(j.CreatedTime + 10*time.Second)
	f.reg.Sweep()

	assert.False(t, f.reg.Contains("J1"))
	assert.Equal(t, []event{{kind: "RELEASED", jobID: "J1", reason: ReasonExpired}}, f.notifier.list())
}

func TestSweepLeavesActiveJobsAlone(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)
	f.addJob(t, "J2", seconds(3600))

	f.clock.Set(f.clock.Now() + time.Hour - time.Second)
	f.reg.Sweep()

	assert.Equal(t, 2, f.reg.Len())
	assert.Empty(t, f.notifier.list())
}

func TestWithoutEscalationNeverSignals(t *testing.T) {
	f := newFixture(t, WithoutEscalation())
	j := f.addJob(t, "J1", seconds(5))
	runner := newRunner("JOBD")
	require.NoError(t, f.reg.AddRunner("J1", runner))

	f.clock.Set(j.CreatedTime + 10*time.Second + KillGracePeriod)
	f.reg.Sweep()
	f.reg.Sweep()

	assert.Empty(t, runner.signals)
	assert.Empty(t, f.notifier.list())

	f.reg.RemoveRunner("J1", "JOBD")
	assert.Equal(t, []event{{kind: "RELEASED", jobID: "J1", reason: ReasonExpired}}, f.notifier.list())
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J2", nil)
	f.addJob(t, "J1", seconds(60))
	require.NoError(t, f.reg.AddRunner("J1", newRunner("BATCH")))
	require.NoError(t, f.reg.AddRunner("J1", newRunner("0")))

	snap := f.reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "J1", snap[0].Record.ID)
	assert.Equal(t, []RunnerStatus{{ID: "0", Kind: "STEP"}, {ID: "BATCH", Kind: "STEP"}}, snap[0].Runners)
	assert.Empty(t, snap[1].Runners)
}

func TestConcurrentAdmissionAndCancel(t *testing.T) {
	f := newFixture(t)
	f.addJob(t, "J1", nil)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			r := newRunner(string(rune('A' + i)))
			if err := f.reg.AddRunner("J1", r); err == nil {
				f.reg.RemoveRunner("J1", r.ID())
			} else {
				assert.True(t, errors.Is(err, ErrDeallocatedJob) || errors.Is(err, ErrUnknownJob), "unexpected error %v", err)
			}
		}(i)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = f.reg.DeallocateJob("J1")
		f.reg.SignalRunners("J1", syscall.SIGTERM)
	}()
	wg.Wait()

	f.reg.Sweep()
	assert.False(t, f.reg.Contains("J1"))
	released := 0
	for _, e := range f.notifier.list() {
		if e.kind == "RELEASED" {
			released++
		}
	}
	assert.Equal(t, 1, released)
}
