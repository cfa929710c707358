package runner

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/registry"
)

const poll = 10 * time.Millisecond

type fixture struct {
	layout job.Layout
	reg    *registry.Registry
	job    *job.Job
}

// newFixture registers a job owned by the user running the tests.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	current, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	if _, err := os.Stat(current.HomeDir); err != nil {
		t.Skipf("home directory %s unavailable: %v", current.HomeDir, err)
	}

	return newFixtureFor(t, current.Username)
}

func newFixtureFor(t *testing.T, username string) *fixture {
	t.Helper()
	f := &fixture{layout: job.Layout{StateDir: filepath.Join(t.TempDir(), "state")}}
	f.reg = registry.New(f.layout, logging.Discard())

	f.job = job.New("J1", username, json.RawMessage(`{"GREETING":"hello"}`), nil)
	require.NoError(t, f.job.Validate(job.SystemResolver{}))
	require.NoError(t, f.job.WriteEnvironment(f.layout))
	require.NoError(t, f.reg.AddJob(f.job))
	return f
}

func ctx(t *testing.T) context.Context {
	c, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	t.Cleanup(cancel)
	return c
}

func TestProcessExitStatus(t *testing.T) {
	proc, err := Start(exec.Command("/bin/sh", "-c", "exit 3"))
	require.NoError(t, err)

	st, err := proc.Wait(ctx(t), poll)
	require.NoError(t, err)
	assert.Equal(t, 3, st.ExitCode)
	assert.False(t, st.Success())
	assert.Zero(t, proc.Pid(), "pid must be cleared after reaping")
	assert.NoError(t, proc.Signal(syscall.SIGTERM), "signalling a reaped process is a no-op")

	select {
	case <-proc.Done():
	default:
		t.Error("Done() not closed after reaping")
	}
}

func TestProcessSignalGroup(t *testing.T) {
	cmd := exec.Command("/bin/sh", "-c", "sleep 30 & wait")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc, err := Start(cmd)
	require.NoError(t, err)

	_, done, err := proc.Poll()
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, proc.Signal(syscall.SIGTERM))
	st, err := proc.Wait(ctx(t), poll)
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGTERM, st.Signal)
	assert.Equal(t, 143, st.ExitCode)
}

func TestSignalGroupMissingIsNotAnError(t *testing.T) {
	cmd := exec.Command("/bin/true")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc, err := Start(cmd)
	require.NoError(t, err)
	pid := proc.Pid()
	_, err = proc.Wait(ctx(t), poll)
	require.NoError(t, err)

	assert.NoError(t, SignalGroup(pid, syscall.SIGTERM))
	assert.False(t, Alive(pid))
}

func TestBatchRunsAsOwnerWithCleanEnvironment(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "logs", "job.out")
	script := &job.BatchScript{
		Body:       "#!/bin/sh\nenv\necho \"args=$*\" >&2\necho \"cwd=$(pwd)\"\n",
		Arguments:  []string{"a", "b"},
		StdoutPath: out,
		StderrPath: out,
	}
	t.Setenv("FLIGHTD_LEAK_CHECK", "leaked")

	b := NewBatch(f.job, script, f.layout, f.reg, poll, logging.Discard())
	require.NoError(t, b.Start())
	assert.Contains(t, f.reg.LookupRunners("J1"), KindBatch)
	assert.False(t, b.StartedAt().IsZero())

	st, err := b.Wait(ctx(t))
	require.NoError(t, err)
	assert.True(t, st.Success())
	assert.Empty(t, f.reg.LookupRunners("J1"))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	output := string(data)
	account := f.job.Account()
	assert.Contains(t, output, "GREETING=hello")
	assert.Contains(t, output, "HOME="+account.HomeDir)
	assert.Contains(t, output, "USER="+account.Username)
	assert.Contains(t, output, "PATH="+job.DefaultPath)
	assert.Contains(t, output, "args=a b")
	assert.Contains(t, output, "cwd="+account.HomeDir)
	assert.NotContains(t, output, "FLIGHTD_LEAK_CHECK")

	_, err = os.Stat(f.layout.Script("J1"))
	assert.NoError(t, err, "job script must be written to the spool")
}

func TestBatchSeparateOutputs(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	script := &job.BatchScript{
		Body:       "#!/bin/sh\necho out\necho err >&2\nexit 4\n",
		Arguments:  []string{},
		StdoutPath: filepath.Join(dir, "out"),
		StderrPath: filepath.Join(dir, "err"),
	}

	b := NewBatch(f.job, script, f.layout, f.reg, poll, logging.Discard())
	require.NoError(t, b.Start())
	st, err := b.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, 4, st.ExitCode)

	stdout, _ := os.ReadFile(script.StdoutPath)
	stderr, _ := os.ReadFile(script.StderrPath)
	assert.Equal(t, "out\n", string(stdout))
	assert.Equal(t, "err\n", string(stderr))
}

func TestBatchOutputsOpenedAsOwner(t *testing.T) {
	if os.Geteuid() != 0 {
		t.Skip("requires root")
	}
	if _, err := user.Lookup("nobody"); err != nil {
		t.Skip("no nobody user")
	}
	f := newFixtureFor(t, "nobody")

	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o700))
	secret := filepath.Join(dir, "shadow")
	require.NoError(t, os.WriteFile(secret, []byte("root:secret"), 0o600))

	script := &job.BatchScript{
		Body:       "#!/bin/sh\necho pwned\n",
		Arguments:  []string{},
		StdoutPath: secret,
		StderrPath: secret,
	}
	b := NewBatch(f.job, script, f.layout, f.reg, poll, logging.Discard())
	if err := b.Start(); err == nil {
		st, err := b.Wait(ctx(t))
		require.NoError(t, err)
		assert.False(t, st.Success(), "owner cannot open a root-only output file")
	}

	data, err := os.ReadFile(secret)
	require.NoError(t, err)
	assert.Equal(t, "root:secret", string(data))
	info, err := os.Stat(secret)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), info.Sys().(*syscall.Stat_t).Uid)
}

func TestBatchCancel(t *testing.T) {
	f := newFixture(t)
	out := filepath.Join(t.TempDir(), "out")
	script := &job.BatchScript{Body: "#!/bin/sh\nsleep 30\n", Arguments: []string{}, StdoutPath: out, StderrPath: out}

	b := NewBatch(f.job, script, f.layout, f.reg, poll, logging.Discard())
	require.NoError(t, b.Start())

	assert.Equal(t, 1, f.reg.SignalRunners("J1", syscall.SIGTERM))
	st, err := b.Wait(ctx(t))
	require.NoError(t, err)
	assert.False(t, st.Success())
	assert.Equal(t, syscall.SIGTERM, st.Signal)
}

func TestBatchSpawnFailureIsSynchronous(t *testing.T) {
	f := newFixture(t)
	script := &job.BatchScript{
		Body:       "#!/bin/sh\nexit 0\n",
		Arguments:  []string{},
		StdoutPath: filepath.Join(t.TempDir(), "missing-parent", "\x00bad"),
		StderrPath: "err",
	}

	b := NewBatch(f.job, script, f.layout, f.reg, poll, logging.Discard())
	assert.Error(t, b.Start())
	assert.Empty(t, f.reg.LookupRunners("J1"), "failed spawn must not leave a runner")
}

func TestBatchRejectedAfterDeallocation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.AddRunner("J1", NewBatch(f.job, &job.BatchScript{}, f.layout, f.reg, poll, logging.Discard())))
	require.NoError(t, f.reg.DeallocateJob("J1"))

	step := &job.Step{JobID: "J1", ID: "0", Path: "/bin/true"}
	s := NewStep(f.job, step, f.layout, f.reg, poll, func(string) *exec.Cmd { return exec.Command("/bin/true") }, logging.Discard())
	assert.ErrorIs(t, s.Start(), registry.ErrDeallocatedJob)
}

func TestSignalBeforeSpawnIsDelivered(t *testing.T) {
	var h handle
	require.NoError(t, h.signal(syscall.SIGTERM))

	cmd := exec.Command("/bin/sh", "-c", "sleep 30")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	proc, err := Start(cmd)
	require.NoError(t, err)

	pending := h.attach(proc)
	assert.Equal(t, syscall.SIGTERM, pending)
	require.NoError(t, proc.Signal(pending))
	st, err := proc.Wait(ctx(t), poll)
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGTERM, st.Signal)
}

func TestStepRunnerHandsRequestToStepd(t *testing.T) {
	f := newFixture(t)
	copyTo := filepath.Join(t.TempDir(), "request.json")
	step := &job.Step{JobID: "J1", ID: "7", Path: "/bin/bash", Arguments: []string{"-l"}, PTY: true}

	command := func(path string) *exec.Cmd {
		return exec.Command("/bin/sh", "-c", `cp "$0" "$1"`, path, copyTo)
	}
	s := NewStep(f.job, step, f.layout, f.reg, poll, command, logging.Discard())
	require.NoError(t, s.Start())
	assert.Contains(t, f.reg.LookupRunners("J1"), "7")

	st, err := s.Wait(ctx(t))
	require.NoError(t, err)
	assert.True(t, st.Success())
	assert.Empty(t, f.reg.LookupRunners("J1"))

	var req job.StepRequest
	require.NoError(t, job.ReadRequestFile(copyTo, &req))
	assert.Equal(t, "J1", req.Job.ID)
	assert.Equal(t, *step, req.Step)

	_, err = os.Stat(f.layout.StepRequest("J1", "7"))
	assert.True(t, os.IsNotExist(err), "request file must be cleaned up")
}

func TestStepRunnerKillReachesCommandGroup(t *testing.T) {
	f := newFixture(t)
	step := &job.Step{JobID: "J1", ID: "1", Path: "/bin/sh"}

	// Stand-in for the user command, in a session of its own.
	child := exec.Command("/bin/sh", "-c", "sleep 30")
	child.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, child.Start())
	childDone := make(chan error, 1)
	go func() { childDone <- child.Wait() }()
	require.NoError(t, os.MkdirAll(f.layout.Dir("J1"), 0o755))
	require.NoError(t, os.WriteFile(f.layout.StepPID("J1", "1"), []byte(strconv.Itoa(child.Process.Pid)), 0o644))

	command := func(string) *exec.Cmd { return exec.Command("/bin/sh", "-c", "sleep 30") }
	s := NewStep(f.job, step, f.layout, f.reg, poll, command, logging.Discard())
	require.NoError(t, s.Start())

	require.NoError(t, s.Signal(syscall.SIGKILL))
	st, err := s.Wait(ctx(t))
	require.NoError(t, err)
	assert.Equal(t, syscall.SIGKILL, st.Signal)

	select {
	case <-childDone:
	case <-time.After(10 * time.Second):
		t.Fatal("step command survived KILL")
	}
}

func TestJobdRunnerLifecycle(t *testing.T) {
	f := newFixture(t)
	var gotReconnect bool
	var gotPath string
	command := func(path string, reconnect bool) *exec.Cmd {
		gotPath, gotReconnect = path, reconnect
		return exec.Command("/bin/sh", "-c", "sleep 30")
	}

	d := NewJobd(f.job, f.layout, f.reg, poll, command, logging.Discard())
	require.NoError(t, d.Start(true))
	assert.True(t, gotReconnect)
	assert.Equal(t, f.layout.JobdRequest("J1"), gotPath)

	var rec job.Record
	require.NoError(t, job.ReadRequestFile(gotPath, &rec))
	assert.Equal(t, f.job.Record(), rec)

	pid := ReadPIDFile(f.layout.JobdPID("J1"))
	assert.Equal(t, d.Pid(), pid)

	require.NoError(t, d.Signal(syscall.SIGTERM))
	_, err := d.Wait(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, f.reg.LookupRunners("J1"))
	_, err = os.Stat(f.layout.JobdPID("J1"))
	assert.True(t, os.IsNotExist(err))
}

func TestJobdAdopt(t *testing.T) {
	f := newFixture(t)
	d := NewJobd(f.job, f.layout, f.reg, poll, nil, logging.Discard())
	require.NoError(t, os.MkdirAll(f.layout.Dir("J1"), 0o755))

	assert.ErrorIs(t, d.Adopt(), ErrNotRunning)

	orphan := exec.Command("/bin/sh", "-c", "sleep 30")
	orphan.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	require.NoError(t, orphan.Start())
	// Reap it ourselves, as init would for a real orphan.
	go orphan.Wait()
	require.NoError(t, os.WriteFile(f.layout.JobdPID("J1"), []byte(strconv.Itoa(orphan.Process.Pid)+"\n"), 0o644))

	require.NoError(t, d.Adopt())
	assert.Contains(t, f.reg.LookupRunners("J1"), KindJobd)

	require.NoError(t, d.Signal(syscall.SIGTERM))
	_, err := d.Wait(ctx(t))
	require.NoError(t, err)
	assert.Empty(t, f.reg.LookupRunners("J1"))
}

func TestProcAttrRefusesOtherUserWithoutRoot(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("running as root")
	}
	_, err := ProcAttr(&job.Account{Username: "other", UID: uint32(os.Geteuid() + 1)})
	assert.ErrorIs(t, err, ErrPrivilege)

	attr, err := ProcAttr(&job.Account{Username: "me", UID: uint32(os.Geteuid())})
	require.NoError(t, err)
	assert.True(t, attr.Setsid)
	assert.Nil(t, attr.Credential)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "exit 0", Status{}.String())
	assert.True(t, strings.HasPrefix(Status{Signal: syscall.SIGKILL, ExitCode: 137}.String(), "signal "))
}
