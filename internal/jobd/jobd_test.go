package jobd

import (
	"context"
	"encoding/json"
	"maps"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/runner"
	"github.com/caevv/flightd/internal/transport/transporttest"
)

const wait = 10 * time.Second

type harness struct {
	ctrl    *transporttest.Controller
	jobd    *Jobd
	history history.Store
	signals chan os.Signal
	result  chan int
}

// start runs a jobd for a job "J1" owned by the user running the tests.
// The step command is replaced by stepCmd, run through /bin/sh.
func start(t *testing.T, timeLimit *int64, stepCmd string) *harness {
	t.Helper()
	current, err := user.Current()
	if err != nil {
		t.Skipf("cannot determine current user: %v", err)
	}
	if _, err := os.Stat(current.HomeDir); err != nil {
		t.Skipf("home directory %s unavailable: %v", current.HomeDir, err)
	}

	h := &harness{
		ctrl:    transporttest.NewController(t),
		signals: make(chan os.Signal, 1),
		result:  make(chan int, 1),
	}
	dir := t.TempDir()
	cfg := &config.Config{
		ControllerURL:      h.ctrl.URL(),
		NodeName:           "node01",
		SpoolDir:           dir,
		MaxConnectionSleep: time.Second,
		PollIntervalShort:  20 * time.Millisecond,
		PollIntervalLong:   100 * time.Millisecond,
	}

	h.history, err = history.NewStore("bbolt", filepath.Join(dir, "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { h.history.Close() })

	j := job.New("J1", current.Username, json.RawMessage(`{}`), timeLimit)
	require.NoError(t, j.Validate(job.SystemResolver{}))
	require.NoError(t, j.WriteEnvironment(job.Layout{StateDir: cfg.StateDir()}))

	h.jobd, err = New(Options{
		Config:  cfg,
		Job:     j,
		Tokens:  auth.Basic{NodeName: "node01"},
		History: h.history,
		StepCommand: func(string) *exec.Cmd {
			return exec.Command("/bin/sh", "-c", stepCmd)
		},
		Logger: logging.Discard(),
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		code, err := h.jobd.Run(ctx, h.signals)
		assert.NoError(t, err)
		h.result <- code
	}()

	hello := h.ctrl.Expect("JOBD_CONNECTED", wait)
	assert.Equal(t, "J1", hello.String("job_id"))
	assert.Equal(t, false, hello.Data["reconnect"])
	return h
}

func (h *harness) exitCode(t *testing.T) int {
	t.Helper()
	select {
	case code := <-h.result:
		return code
	case <-time.After(wait):
		t.Fatal("jobd did not exit")
		return -1
	}
}

func (h *harness) runners() map[string]registry.Runner {
	return h.jobd.Registry().LookupRunners("J1")
}

// runScript sends a RUN_SCRIPT for J1 whose output goes to a temporary
// file. extra fields are added to the message.
func (h *harness) runScript(t *testing.T, body string, extra map[string]any) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "job.out")
	msg := map[string]any{
		"command":     "RUN_SCRIPT",
		"job_id":      "J1",
		"script":      body,
		"arguments":   []string{},
		"stdout_path": out,
		"stderr_path": out,
	}
	maps.Copy(msg, extra)
	h.ctrl.Send(msg)
}

// collect gathers commands until last arrives, in arrival order.
func (h *harness) collect(t *testing.T, last string) []string {
	t.Helper()
	var seen []string
	for {
		f := h.ctrl.Next(wait)
		seen = append(seen, f.Command())
		if f.Command() == last {
			return seen
		}
	}
}

func TestBatchScriptCompletesAndJobIsDeallocated(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.runScript(t, "#!/bin/sh\nsleep 1\nexit 0\n", nil)
	require.Eventually(t, func() bool {
		_, ok := h.runners()[runner.KindBatch]
		return ok
	}, wait, 10*time.Millisecond, "batch runner never registered")

	done := h.ctrl.Expect("NODE_COMPLETED_JOB", wait)
	assert.Equal(t, "J1", done.String("job_id"))
	assert.Empty(t, h.runners())

	h.ctrl.Send(map[string]any{"command": "JOB_DEALLOCATED", "job_id": "J1"})
	h.ctrl.Expect("NODE_DEALLOCATED", wait)
	assert.Equal(t, 0, h.exitCode(t))
	assert.False(t, h.jobd.Registry().Contains("J1"))

	runs, err := h.history.GetJobRuns("J1", 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, runner.KindBatch, runs[0].Kind)
	assert.True(t, runs[0].Success)
}

func TestFailedBatchScriptReportsFailure(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.runScript(t, "#!/bin/sh\nexit 2\n", nil)
	h.ctrl.Expect("NODE_FAILED_JOB", wait)
}

func TestArrayTaskOutcome(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.runScript(t, "#!/bin/sh\nexit 0\n", map[string]any{"array_job_id": "A1", "array_task_id": "7"})
	f := h.ctrl.Expect("NODE_COMPLETED_ARRAY_TASK", wait)
	assert.Equal(t, "A1", f.String("array_job_id"))
	assert.Equal(t, "7", f.String("array_task_id"))
}

func TestInvalidScriptIsReportedAsFailed(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.ctrl.Send(map[string]any{"command": "RUN_SCRIPT", "job_id": "J1", "script": ""})
	h.ctrl.Expect("NODE_FAILED_JOB", wait)
}

func TestMalformedRequestsAreAnswered(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.ctrl.Send(map[string]any{"command": "RUN_SCRIPT", "job_id": "J1", "script": 42})
	f := h.ctrl.Expect("NODE_FAILED_JOB", wait)
	assert.Equal(t, "J1", f.String("job_id"))

	h.ctrl.Send(map[string]any{"command": "RUN_SCRIPT", "job_id": "J1", "script": 42, "array_job_id": "A1", "array_task_id": "2"})
	f = h.ctrl.Expect("NODE_FAILED_ARRAY_TASK", wait)
	assert.Equal(t, "2", f.String("array_task_id"))

	h.ctrl.Send(map[string]any{"command": "RUN_STEP", "job_id": "J1", "step_id": "3", "path": "/bin/true", "pty": "yes"})
	f = h.ctrl.Expect("RUN_STEP_FAILED", wait)
	assert.Equal(t, "3", f.String("step_id"))

	assert.Empty(t, h.runners())
	assert.False(t, h.jobd.Registry().IsDeallocated("J1"))
}

func TestSecondBatchScriptLeavesRunningScriptAlone(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.runScript(t, "#!/bin/sh\nsleep 1\nexit 0\n", nil)
	require.Eventually(t, func() bool {
		_, ok := h.runners()[runner.KindBatch]
		return ok
	}, wait, 10*time.Millisecond)

	h.runScript(t, "#!/bin/sh\nexit 3\n", nil)
	seen := h.collect(t, "NODE_COMPLETED_JOB")
	assert.NotContains(t, seen, "NODE_FAILED_JOB", "the first script's outcome is the job's outcome")
}

func TestCancellationTerminatesStepAndReleasesJob(t *testing.T) {
	h := start(t, nil, "exec sleep 30")

	h.ctrl.Send(map[string]any{
		"command":   "RUN_STEP",
		"job_id":    "J1",
		"step_id":   "0",
		"path":      "/bin/true",
		"arguments": []string{},
		"pty":       false,
	})
	require.Eventually(t, func() bool {
		_, ok := h.runners()["0"]
		return ok
	}, wait, 10*time.Millisecond, "step runner never registered")

	h.ctrl.Send(map[string]any{"command": "JOB_CANCELLED", "job_id": "J1"})

	failed := h.ctrl.Expect("RUN_STEP_FAILED", wait)
	assert.Equal(t, "0", failed.String("step_id"))
	h.ctrl.Expect("NODE_DEALLOCATED", wait)
	assert.Equal(t, 0, h.exitCode(t))
	assert.NoDirExists(t, job.Layout{StateDir: h.jobd.cfg.StateDir()}.Dir("J1"))
}

func TestStepRefusedAfterDeallocation(t *testing.T) {
	h := start(t, nil, "exec sleep 30")

	h.runScript(t, "#!/bin/sh\nsleep 30\n", nil)
	require.Eventually(t, func() bool {
		_, ok := h.runners()[runner.KindBatch]
		return ok
	}, wait, 10*time.Millisecond)

	h.ctrl.Send(map[string]any{"command": "JOB_DEALLOCATED", "job_id": "J1"})
	require.Eventually(t, func() bool { return h.jobd.Registry().IsDeallocated("J1") }, wait, 10*time.Millisecond)

	h.ctrl.Send(map[string]any{"command": "RUN_STEP", "job_id": "J1", "step_id": "1", "path": "/bin/true", "arguments": []string{}})
	h.ctrl.Expect("RUN_STEP_FAILED", wait)
	assert.NotContains(t, h.runners(), "1")

	h.signals <- syscall.SIGTERM
	assert.Equal(t, 143, h.exitCode(t))
}

func TestTimeLimitTerminatesRunners(t *testing.T) {
	limit := int64(1)
	h := start(t, &limit, "exit 0")

	h.runScript(t, "#!/bin/sh\nsleep 30\n", nil)

	seen := h.collect(t, "NODE_DEALLOCATED")
	assert.Contains(t, seen, "JOB_TIMED_OUT")
	assert.Contains(t, seen, "NODE_FAILED_JOB")
	assert.Less(t, indexOf(seen, "NODE_FAILED_JOB"), indexOf(seen, "NODE_DEALLOCATED"),
		"script outcome must precede deallocation")
	assert.Equal(t, 0, h.exitCode(t))
}

func TestInterruptHardShutdown(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.runScript(t, "#!/bin/sh\ntrap '' TERM\nsleep 30 & wait\n", nil)
	require.Eventually(t, func() bool {
		_, ok := h.runners()[runner.KindBatch]
		return ok
	}, wait, 10*time.Millisecond)

	h.signals <- syscall.SIGINT
	assert.Equal(t, 130, h.exitCode(t))
}

func TestMessagesForOtherJobsAreIgnored(t *testing.T) {
	h := start(t, nil, "exit 0")

	h.ctrl.Send(map[string]any{"command": "JOB_CANCELLED", "job_id": "J2"})
	h.ctrl.Send(map[string]any{"command": "FROBNICATE"})
	time.Sleep(200 * time.Millisecond)
	assert.True(t, h.jobd.Registry().Contains("J1"))
	assert.False(t, h.jobd.Registry().IsDeallocated("J1"))
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}
