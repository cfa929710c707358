package runner

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/registry"
)

// Registry is the part of registry.Registry that runners use.
type Registry interface {
	AddRunner(jobID string, r registry.Runner) error
	RemoveRunner(jobID, runnerID string)
}

const shell = "/bin/sh"

// redirectWrapper opens the output files from inside the child, after the
// switch to the job owner, then execs the script in place. The agent never
// touches the output paths itself, so a job cannot use them to truncate or
// take over files it could not write as its owner.
//
// Arguments: $0 script, $1 stdout, $2 stderr, $3 and $4 their directories,
// then the script's own arguments.
const redirectWrapper = `o=$1 e=$2
/bin/mkdir -p -- "$3" "$4" || exit 1
shift 4
if [ "$o" = "$e" ]; then exec "$0" "$@" >"$o" 2>&1; fi
exec "$0" "$@" >"$o" 2>"$e"`

// Batch runs a job's batch script as the job owner.
type Batch struct {
	handle

	job      *job.Job
	script   *job.BatchScript
	layout   job.Layout
	registry Registry
	interval time.Duration
	logger   *slog.Logger
}

// NewBatch prepares a batch runner. interval is the reaping poll interval.
func NewBatch(j *job.Job, script *job.BatchScript, layout job.Layout, reg Registry, interval time.Duration, logger *slog.Logger) *Batch {
	return &Batch{
		job:      j,
		script:   script,
		layout:   layout,
		registry: reg,
		interval: interval,
		logger:   logger.With("job_id", j.ID, "runner_id", KindBatch),
	}
}

func (b *Batch) ID() string   { return KindBatch }
func (b *Batch) Kind() string { return KindBatch }

// Start admits the runner into the registry and spawns the script. Any
// failure is returned synchronously and leaves nothing registered.
func (b *Batch) Start() error {
	if err := b.registry.AddRunner(b.job.ID, b); err != nil {
		return err
	}
	proc, err := b.spawn()
	if err != nil {
		b.registry.RemoveRunner(b.job.ID, b.ID())
		return err
	}

	pending := b.attach(proc)
	b.logger.Info("batch script started", "pid", proc.Pid())
	if pending != 0 {
		if err := proc.Signal(pending); err != nil {
			b.logger.Warn("failed to deliver pending signal", "signal", pending.String(), "error", err)
		}
	}
	return nil
}

func (b *Batch) spawn() (*Process, error) {
	account := b.job.Account()
	attr, err := ProcAttr(account)
	if err != nil {
		return nil, err
	}

	path, err := b.script.Write(b.layout, b.job.ID)
	if err != nil {
		return nil, err
	}
	env, err := b.job.ExecEnv(b.layout, nil)
	if err != nil {
		return nil, err
	}

	stdout := account.ExpandPath(b.script.StdoutPath)
	stderr := account.ExpandPath(b.script.StderrPath)
	args := append([]string{"-c", redirectWrapper, path,
		stdout, stderr, filepath.Dir(stdout), filepath.Dir(stderr)}, b.script.Arguments...)

	cmd := exec.Command(shell, args...)
	cmd.Env = env
	cmd.Dir = account.HomeDir
	cmd.SysProcAttr = attr

	proc, err := Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("failed to start batch script: %w", err)
	}
	return proc, nil
}

// Wait blocks until the script exits, then removes the runner from the
// registry.
func (b *Batch) Wait(ctx context.Context) (Status, error) {
	proc := b.process()
	if proc == nil {
		return Status{}, fmt.Errorf("batch runner for %s not started", b.job.ID)
	}

	st, err := proc.Wait(ctx, b.interval)
	if err != nil {
		return Status{}, err
	}
	b.registry.RemoveRunner(b.job.ID, b.ID())
	b.logger.Info("batch script finished", "status", st.String())
	return st, nil
}

// Signal sends sig to the script's process group.
func (b *Batch) Signal(sig syscall.Signal) error {
	return b.signal(sig)
}
