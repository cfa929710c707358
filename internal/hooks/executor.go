package hooks

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

// Params describes the allocation a hook runs for.
type Params struct {
	Phase    Phase
	JobID    string
	Username string
	NodeName string

	// ExtraEnv is appended after the FLIGHT_* variables and may override them.
	ExtraEnv map[string]string
}

// env is the hook's environment: the agent's own, then the allocation.
func (p Params) env() []string {
	env := append(os.Environ(),
		"FLIGHT_HOOK="+p.Phase.String(),
		"FLIGHT_JOB_ID="+p.JobID,
		"FLIGHT_JOB_USER="+p.Username,
		"FLIGHT_NODE_NAME="+p.NodeName,
	)
	for k, v := range p.ExtraEnv {
		env = append(env, k+"="+v)
	}
	return env
}

// Result is what one hook run produced.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Executor runs hook executables as the agent user.
type Executor struct {
	logger  *slog.Logger
	timeout time.Duration
}

// NewExecutor creates an Executor. A zero timeout means no limit.
func NewExecutor(logger *slog.Logger, timeout time.Duration) *Executor {
	return &Executor{logger: logger, timeout: timeout}
}

// Execute runs the hook at path from its own directory. A non-zero exit is
// reported in the Result; an error means the hook never ran to completion,
// either because it could not start or because it hit the timeout.
func (e *Executor) Execute(ctx context.Context, path string, params Params) (*Result, error) {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	name := filepath.Base(path)
	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path)
	cmd.Env = params.env()
	cmd.Dir = filepath.Dir(path)
	cmd.Stdout, cmd.Stderr = &stdout, &stderr

	e.logger.Debug("running hook", "hook", name, "phase", params.Phase.String(), "job_id", params.JobID)

	start := time.Now()
	err := cmd.Run()
	res := &Result{Duration: time.Since(start)}

	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return nil, fmt.Errorf("hook %s did not finish: %w", name, ctx.Err())
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	default:
		return nil, fmt.Errorf("hook %s failed to run: %w", name, err)
	}
	res.Stdout, res.Stderr = stdout.String(), stderr.String()
	return res, nil
}
