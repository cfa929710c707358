// Package hooks runs the node's prolog and epilog executables around a job
// allocation.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/caevv/flightd/internal/config"
)

// Phase selects which hooks run.
type Phase string

const (
	// Prolog runs before a job is accepted on the node.
	Prolog Phase = "prolog"

	// Epilog runs after a deallocated job has drained.
	Epilog Phase = "epilog"
)

func (p Phase) String() string {
	return string(p)
}

// Runner runs every hook of a phase in order.
type Runner struct {
	dir         string
	nodeName    string
	failOnError bool
	executor    *Executor
	logger      *slog.Logger
}

// NewRunner creates a Runner from the hooks configuration. An empty Dir
// yields a runner with no hooks.
func NewRunner(cfg config.Hooks, nodeName string, logger *slog.Logger) *Runner {
	return &Runner{
		dir:         cfg.Dir,
		nodeName:    nodeName,
		failOnError: cfg.FailOnError,
		executor:    NewExecutor(logger, cfg.Timeout),
		logger:      logger,
	}
}

// Dir returns the directory holding the hooks of phase.
func (r *Runner) Dir(phase Phase) string {
	return filepath.Join(r.dir, phase.String()+".d")
}

// Run executes the hooks of phase for a job. With fail_on_error the first
// failing hook stops the phase and its error is returned; otherwise
// failures are logged and every hook runs.
func (r *Runner) Run(ctx context.Context, phase Phase, jobID, username string) error {
	if r == nil || r.dir == "" {
		return nil
	}

	paths, err := Discover(r.Dir(phase))
	if err != nil {
		if r.failOnError {
			return err
		}
		r.logger.Warn("failed to discover hooks", slog.String("phase", phase.String()), slog.String("error", err.Error()))
		return nil
	}
	if len(paths) == 0 {
		return nil
	}

	params := Params{Phase: phase, JobID: jobID, Username: username, NodeName: r.nodeName}
	r.logger.Debug("executing hooks",
		slog.String("phase", phase.String()),
		slog.Int("count", len(paths)),
		slog.String("job_id", jobID))

	for _, path := range paths {
		name := filepath.Base(path)
		result, err := r.executor.Execute(ctx, path, params)
		if err == nil && result.ExitCode != 0 {
			err = fmt.Errorf("hook %s exited with code %d", name, result.ExitCode)
		}
		if err != nil {
			attrs := []any{
				slog.String("hook", name),
				slog.String("phase", phase.String()),
				slog.String("job_id", jobID),
				slog.String("error", err.Error()),
			}
			if result != nil {
				attrs = append(attrs, slog.String("stderr", result.Stderr))
			}
			r.logger.Warn("hook failed", attrs...)
			if r.failOnError {
				return fmt.Errorf("%s %w", phase, err)
			}
			continue
		}

		r.logger.Info("hook executed successfully",
			slog.String("hook", name),
			slog.String("phase", phase.String()),
			slog.String("job_id", jobID),
			slog.Duration("duration", result.Duration))
	}
	return nil
}
