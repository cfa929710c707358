// Package jobd is the per-job supervisor. One jobd process runs for each
// job allocated to the node; it holds its own controller connection, runs
// the job's batch script and steps, and enforces the job's time limit.
package jobd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/protocol"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/runner"
	"github.com/caevv/flightd/internal/scheduler"
	"github.com/caevv/flightd/internal/transport"
)

// Options are the collaborators of a Jobd.
type Options struct {
	Config *config.Config
	Job    *job.Job // account must be resolved

	// Reconnect is set when the agent relaunches jobd for a job the
	// controller already knows.
	Reconnect bool

	Tokens      auth.TokenProvider
	History     history.Store // optional
	StepCommand runner.StepCommandFunc
	Logger      *slog.Logger
}

// Jobd supervises one job.
type Jobd struct {
	cfg       *config.Config
	job       *job.Job
	layout    job.Layout
	registry  *registry.Registry
	client    *transport.Client
	sender    *transport.Sender
	tokens    auth.TokenProvider
	history   history.Store
	command   runner.StepCommandFunc
	reconnect bool
	logger    *slog.Logger

	// runCtx bounds the runner waiters; it ends when Run returns.
	runCtx  context.Context
	waiters sync.WaitGroup

	releaseOnce sync.Once
	released    chan struct{}
}

// New creates a Jobd and registers its job.
func New(opts Options) (*Jobd, error) {
	if opts.Job.Account() == nil {
		return nil, fmt.Errorf("job %s has no resolved account", opts.Job.ID)
	}
	logger := logging.Component(opts.Logger, "jobd").With("job_id", opts.Job.ID)

	client, err := transport.NewClient(opts.Config.ControllerURL, opts.Config.MaxConnectionSleep, logging.Component(opts.Logger, "transport"))
	if err != nil {
		return nil, err
	}

	j := &Jobd{
		cfg:       opts.Config,
		job:       opts.Job,
		layout:    job.Layout{StateDir: opts.Config.StateDir()},
		client:    client,
		sender:    transport.NewSender(client),
		tokens:    opts.Tokens,
		history:   opts.History,
		command:   opts.StepCommand,
		reconnect: opts.Reconnect,
		logger:    logger,
		runCtx:    context.Background(),
		released:  make(chan struct{}),
	}
	j.registry = registry.New(j.layout, logger, registry.WithNotifier(j))
	if err := j.registry.AddJob(j.job); err != nil {
		return nil, err
	}
	return j, nil
}

// Registry returns the job's runner registry.
func (j *Jobd) Registry() *registry.Registry {
	return j.registry
}

// Run supervises the job until it has been released or a signal arrives
// on signals. It returns the process exit code: 0 after a release, 128+n
// after a hard shutdown caused by signal n.
func (j *Jobd) Run(ctx context.Context, signals <-chan os.Signal) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	j.runCtx = ctx

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return j.client.Run(gctx, j.handshake, j.dispatch) })
	g.Go(func() error { return j.sender.Run(gctx) })

	sched := scheduler.New(gctx, j.logger)
	if err := sched.Every("timeout-sweep", j.cfg.PollIntervalLong, func(context.Context) error {
		j.registry.Sweep()
		return nil
	}); err != nil {
		return 1, err
	}
	sched.Start()
	if remaining, ok := j.job.Remaining(job.Now()); ok {
		j.logger.Info("job time limit", "remaining", remaining.Round(time.Second).String())
	}

	code := 0
	select {
	case <-j.released:
		// Completion reports of finished runners go out before NODE_DEALLOCATED.
		j.waiters.Wait()
		j.logger.Info("job released, reporting deallocation")
		if sig := j.deliver(ctx, protocol.NewJobEvent(protocol.CommandNodeDeallocated, j.job.ID), signals); sig != nil {
			code = exitCode(sig)
		}
	case sig := <-signals:
		code = j.hardShutdown(sig)
	case <-ctx.Done():
	}

	sched.Stop()
	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return code, err
	}
	return code, nil
}

// deliver sends msg, giving up early if a signal arrives. It returns the
// signal, if any.
func (j *Jobd) deliver(ctx context.Context, msg protocol.Outbound, signals <-chan os.Signal) os.Signal {
	sendCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- j.sender.Send(sendCtx, msg) }()
	select {
	case err := <-done:
		if err != nil {
			j.logger.Warn("failed to deliver message", "command", string(msg.Command()), "error", err)
		}
		return nil
	case sig := <-signals:
		j.logger.Warn("signal received before deallocation was reported", "signal", sig.String())
		return sig
	}
}

func (j *Jobd) handshake(reconnect bool) (protocol.Outbound, error) {
	token, err := j.tokens.Token(j.runCtx)
	if err != nil {
		return nil, err
	}
	return protocol.NewJobdConnected(token, j.job.ID, reconnect || j.reconnect), nil
}

// hardShutdown deallocates the job, terminates every runner and, if any
// outlive one long poll interval, kills them.
func (j *Jobd) hardShutdown(sig os.Signal) int {
	j.logger.Info("terminating job", "signal", sig.String())
	if err := j.registry.DeallocateJob(j.job.ID); err != nil && !errors.Is(err, registry.ErrUnknownJob) {
		j.logger.Warn("failed to deallocate job", "error", err)
	}

	if j.registry.SignalRunners(j.job.ID, syscall.SIGTERM) > 0 {
		deadline := time.Now().Add(j.cfg.PollIntervalLong)
		for time.Now().Before(deadline) && len(j.registry.LookupRunners(j.job.ID)) > 0 {
			time.Sleep(j.cfg.PollIntervalShort)
		}
		if n := j.registry.SignalRunners(j.job.ID, syscall.SIGKILL); n > 0 {
			j.logger.Warn("killed runners that outlived termination", "runners", n)
		}
	}
	return exitCode(sig)
}

func exitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return 1
}

// JobTimedOut implements registry.Notifier.
func (j *Jobd) JobTimedOut(*job.Job) {
	j.sender.Enqueue(protocol.NewJobEvent(protocol.CommandJobTimedOut, j.job.ID))
}

// JobReleased implements registry.Notifier.
func (j *Jobd) JobReleased(_ *job.Job, reason registry.Reason) {
	j.logger.Debug("job drained", "reason", reason.String())
	j.releaseOnce.Do(func() { close(j.released) })
}
