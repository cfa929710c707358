// Package agent is the node-level daemon. It keeps the node's controller
// connection, accepts and releases job allocations and launches one jobd
// process per allocated job.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/hooks"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/persistence"
	"github.com/caevv/flightd/internal/profiler"
	"github.com/caevv/flightd/internal/protocol"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/runner"
	"github.com/caevv/flightd/internal/scheduler"
	"github.com/caevv/flightd/internal/transport"
)

// Service is a long-running companion of the agent, such as the status API.
type Service interface {
	Start(ctx context.Context) error
}

// Options are the collaborators of an Agent.
type Options struct {
	Config      *config.Config
	Tokens      auth.TokenProvider
	JobdCommand runner.JobdCommandFunc
	Hooks       *hooks.Runner      // optional
	History     history.Store      // optional
	Profiler    *profiler.Profiler // defaults to profiler.New()
	Resolver    job.Resolver       // defaults to job.SystemResolver
	Logger      *slog.Logger
}

// Agent is the node daemon.
type Agent struct {
	cfg      *config.Config
	layout   job.Layout
	snapshot *persistence.File[job.Record]
	registry *registry.Registry
	client   *transport.Client
	sender   *transport.Sender
	tokens   auth.TokenProvider
	jobdCmd  runner.JobdCommandFunc
	hooks    *hooks.Runner
	history  history.Store
	profiler *profiler.Profiler
	resolver job.Resolver
	services []Service
	logger   *slog.Logger

	runCtx  context.Context
	waiters sync.WaitGroup

	mu sync.Mutex
	// notify holds the jobs whose release must be reported with
	// NODE_DEALLOCATED by the agent rather than by their jobd.
	notify map[string]bool
	sched  *scheduler.Scheduler
}

// New creates an agent. Nothing is loaded or started until Run.
func New(opts Options) (*Agent, error) {
	client, err := transport.NewClient(opts.Config.ControllerURL, opts.Config.MaxConnectionSleep, logging.Component(opts.Logger, "transport"))
	if err != nil {
		return nil, err
	}

	a := &Agent{
		cfg:      opts.Config,
		layout:   job.Layout{StateDir: opts.Config.StateDir()},
		snapshot: persistence.New[job.Record](opts.Config.SnapshotPath()),
		client:   client,
		sender:   transport.NewSender(client),
		tokens:   opts.Tokens,
		jobdCmd:  opts.JobdCommand,
		hooks:    opts.Hooks,
		history:  opts.History,
		profiler: opts.Profiler,
		resolver: opts.Resolver,
		logger:   logging.Component(opts.Logger, "agent"),
		runCtx:   context.Background(),
		notify:   make(map[string]bool),
	}
	if a.profiler == nil {
		a.profiler = profiler.New()
	}
	if a.resolver == nil {
		a.resolver = job.SystemResolver{}
	}
	a.registry = registry.New(a.layout, logging.Component(opts.Logger, "registry"),
		registry.WithPersister(a.snapshot),
		registry.WithNotifier(a),
		registry.WithoutEscalation(),
	)
	return a, nil
}

// AddService registers a companion started by Run. It must be called
// before Run.
func (a *Agent) AddService(svc Service) {
	a.services = append(a.services, svc)
}

// Registry returns the agent's job registry.
func (a *Agent) Registry() *registry.Registry { return a.registry }

// Connected reports whether the controller connection is established.
func (a *Agent) Connected() bool { return a.client.Connected() }

// TaskStats reports the agent's periodic tasks.
func (a *Agent) TaskStats() []scheduler.TaskStats {
	a.mu.Lock()
	sched := a.sched
	a.mu.Unlock()
	if sched == nil {
		return nil
	}
	return sched.Stats()
}

// Run recovers jobs from the snapshot and serves the controller until ctx
// is cancelled. Jobd processes are left running on return; the next agent
// adopts them.
func (a *Agent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	a.runCtx = ctx

	g, gctx := errgroup.WithContext(ctx)

	sched := scheduler.New(gctx, a.logger)
	if err := sched.Every("timeout-sweep", a.cfg.PollIntervalLong, func(context.Context) error {
		a.registry.Sweep()
		return nil
	}); err != nil {
		return err
	}
	if a.history != nil {
		if err := sched.AddTask("history-prune", a.cfg.History.PruneSchedule, a.pruneHistory); err != nil {
			return fmt.Errorf("invalid history.prune_schedule: %w", err)
		}
	}
	a.mu.Lock()
	a.sched = sched
	a.mu.Unlock()

	a.recover()

	g.Go(func() error { return a.client.Run(gctx, a.handshake, a.dispatch) })
	g.Go(func() error { return a.sender.Run(gctx) })
	for _, svc := range a.services {
		g.Go(func() error { return svc.Start(gctx) })
	}
	sched.Start()
	a.logger.Info("agent started", "node", a.cfg.NodeName, "jobs", a.registry.Len())

	err := g.Wait()
	sched.Stop()
	cancel()
	a.waiters.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	a.logger.Info("agent stopped")
	return nil
}

func (a *Agent) handshake(bool) (protocol.Outbound, error) {
	token, err := a.tokens.Token(a.runCtx)
	if err != nil {
		return nil, err
	}
	inv, err := a.profiler.Inventory()
	if err != nil {
		a.logger.Warn("incomplete node inventory", "error", err)
		inv = profiler.Inventory{CPUs: a.profiler.CPUs(), GPUs: a.profiler.GPUs()}
	}
	return protocol.NewConnected(token, a.cfg.NodeName, inv.CPUs, inv.GPUs, inv.Memory), nil
}

func (a *Agent) pruneHistory(context.Context) error {
	n, err := a.history.Prune(a.cfg.History.Retention)
	if err != nil {
		return err
	}
	if n > 0 {
		a.logger.Info("pruned run history", "removed", n)
	}
	return nil
}
