// Package stepd bridges an interactive step to a remote client. It runs the
// step command as the job owner, listens on a port from the configured
// range and copies the command's terminal or pipes to the first client that
// connects there.
package stepd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"syscall"
	"time"

	"github.com/creack/pty"

	"github.com/caevv/flightd/internal/auth"
	"github.com/caevv/flightd/internal/config"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/protocol"
	"github.com/caevv/flightd/internal/runner"
	"github.com/caevv/flightd/internal/transport"
)

// FirstClientWait bounds how long a step that has already exited waits for
// its first client.
const FirstClientWait = 30 * time.Second

// Options are the collaborators of a Stepd.
type Options struct {
	Config   *config.Config
	Request  job.StepRequest
	Tokens   auth.TokenProvider
	Resolver job.Resolver // defaults to job.SystemResolver
	Logger   *slog.Logger
}

// Stepd runs one step.
type Stepd struct {
	cfg    *config.Config
	job    *job.Job
	step   job.Step
	layout job.Layout
	client *transport.Client
	sender *transport.Sender
	tokens auth.TokenProvider
	logger *slog.Logger

	firstClientWait time.Duration
	runCtx          context.Context
}

// New validates the request and resolves the job owner.
func New(opts Options) (*Stepd, error) {
	step := opts.Request.Step
	if err := step.Validate(); err != nil {
		return nil, err
	}
	j := job.FromRecord(opts.Request.Job)
	if j.ID != step.JobID {
		return nil, fmt.Errorf("%w: step belongs to job %q, not %q", job.ErrInvalidStep, step.JobID, j.ID)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = job.SystemResolver{}
	}
	if err := j.Resolve(resolver); err != nil {
		return nil, err
	}

	client, err := transport.NewClient(opts.Config.ControllerURL, opts.Config.MaxConnectionSleep, logging.Component(opts.Logger, "transport"))
	if err != nil {
		return nil, err
	}
	return &Stepd{
		cfg:             opts.Config,
		job:             j,
		step:            step,
		layout:          job.Layout{StateDir: opts.Config.StateDir()},
		client:          client,
		sender:          transport.NewSender(client),
		tokens:          opts.Tokens,
		logger:          logging.Component(opts.Logger, "stepd").With("job_id", j.ID, "step_id", step.ID),
		firstClientWait: FirstClientWait,
		runCtx:          context.Background(),
	}, nil
}

// Run executes the step and reports its outcome. TERM, INT and HUP
// arriving on signals are forwarded to the command's process group. Run
// returns nil once the outcome has been delivered to the controller; any
// error means the outcome was not reported.
func (s *Stepd) Run(ctx context.Context, signals <-chan os.Signal) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.runCtx = ctx

	ln, port, err := Listen(s.cfg.StepPortRange.Ports())
	if err != nil {
		return err
	}
	s.logger.Info("listening for client", "port", port)

	proc, output, input, err := s.spawn()
	if err != nil {
		ln.Close()
		return err
	}
	pidPath := s.layout.StepPID(s.job.ID, s.step.ID)
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(proc.Pid())+"\n"), 0o644); err != nil {
		s.logger.Warn("failed to write pid file", "path", pidPath, "error", err)
	}

	go s.forward(ctx, proc, signals)

	connDone := make(chan error, 2)
	go func() { connDone <- s.client.Run(ctx, s.handshake, s.dispatch) }()
	go func() { connDone <- s.sender.Run(ctx) }()
	s.sender.Enqueue(protocol.NewStepStarted(s.job.ID, s.step.ID, port))

	b := newBridge(ln, output, input, s.logger)
	go b.serve(func() {
		// Safety net for anything the command left running.
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			s.logger.Debug("final terminate failed", "error", err)
		}
	})

	st, err := proc.Wait(ctx, s.cfg.PollIntervalShort)
	if err != nil {
		b.stop()
		return err
	}
	s.logger.Info("step command exited", "status", st.String())
	if !s.step.PTY {
		time.Sleep(s.cfg.PollIntervalShort)
	}
	if !b.waitConnected(ctx, s.firstClientWait, s.cfg.PollIntervalShort) {
		s.logger.Info("no client connected, discarding output")
	}
	b.stop()
	os.Remove(pidPath)

	cmd := protocol.CommandRunStepCompleted
	if !st.Success() {
		cmd = protocol.CommandRunStepFailed
	}
	if err := s.sender.Send(ctx, protocol.NewStepEvent(cmd, s.job.ID, s.step.ID)); err != nil {
		return fmt.Errorf("failed to report step outcome: %w", err)
	}
	cancel()
	for i := 0; i < 2; i++ {
		if err := <-connDone; err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Debug("controller connection ended", "error", err)
		}
	}
	return nil
}

func (s *Stepd) handshake(bool) (protocol.Outbound, error) {
	token, err := s.tokens.Token(s.runCtx)
	if err != nil {
		return nil, err
	}
	return protocol.NewStepdConnected(token, s.step.Name()), nil
}

// dispatch logs anything the controller sends; stepd only reports.
func (s *Stepd) dispatch(msg protocol.Inbound) {
	s.logger.Debug("ignoring controller message", "command", string(msg.Command()))
}

// forward relays termination signals to the command until ctx ends.
func (s *Stepd) forward(ctx context.Context, proc *runner.Process, signals <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-proc.Done():
			return
		case sig := <-signals:
			ssig, ok := sig.(syscall.Signal)
			if !ok {
				continue
			}
			s.logger.Info("forwarding signal to step command", "signal", ssig.String())
			if err := proc.Signal(ssig); err != nil {
				s.logger.Warn("failed to forward signal", "signal", ssig.String(), "error", err)
			}
		}
	}
}

// spawn starts the step command as the job owner, inside a new pty or
// behind a pipe pair. It returns the parent's ends: output carries the
// command's stdout and stderr, input feeds its stdin.
func (s *Stepd) spawn() (proc *runner.Process, output, input *os.File, err error) {
	account := s.job.Account()
	attr, err := runner.ProcAttr(account)
	if err != nil {
		return nil, nil, nil, err
	}
	env, err := s.job.ExecEnv(s.layout, s.step.Environment)
	if err != nil {
		return nil, nil, nil, err
	}

	cmd := exec.Command(s.step.Path, s.step.Arguments...)
	cmd.Env = env
	cmd.Dir = account.HomeDir
	cmd.SysProcAttr = attr

	var childEnds []*os.File
	defer func() {
		for _, f := range childEnds {
			f.Close()
		}
	}()

	if s.step.PTY {
		ptmx, tty, err := pty.Open()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to open pty: %w", err)
		}
		childEnds = append(childEnds, tty)
		if account.UID != uint32(os.Geteuid()) {
			if err := tty.Chown(int(account.UID), int(account.GID)); err != nil {
				s.logger.Warn("failed to hand pty to job owner", "error", err)
			}
		}
		cmd.Stdin, cmd.Stdout, cmd.Stderr = tty, tty, tty
		attr.Setctty = true
		attr.Ctty = 0
		output, input = ptmx, ptmx
	} else {
		inRead, inWrite, err := os.Pipe()
		if err != nil {
			return nil, nil, nil, err
		}
		outRead, outWrite, err := os.Pipe()
		if err != nil {
			inRead.Close()
			inWrite.Close()
			return nil, nil, nil, err
		}
		childEnds = append(childEnds, inRead, outWrite)
		cmd.Stdin, cmd.Stdout, cmd.Stderr = inRead, outWrite, outWrite
		output, input = outRead, inWrite
	}

	proc, err = runner.Start(cmd)
	if err != nil {
		output.Close()
		if input != output {
			input.Close()
		}
		return nil, nil, nil, fmt.Errorf("failed to start step command: %w", err)
	}
	s.logger.Info("step command started", "pid", proc.Pid(), "path", s.step.Path, "pty", s.step.PTY)
	return proc, output, input, nil
}
