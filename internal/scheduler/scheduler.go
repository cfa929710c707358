// Package scheduler runs the periodic maintenance tasks of a flightd
// process, such as registry time-out sweeps and history pruning.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Task is one unit of periodic work. It should return promptly once ctx
// is done.
type Task func(ctx context.Context) error

// Scheduler wraps robfig/cron with named tasks and context support.
// A task never overlaps with its own previous run.
type Scheduler struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
	tasks  map[string]*scheduledTask
	mu     sync.RWMutex
	wg     sync.WaitGroup
}

type scheduledTask struct {
	name     string
	schedule string
	entryID  cron.EntryID
	lastRun  time.Time
	lastErr  string
	runCount int64
}

// New creates a Scheduler whose tasks run with a context derived from ctx.
func New(ctx context.Context, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	schedCtx, cancel := context.WithCancel(ctx)
	cronLogger := &cronSlogAdapter{logger: logger}

	c := cron.New(
		cron.WithLogger(cronLogger),
		cron.WithChain(
			cron.Recover(cronLogger),
			cron.SkipIfStillRunning(cronLogger),
		),
	)

	return &Scheduler{
		cron:   c,
		ctx:    schedCtx,
		cancel: cancel,
		logger: logger,
		tasks:  make(map[string]*scheduledTask),
	}
}

// AddTask schedules task under name. schedule is anything ParseSchedule
// accepts.
func (s *Scheduler) AddTask(name, schedule string, task Task) error {
	if name == "" {
		return fmt.Errorf("task name cannot be empty")
	}
	if task == nil {
		return fmt.Errorf("task cannot be nil")
	}

	parsed, err := ParseSchedule(schedule)
	if err != nil {
		return fmt.Errorf("failed to parse schedule for task %q: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("task %q already exists", name)
	}

	st := &scheduledTask{name: name, schedule: schedule}
	st.entryID = s.cron.Schedule(parsed, s.wrapTask(st, task))
	s.tasks[name] = st

	s.logger.Debug("task added to scheduler",
		slog.String("task", name),
		slog.String("schedule", schedule),
	)
	return nil
}

// Every schedules task to run at a fixed interval. Intervals are rounded
// down to whole seconds, with a minimum of one second.
func (s *Scheduler) Every(name string, interval time.Duration, task Task) error {
	if interval < time.Second {
		interval = time.Second
	}
	return s.AddTask(name, "@every "+interval.Truncate(time.Second).String(), task)
}

func (s *Scheduler) wrapTask(st *scheduledTask, task Task) cron.FuncJob {
	return func() {
		if s.ctx.Err() != nil {
			return
		}
		s.wg.Add(1)
		defer s.wg.Done()

		startTime := time.Now()
		err := task(s.ctx)
		duration := time.Since(startTime)

		s.mu.Lock()
		st.lastRun = startTime
		st.runCount++
		st.lastErr = ""
		if err != nil {
			st.lastErr = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Error("task failed",
				slog.String("task", st.name),
				slog.String("error", err.Error()),
				slog.Duration("duration", duration),
			)
			return
		}
		s.logger.Debug("task completed",
			slog.String("task", st.name),
			slog.Duration("duration", duration),
		)
	}
}

// Start begins running tasks on their schedules.
func (s *Scheduler) Start() {
	s.mu.RLock()
	count := len(s.tasks)
	s.mu.RUnlock()

	s.logger.Debug("starting scheduler", slog.Int("task_count", count))
	s.cron.Start()
}

// Stop stops scheduling and waits for running tasks to return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Debug("scheduler stopped")
}

// TaskStats describes one scheduled task.
type TaskStats struct {
	Name      string    `json:"name"`
	Schedule  string    `json:"schedule"`
	LastRun   time.Time `json:"last_run"`
	NextRun   time.Time `json:"next_run"`
	RunCount  int64     `json:"run_count"`
	LastError string    `json:"last_error,omitempty"`
}

// Stats returns statistics for every task, ordered by name.
func (s *Scheduler) Stats() []TaskStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TaskStats, 0, len(s.tasks))
	for _, st := range s.tasks {
		out = append(out, TaskStats{
			Name:      st.name,
			Schedule:  st.schedule,
			LastRun:   st.lastRun,
			NextRun:   s.cron.Entry(st.entryID).Next,
			RunCount:  st.runCount,
			LastError: st.lastErr,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// cronSlogAdapter adapts slog.Logger to cron.Logger interface.
type cronSlogAdapter struct {
	logger *slog.Logger
}

func (a *cronSlogAdapter) Info(msg string, keysAndValues ...interface{}) {
	a.logger.Debug(msg, keysAndValues...)
}

func (a *cronSlogAdapter) Error(err error, msg string, keysAndValues ...interface{}) {
	attrs := make([]any, 0, len(keysAndValues)+1)
	attrs = append(attrs, slog.String("error", err.Error()))
	attrs = append(attrs, keysAndValues...)
	a.logger.Error(msg, attrs...)
}
