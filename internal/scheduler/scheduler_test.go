package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestParseSchedule(t *testing.T) {
	tests := []struct {
		expr    string
		wantErr bool
	}{
		{"*/5 * * * *", false},
		{"*/30 * * * * *", false},
		{"@hourly", false},
		{"@every 5s", false},
		{"every 10m", false},
		{"every 2 hours", false},
		{"every 0s", true},
		{"every 5 fortnights", true},
		{"", true},
		{"invalid cron", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			err := ValidateSchedule(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateSchedule(%q) error = %v, wantErr %v", tt.expr, err, tt.wantErr)
			}
		})
	}
}

func TestParseIntervalNext(t *testing.T) {
	schedule, err := ParseSchedule("every 10m")
	if err != nil {
		t.Fatal(err)
	}
	from := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	if got := schedule.Next(from); !got.Equal(from.Add(10 * time.Minute)) {
		t.Errorf("Next() = %s", got)
	}
}

func TestAddTask(t *testing.T) {
	noop := func(context.Context) error { return nil }

	tests := []struct {
		name      string
		taskName  string
		schedule  string
		task      Task
		errString string
	}{
		{"valid", "sweep", "@every 5s", noop, ""},
		{"empty name", "", "@every 5s", noop, "name cannot be empty"},
		{"nil task", "nil", "@every 5s", nil, "task cannot be nil"},
		{"bad schedule", "bad", "whenever", noop, "failed to parse"},
		{"duplicate", "sweep", "@hourly", noop, "already exists"},
	}

	sched := New(context.Background(), testLogger())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := sched.AddTask(tt.taskName, tt.schedule, tt.task)
			if tt.errString == "" {
				if err != nil {
					t.Errorf("AddTask() unexpected error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errString) {
				t.Errorf("AddTask() error = %v, want %q", err, tt.errString)
			}
		})
	}
}

func TestTasksRunAndStop(t *testing.T) {
	sched := New(context.Background(), testLogger())

	var ok, failing atomic.Int32
	if err := sched.Every("ok", 100*time.Millisecond, func(context.Context) error {
		ok.Add(1)
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := sched.Every("failing", time.Second, func(context.Context) error {
		failing.Add(1)
		return errors.New("disk full")
	}); err != nil {
		t.Fatal(err)
	}

	sched.Start()
	deadline := time.Now().Add(5 * time.Second)
	for (ok.Load() < 2 || failing.Load() < 1) && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	sched.Stop()

	if ok.Load() < 2 {
		t.Errorf("ok task ran %d times, want >= 2", ok.Load())
	}

	stats := sched.Stats()
	if len(stats) != 2 || stats[0].Name != "failing" || stats[1].Name != "ok" {
		t.Fatalf("Stats() = %+v", stats)
	}
	if stats[0].LastError != "disk full" {
		t.Errorf("LastError = %q", stats[0].LastError)
	}
	if stats[1].Schedule != "@every 1s" {
		t.Errorf("sub-second interval not rounded up: %s", stats[1].Schedule)
	}

	after := ok.Load()
	time.Sleep(1500 * time.Millisecond)
	if ok.Load() != after {
		t.Error("task ran after Stop()")
	}
}

func TestStopCancelsTaskContext(t *testing.T) {
	sched := New(context.Background(), testLogger())
	started := make(chan struct{})
	var once atomic.Bool
	if err := sched.Every("blocking", time.Second, func(ctx context.Context) error {
		if once.CompareAndSwap(false, true) {
			close(started)
		}
		<-ctx.Done()
		return ctx.Err()
	}); err != nil {
		t.Fatal(err)
	}
	sched.Start()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("task never started")
	}

	done := make(chan struct{})
	go func() {
		sched.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop() did not return")
	}
}
