package hooks

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/caevv/flightd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelError, // Suppress logs during tests
	}))
}

func writeHook(t *testing.T, dir, name, body string, mode os.FileMode) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), mode); err != nil {
		t.Fatal(err)
	}
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "20-second", "exit 0\n", 0o755)
	writeHook(t, dir, "10-first", "exit 0\n", 0o755)
	writeHook(t, dir, "README", "not a hook\n", 0o644)
	writeHook(t, dir, ".hidden", "exit 0\n", 0o755)
	os.Mkdir(filepath.Join(dir, "subdir"), 0o755)

	paths, err := Discover(dir)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	want := []string{filepath.Join(dir, "10-first"), filepath.Join(dir, "20-second")}
	if len(paths) != len(want) {
		t.Fatalf("Discover() = %v, want %v", paths, want)
	}
	for i := range want {
		if paths[i] != want[i] {
			t.Errorf("paths[%d] = %s, want %s", i, paths[i], want[i])
		}
	}
}

func TestDiscoverMissingDir(t *testing.T) {
	paths, err := Discover(filepath.Join(t.TempDir(), "absent"))
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected no hooks, got %v", paths)
	}
}

func TestExecutorEnvironment(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "env", `echo "$FLIGHT_HOOK $FLIGHT_JOB_ID $FLIGHT_JOB_USER $FLIGHT_NODE_NAME $EXTRA"`+"\n", 0o755)

	executor := NewExecutor(testLogger(), 5*time.Second)
	result, err := executor.Execute(context.Background(), filepath.Join(dir, "env"), Params{
		Phase:    Prolog,
		JobID:    "J1",
		Username: "alice",
		NodeName: "node01",
		ExtraEnv: map[string]string{"EXTRA": "x"},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got := strings.TrimSpace(result.Stdout); got != "prolog J1 alice node01 x" {
		t.Errorf("stdout = %q", got)
	}
}

func TestExecutorExitCodeAndTimeout(t *testing.T) {
	dir := t.TempDir()
	writeHook(t, dir, "fail", "echo boom >&2\nexit 3\n", 0o755)
	writeHook(t, dir, "slow", "exec sleep 5\n", 0o755)

	executor := NewExecutor(testLogger(), 200*time.Millisecond)

	result, err := executor.Execute(context.Background(), filepath.Join(dir, "fail"), Params{Phase: Epilog})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if result.ExitCode != 3 {
		t.Errorf("ExitCode = %d, want 3", result.ExitCode)
	}
	if !strings.Contains(result.Stderr, "boom") {
		t.Errorf("Stderr = %q", result.Stderr)
	}

	if _, err := executor.Execute(context.Background(), filepath.Join(dir, "slow"), Params{Phase: Epilog}); err == nil {
		t.Error("expected timeout error")
	}
}

func TestRunnerRun(t *testing.T) {
	tests := []struct {
		name        string
		hooks       map[string]string
		failOnError bool
		wantErr     bool
		wantMarks   []string
	}{
		{
			name:      "all succeed in order",
			hooks:     map[string]string{"10-a": "exit 0\n", "20-b": "exit 0\n"},
			wantMarks: []string{"10-a", "20-b"},
		},
		{
			name:        "failure stops the phase",
			hooks:       map[string]string{"10-a": "exit 1\n", "20-b": "exit 0\n"},
			failOnError: true,
			wantErr:     true,
			wantMarks:   []string{"10-a"},
		},
		{
			name:      "failure is logged without fail_on_error",
			hooks:     map[string]string{"10-a": "exit 1\n", "20-b": "exit 0\n"},
			wantMarks: []string{"10-a", "20-b"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := t.TempDir()
			marks := filepath.Join(t.TempDir(), "marks")
			for name, body := range tt.hooks {
				writeHook(t, filepath.Join(root, "prolog.d"), name,
					`echo "$(basename "$0")" >> `+marks+"\n"+body, 0o755)
			}

			runner := NewRunner(config.Hooks{Dir: root, Timeout: 5 * time.Second, FailOnError: tt.failOnError}, "node01", testLogger())
			err := runner.Run(context.Background(), Prolog, "J1", "alice")
			if (err != nil) != tt.wantErr {
				t.Fatalf("Run() error = %v, wantErr %v", err, tt.wantErr)
			}

			data, _ := os.ReadFile(marks)
			got := strings.Fields(string(data))
			if strings.Join(got, ",") != strings.Join(tt.wantMarks, ",") {
				t.Errorf("ran %v, want %v", got, tt.wantMarks)
			}
		})
	}
}

func TestRunnerDisabled(t *testing.T) {
	runner := NewRunner(config.Hooks{}, "node01", testLogger())
	if err := runner.Run(context.Background(), Epilog, "J1", "alice"); err != nil {
		t.Errorf("Run() error = %v", err)
	}

	var nilRunner *Runner
	if err := nilRunner.Run(context.Background(), Epilog, "J1", "alice"); err != nil {
		t.Errorf("nil Run() error = %v", err)
	}
}

func TestPhaseString(t *testing.T) {
	if Prolog.String() != "prolog" || Epilog.String() != "epilog" {
		t.Errorf("unexpected phase names %s %s", Prolog, Epilog)
	}
}
