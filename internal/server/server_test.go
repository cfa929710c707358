package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/caevv/flightd/internal/history"
	"github.com/caevv/flightd/internal/job"
	"github.com/caevv/flightd/internal/logging"
	"github.com/caevv/flightd/internal/registry"
	"github.com/caevv/flightd/internal/scheduler"
)

type fakeNode struct {
	connected bool
	stats     []scheduler.TaskStats
}

func (n fakeNode) Connected() bool                  { return n.connected }
func (n fakeNode) TaskStats() []scheduler.TaskStats { return n.stats }

func newTestServer(t *testing.T, node fakeNode) (*httptest.Server, *history.Run) {
	t.Helper()
	dir := t.TempDir()

	reg := registry.New(job.Layout{StateDir: filepath.Join(dir, "state")}, logging.Discard())
	limit := int64(60)
	if err := reg.AddJob(job.New("J1", "alice", nil, &limit)); err != nil {
		t.Fatalf("AddJob() error = %v", err)
	}

	store, err := history.NewStore("json", filepath.Join(dir, "history.json"))
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	t.Cleanup(func() { store.Close() })

	now := time.Now()
	ok := history.NewRun("J1", "BATCH", "BATCH", now.Add(-2*time.Second), now, 0, "")
	failed := history.NewRun("J1", "0", "STEP", now.Add(-time.Second), now, 143, "terminated")
	for _, run := range []*history.Run{ok, failed} {
		if err := store.SaveRun(run); err != nil {
			t.Fatalf("SaveRun() error = %v", err)
		}
	}

	srv := New("127.0.0.1:0", NewHistoryAdapter(store), NewRegistryAdapter(reg), NewNodeAdapter("node01", node), logging.Discard())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, ok
}

func get(t *testing.T, url string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		t.Fatalf("GET %s status = %d, want %d", url, resp.StatusCode, wantStatus)
	}
	if got := resp.Header.Get("Content-Type"); got != "application/json" {
		t.Errorf("Content-Type = %q", got)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
}

func TestHealth(t *testing.T) {
	next := time.Now().Add(time.Minute)
	ts, _ := newTestServer(t, fakeNode{
		connected: true,
		stats:     []scheduler.TaskStats{{Name: "timeout-sweep", Schedule: "@every 5s", NextRun: next, RunCount: 3}},
	})

	var health HealthResponse
	get(t, ts.URL+"/api/health", http.StatusOK, &health)

	if health.Status != "ok" || !health.Connected || health.Node != "node01" {
		t.Errorf("health = %+v", health)
	}
	if len(health.Tasks) != 1 || health.Tasks[0].Name != "timeout-sweep" || health.Tasks[0].RunCount != 3 {
		t.Fatalf("tasks = %+v", health.Tasks)
	}
	if health.Tasks[0].LastRun != nil {
		t.Error("task that never ran should have no last_run")
	}
	if health.Tasks[0].NextRun == nil {
		t.Error("expected next_run")
	}
}

func TestHealthDisconnected(t *testing.T) {
	ts, _ := newTestServer(t, fakeNode{})

	var health HealthResponse
	get(t, ts.URL+"/api/health", http.StatusOK, &health)
	if health.Status != "disconnected" || health.Connected {
		t.Errorf("health = %+v", health)
	}
	if health.Tasks == nil {
		t.Error("tasks should be an empty list, not null")
	}
}

func TestJobs(t *testing.T) {
	ts, _ := newTestServer(t, fakeNode{connected: true})

	var jobs []JobSummary
	get(t, ts.URL+"/api/jobs", http.StatusOK, &jobs)
	if len(jobs) != 1 || jobs[0].ID != "J1" || jobs[0].Username != "alice" {
		t.Fatalf("jobs = %+v", jobs)
	}
	if jobs[0].TimeLimit == nil || *jobs[0].TimeLimit != 60 {
		t.Errorf("time limit = %v", jobs[0].TimeLimit)
	}

	var one JobSummary
	get(t, ts.URL+"/api/jobs/J1", http.StatusOK, &one)
	if one.ID != "J1" || one.Deallocated {
		t.Errorf("job = %+v", one)
	}

	var errResp ErrorResponse
	get(t, ts.URL+"/api/jobs/J404", http.StatusNotFound, &errResp)
	if errResp.Code != http.StatusNotFound {
		t.Errorf("error = %+v", errResp)
	}
}

func TestRuns(t *testing.T) {
	ts, ok := newTestServer(t, fakeNode{connected: true})

	var runs []RunRecord
	get(t, ts.URL+"/api/jobs/J1/runs", http.StatusOK, &runs)
	if len(runs) != 2 {
		t.Fatalf("runs = %+v", runs)
	}

	get(t, ts.URL+"/api/runs?limit=1", http.StatusOK, &runs)
	if len(runs) != 1 {
		t.Fatalf("limit=1 returned %d runs", len(runs))
	}

	var run RunRecord
	get(t, ts.URL+"/api/runs/"+ok.RunID, http.StatusOK, &run)
	if run.Status != "success" || run.Kind != "BATCH" || run.Duration < 1000 {
		t.Errorf("run = %+v", run)
	}

	get(t, ts.URL+"/api/runs/nope", http.StatusNotFound, nil)
}

func TestStats(t *testing.T) {
	ts, _ := newTestServer(t, fakeNode{connected: true})

	var stats StatsResponse
	get(t, ts.URL+"/api/stats", http.StatusOK, &stats)
	want := StatsResponse{ActiveJobs: 1, TotalRuns: 2, SuccessCount: 1, FailureCount: 1}
	if stats != want {
		t.Errorf("stats = %+v, want %+v", stats, want)
	}
}

func TestParseLimit(t *testing.T) {
	tests := []struct {
		query string
		want  int
	}{
		{"", defaultLimit},
		{"limit=5", 5},
		{"limit=0", defaultLimit},
		{"limit=-3", defaultLimit},
		{"limit=abc", defaultLimit},
		{"limit=5000", maxLimit},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(http.MethodGet, "/api/runs?"+tt.query, nil)
		if got := parseLimit(r); got != tt.want {
			t.Errorf("parseLimit(%q) = %d, want %d", tt.query, got, tt.want)
		}
	}
}

func TestHistoryDisabled(t *testing.T) {
	s := New("", nil, nil, nil, logging.Discard())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	get(t, ts.URL+"/api/runs", http.StatusServiceUnavailable, nil)
	get(t, ts.URL+"/api/jobs", http.StatusServiceUnavailable, nil)
}

func TestServeStopsOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	s := New(ln.Addr().String(), nil, nil, nil, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	get(t, "http://"+ln.Addr().String()+"/api/health", http.StatusOK, nil)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v, want nil", err)
		}
	case <-time.After(shutdownGrace + time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}

func TestStartBindFailureKeepsRunning(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	defer ln.Close()

	s := New(ln.Addr().String(), nil, nil, nil, logging.Discard())
	if err := s.Start(context.Background()); err != nil {
		t.Errorf("Start() error = %v, want nil on bind failure", err)
	}
}
