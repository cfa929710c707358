package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sys/unix"
)

// JSONStore implements Store with a single JSON file. Every operation takes
// an advisory lock on a sibling lock file and re-reads the file, so writes
// from other processes are never lost.
type JSONStore struct {
	path string
	mu   sync.Mutex
}

// jsonPersistence is the on-disk format for the JSON store.
type jsonPersistence struct {
	Runs []*Run `json:"runs"`
}

// NewJSONStore creates a JSON file-backed store at path. An existing file
// must be readable.
func NewJSONStore(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	s := &JSONStore{path: path}
	if err := s.locked(unix.LOCK_SH, func(map[string]*Run) (bool, error) { return false, nil }); err != nil {
		return nil, fmt.Errorf("load existing data: %w", err)
	}
	return s, nil
}

// locked runs fn over the current runs while holding the file lock. If fn
// reports a change, the runs are written back before the lock is released.
func (s *JSONStore) locked(how int, fn func(runs map[string]*Run) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := os.OpenFile(s.path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}
	defer lock.Close()
	if err := unix.Flock(int(lock.Fd()), how); err != nil {
		return fmt.Errorf("lock %s: %w", s.path, err)
	}
	defer unix.Flock(int(lock.Fd()), unix.LOCK_UN)

	runs, err := s.load()
	if err != nil {
		return err
	}
	changed, err := fn(runs)
	if err != nil || !changed {
		return err
	}
	return s.save(runs)
}

// load reads the JSON file. A missing file is an empty history.
func (s *JSONStore) load() (map[string]*Run, error) {
	runs := make(map[string]*Run)
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return runs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var persist jsonPersistence
	if err := json.Unmarshal(data, &persist); err != nil {
		return nil, fmt.Errorf("unmarshal json: %w", err)
	}
	for _, run := range persist.Runs {
		runs[run.RunID] = run
	}
	return runs, nil
}

// save writes the runs to a temp file and renames it over the store.
func (s *JSONStore) save(runs map[string]*Run) error {
	list := make([]*Run, 0, len(runs))
	for _, run := range runs {
		list = append(list, run)
	}

	data, err := json.MarshalIndent(jsonPersistence{Runs: newestFirst(list, len(list))}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal json: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// SaveRun persists a run record.
func (s *JSONStore) SaveRun(run *Run) error {
	if err := validate(run); err != nil {
		return err
	}
	return s.locked(unix.LOCK_EX, func(runs map[string]*Run) (bool, error) {
		runs[run.RunID] = run
		return true, nil
	})
}

// GetRun retrieves a specific run by its ID.
func (s *JSONStore) GetRun(runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}
	var found *Run
	err := s.locked(unix.LOCK_SH, func(runs map[string]*Run) (bool, error) {
		found = runs[runID]
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, runID)
	}
	return found, nil
}

// GetJobRuns retrieves the most recent runs of one job.
func (s *JSONStore) GetJobRuns(jobID string, limit int) ([]*Run, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}
	var out []*Run
	err := s.locked(unix.LOCK_SH, func(runs map[string]*Run) (bool, error) {
		for _, run := range runs {
			if run.JobID == jobID {
				out = append(out, run)
			}
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(out, limit), nil
}

// GetAllRuns retrieves the most recent runs across all jobs.
func (s *JSONStore) GetAllRuns(limit int) ([]*Run, error) {
	var out []*Run
	err := s.locked(unix.LOCK_SH, func(runs map[string]*Run) (bool, error) {
		for _, run := range runs {
			out = append(out, run)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(out, limit), nil
}

// Prune keeps the newest keep runs of each job.
func (s *JSONStore) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	removed := 0
	err := s.locked(unix.LOCK_EX, func(runs map[string]*Run) (bool, error) {
		byJob := make(map[string][]*Run)
		for _, run := range runs {
			byJob[run.JobID] = append(byJob[run.JobID], run)
		}
		for _, jobRuns := range byJob {
			for _, id := range expired(jobRuns, keep) {
				delete(runs, id)
				removed++
			}
		}
		return removed > 0, nil
	})
	return removed, err
}

// Close is a no-op; no file is held open between operations.
func (s *JSONStore) Close() error {
	return nil
}
