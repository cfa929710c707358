package history

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	// runsBucket holds one sub-bucket per job, keyed by run_id.
	runsBucket = "runs"
	// runIndexBucket maps run_id to job_id.
	runIndexBucket = "run_index"

	lockTimeout = 5 * time.Second
)

// BoltStore implements Store with BoltDB. bbolt holds an exclusive file
// lock while a database is open, so the file is opened for each
// transaction and closed straight after.
type BoltStore struct {
	path string
}

// NewBoltStore creates the database at path if needed.
func NewBoltStore(path string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history dir: %w", err)
	}
	s := &BoltStore{path: path}
	err := s.update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(runsBucket)); err != nil {
			return fmt.Errorf("create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(runIndexBucket)); err != nil {
			return fmt.Errorf("create run_index bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (s *BoltStore) open(readOnly bool) (*bolt.DB, error) {
	db, err := bolt.Open(s.path, 0o600, &bolt.Options{Timeout: lockTimeout, ReadOnly: readOnly})
	if err != nil {
		return nil, fmt.Errorf("failed to open boltdb at %s: %w", s.path, err)
	}
	return db, nil
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(false)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	db, err := s.open(true)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.View(fn)
}

// SaveRun persists a run record.
func (s *BoltStore) SaveRun(run *Run) error {
	if err := validate(run); err != nil {
		return err
	}
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	return s.update(func(tx *bolt.Tx) error {
		runs := tx.Bucket([]byte(runsBucket))
		index := tx.Bucket([]byte(runIndexBucket))

		jobBucket, err := runs.CreateBucketIfNotExists([]byte(run.JobID))
		if err != nil {
			return fmt.Errorf("create job bucket %s: %w", run.JobID, err)
		}
		if err := jobBucket.Put([]byte(run.RunID), data); err != nil {
			return fmt.Errorf("put run in job bucket: %w", err)
		}
		if err := index.Put([]byte(run.RunID), []byte(run.JobID)); err != nil {
			return fmt.Errorf("put run index: %w", err)
		}
		return nil
	})
}

// GetRun retrieves a specific run by its ID.
func (s *BoltStore) GetRun(runID string) (*Run, error) {
	if runID == "" {
		return nil, fmt.Errorf("run_id is required")
	}

	var run *Run
	err := s.view(func(tx *bolt.Tx) error {
		jobID := tx.Bucket([]byte(runIndexBucket)).Get([]byte(runID))
		if jobID == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		jobBucket := tx.Bucket([]byte(runsBucket)).Bucket(jobID)
		if jobBucket == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		data := jobBucket.Get([]byte(runID))
		if data == nil {
			return fmt.Errorf("%w: %s", ErrNotFound, runID)
		}
		run = &Run{}
		return json.Unmarshal(data, run)
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

func collect(b *bolt.Bucket, runs []*Run) ([]*Run, error) {
	err := b.ForEach(func(k, v []byte) error {
		run := &Run{}
		if err := json.Unmarshal(v, run); err != nil {
			return fmt.Errorf("unmarshal run %s: %w", string(k), err)
		}
		runs = append(runs, run)
		return nil
	})
	return runs, err
}

// GetJobRuns retrieves the most recent runs of one job.
func (s *BoltStore) GetJobRuns(jobID string, limit int) ([]*Run, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job_id is required")
	}

	var runs []*Run
	err := s.view(func(tx *bolt.Tx) error {
		jobBucket := tx.Bucket([]byte(runsBucket)).Bucket([]byte(jobID))
		if jobBucket == nil {
			return nil
		}
		var err error
		runs, err = collect(jobBucket, runs)
		return err
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(runs, limit), nil
}

// GetAllRuns retrieves the most recent runs across all jobs.
func (s *BoltStore) GetAllRuns(limit int) ([]*Run, error) {
	var runs []*Run
	err := s.view(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(runsBucket))
		return root.ForEach(func(jobID, _ []byte) error {
			jobBucket := root.Bucket(jobID)
			if jobBucket == nil {
				return nil
			}
			var err error
			runs, err = collect(jobBucket, runs)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return newestFirst(runs, limit), nil
}

// Prune keeps the newest keep runs of each job.
func (s *BoltStore) Prune(keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	removed := 0
	err := s.update(func(tx *bolt.Tx) error {
		root := tx.Bucket([]byte(runsBucket))
		index := tx.Bucket([]byte(runIndexBucket))

		var jobIDs [][]byte
		if err := root.ForEach(func(jobID, _ []byte) error {
			jobIDs = append(jobIDs, append([]byte(nil), jobID...))
			return nil
		}); err != nil {
			return err
		}

		for _, jobID := range jobIDs {
			jobBucket := root.Bucket(jobID)
			if jobBucket == nil {
				continue
			}
			runs, err := collect(jobBucket, nil)
			if err != nil {
				return err
			}
			for _, runID := range expired(runs, keep) {
				if err := jobBucket.Delete([]byte(runID)); err != nil {
					return err
				}
				if err := index.Delete([]byte(runID)); err != nil {
					return err
				}
				removed++
			}
		}
		return nil
	})
	return removed, err
}

// Close is a no-op; the database is only open during a transaction.
func (s *BoltStore) Close() error {
	return nil
}
