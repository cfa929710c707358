// Package job models one allocation on this node: its identity, owner,
// time limit and on-disk spool state.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"
)

var (
	ErrInvalidJob    = errors.New("invalid job")
	ErrInvalidScript = errors.New("invalid batch script")
	ErrInvalidStep   = errors.New("invalid job step")
)

// DefaultPath is the PATH every job and step starts with.
const DefaultPath = "/bin:/sbin:/usr/bin:/usr/sbin"

var idPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// ValidID reports whether id is safe to use as a path component.
func ValidID(id string) bool {
	return idPattern.MatchString(id)
}

// Job is one allocation. Environment is only held between allocation and
// WriteEnvironment; afterwards it lives on disk only.
type Job struct {
	ID          string
	Username    string
	TimeOut     *time.Duration
	CreatedTime time.Duration // CLOCK_MONOTONIC at creation

	Environment map[string]string

	rawEnv  json.RawMessage
	account *Account
}

// New builds a job from an allocation request. env is the raw JSON value of
// the request's environment; it is checked by Validate.
func New(id, username string, env json.RawMessage, timeLimit *int64) *Job {
	j := &Job{
		ID:          id,
		Username:    username,
		CreatedTime: Now(),
		rawEnv:      env,
	}
	if timeLimit != nil {
		d := time.Duration(*timeLimit) * time.Second
		j.TimeOut = &d
	}
	return j
}

// Validate checks the identifier, the environment shape and the owner
// account. It must pass before anything is written or spawned for the job.
func (j *Job) Validate(users Resolver) error {
	if !ValidID(j.ID) {
		return fmt.Errorf("%w: malformed id %q", ErrInvalidJob, j.ID)
	}
	if j.TimeOut != nil && *j.TimeOut < 0 {
		return fmt.Errorf("%w: negative time limit", ErrInvalidJob)
	}
	if j.rawEnv != nil || j.Environment == nil {
		env, err := parseEnvironment(j.rawEnv)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidJob, err)
		}
		j.Environment = env
		j.rawEnv = nil
	}
	account, err := users.Resolve(j.Username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	j.account = account
	return nil
}

func parseEnvironment(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, errors.New("environment must be a mapping")
	}
	var env map[string]string
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("environment must be a mapping of strings: %v", err)
	}
	return env, nil
}

// Account returns the owner resolved by Validate, or nil.
func (j *Job) Account() *Account { return j.account }

// Resolve looks up the owner account for jobs restored from a snapshot.
func (j *Job) Resolve(users Resolver) error {
	account, err := users.Resolve(j.Username)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidJob, err)
	}
	j.account = account
	return nil
}

// Elapsed returns how long the job has existed at monotonic time now.
func (j *Job) Elapsed(now time.Duration) time.Duration {
	return now - j.CreatedTime
}

// Expired reports whether the job's time limit has passed at now.
func (j *Job) Expired(now time.Duration) bool {
	return j.TimeOut != nil && j.Elapsed(now) >= *j.TimeOut
}

// Remaining returns the time left before expiry; ok is false for unlimited jobs.
func (j *Job) Remaining(now time.Duration) (d time.Duration, ok bool) {
	if j.TimeOut == nil {
		return 0, false
	}
	return *j.TimeOut - j.Elapsed(now), true
}

// WriteEnvironment stores the environment in the job's spool directory and
// drops the in-memory copy.
func (j *Job) WriteEnvironment(layout Layout) error {
	if err := os.MkdirAll(layout.Dir(j.ID), 0o755); err != nil {
		return fmt.Errorf("failed to create job dir: %w", err)
	}
	env := j.Environment
	if env == nil {
		env = map[string]string{}
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode environment: %w", err)
	}
	if err := os.WriteFile(layout.Environment(j.ID), data, 0o600); err != nil {
		return fmt.Errorf("failed to write environment: %w", err)
	}
	j.Environment = nil
	return nil
}

// ReadEnvironment loads the environment written by WriteEnvironment. A
// missing file yields an empty environment.
func (j *Job) ReadEnvironment(layout Layout) (map[string]string, error) {
	data, err := os.ReadFile(layout.Environment(j.ID))
	if os.IsNotExist(err) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read environment: %w", err)
	}
	var env map[string]string
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("failed to decode environment: %w", err)
	}
	return env, nil
}

// ExecEnv returns the complete environment for a child of this job: the
// stored job environment, then extra, then the variables derived from the
// owner account, which always win.
func (j *Job) ExecEnv(layout Layout, extra map[string]string) ([]string, error) {
	if j.account == nil {
		return nil, fmt.Errorf("%w: account not resolved", ErrInvalidJob)
	}
	env, err := j.ReadEnvironment(layout)
	if err != nil {
		return nil, err
	}
	for k, v := range extra {
		env[k] = v
	}
	env["HOME"] = j.account.HomeDir
	env["LOGNAME"] = j.account.Username
	env["PATH"] = DefaultPath
	env["USER"] = j.account.Username

	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out, nil
}

// RemoveState deletes the job's spool directory.
func (j *Job) RemoveState(layout Layout) error {
	return os.RemoveAll(layout.Dir(j.ID))
}

// Record is the persisted form of a job. The environment is not part of it.
type Record struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	TimeOut     *int64 `json:"time_out"`     // seconds
	CreatedTime int64  `json:"created_time"` // CLOCK_MONOTONIC nanoseconds
}

// Record returns the persisted form of j.
func (j *Job) Record() Record {
	r := Record{ID: j.ID, Username: j.Username, CreatedTime: int64(j.CreatedTime)}
	if j.TimeOut != nil {
		secs := int64(*j.TimeOut / time.Second)
		r.TimeOut = &secs
	}
	return r
}

// FromRecord rebuilds a job from its persisted form.
func FromRecord(r Record) *Job {
	j := &Job{ID: r.ID, Username: r.Username, CreatedTime: time.Duration(r.CreatedTime)}
	if r.TimeOut != nil {
		d := time.Duration(*r.TimeOut) * time.Second
		j.TimeOut = &d
	}
	return j
}
