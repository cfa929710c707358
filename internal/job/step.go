package job

import (
	"encoding/json"
	"fmt"
	"os"
)

// Step is an interactive execution inside a job's allocation.
type Step struct {
	JobID       string            `json:"job_id"`
	ID          string            `json:"step_id"`
	Path        string            `json:"path"`
	Arguments   []string          `json:"arguments"`
	PTY         bool              `json:"pty"`
	Environment map[string]string `json:"environment"`
}

// NewStep builds a step from RUN_STEP fields.
func NewStep(jobID, stepID, path string, arguments, env json.RawMessage, pty bool) (*Step, error) {
	s := &Step{JobID: jobID, ID: stepID, Path: path, PTY: pty}
	if len(arguments) > 0 && string(arguments) != "null" {
		args, err := ParseArguments(arguments)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidStep, err)
		}
		s.Arguments = args
	}
	if len(env) > 0 && string(env) != "null" {
		if err := json.Unmarshal(env, &s.Environment); err != nil {
			return nil, fmt.Errorf("%w: environment must be a mapping of strings", ErrInvalidStep)
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the identifiers and command of the step.
func (s *Step) Validate() error {
	switch {
	case !ValidID(s.JobID):
		return fmt.Errorf("%w: malformed job id %q", ErrInvalidStep, s.JobID)
	case !ValidID(s.ID):
		return fmt.Errorf("%w: malformed step id %q", ErrInvalidStep, s.ID)
	case s.Path == "":
		return fmt.Errorf("%w: missing path", ErrInvalidStep)
	}
	return nil
}

// Name identifies the step to the controller as "<job>.<step>".
func (s *Step) Name() string {
	return s.JobID + "." + s.ID
}

// StepRequest is what jobd hands to a stepd process.
type StepRequest struct {
	Job  Record `json:"job"`
	Step Step   `json:"step"`
}

// WriteRequestFile writes v as JSON readable only by the agent user.
func WriteRequestFile(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write request: %w", err)
	}
	return nil
}

// ReadRequestFile decodes a file written by WriteRequestFile into v.
func ReadRequestFile(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read request: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode request %s: %w", path, err)
	}
	return nil
}
