package job

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// BatchScript is the body and redirections of a RUN_SCRIPT request.
type BatchScript struct {
	Body       string
	Arguments  []string
	StdoutPath string
	StderrPath string
}

// NewBatchScript builds a script from request fields. arguments must be a
// JSON list of strings.
func NewBatchScript(body string, arguments json.RawMessage, stdout, stderr string) (*BatchScript, error) {
	args, err := ParseArguments(arguments)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	s := &BatchScript{Body: body, Arguments: args, StdoutPath: stdout, StderrPath: stderr}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks the script before anything is written to disk.
func (s *BatchScript) Validate() error {
	switch {
	case s.Body == "":
		return fmt.Errorf("%w: empty script", ErrInvalidScript)
	case !strings.HasPrefix(s.Body, "#!"):
		return fmt.Errorf("%w: script must start with #!", ErrInvalidScript)
	case s.StdoutPath == "":
		return fmt.Errorf("%w: missing stdout path", ErrInvalidScript)
	case s.StderrPath == "":
		return fmt.Errorf("%w: missing stderr path", ErrInvalidScript)
	}
	return nil
}

// Write stores the script body as the job's executable job-script.
func (s *BatchScript) Write(layout Layout, jobID string) (string, error) {
	if err := os.MkdirAll(layout.Dir(jobID), 0o755); err != nil {
		return "", fmt.Errorf("failed to create job dir: %w", err)
	}
	path := layout.Script(jobID)
	if err := os.WriteFile(path, []byte(s.Body), 0o755); err != nil {
		return "", fmt.Errorf("failed to write job script: %w", err)
	}
	// WriteFile keeps the mode of an existing file.
	if err := os.Chmod(path, 0o755); err != nil {
		return "", fmt.Errorf("failed to chmod job script: %w", err)
	}
	return path, nil
}

// ParseArguments decodes a JSON list of strings.
func ParseArguments(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, fmt.Errorf("arguments must be a list")
	}
	var args []string
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, fmt.Errorf("arguments must be a list of strings: %v", err)
	}
	return args, nil
}
