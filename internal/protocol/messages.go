// Package protocol defines the JSON messages exchanged with the controller.
// Every frame is one JSON object carrying a "command" tag.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformed is returned by Decode for frames that cannot be answered: not
// a JSON object with a command, or a known command without a job id.
var ErrMalformed = errors.New("malformed message")

// Command is the tag of a protocol message.
type Command string

const (
	CommandConnected      Command = "CONNECTED"
	CommandJobdConnected  Command = "JOBD_CONNECTED"
	CommandStepdConnected Command = "STEPD_CONNECTED"

	CommandJobAllocated   Command = "JOB_ALLOCATED"
	CommandJobDeallocated Command = "JOB_DEALLOCATED"
	CommandRunScript      Command = "RUN_SCRIPT"
	CommandRunStep        Command = "RUN_STEP"
	CommandJobCancelled   Command = "JOB_CANCELLED"

	CommandJobAllocationFailed    Command = "JOB_ALLOCATION_FAILED"
	CommandNodeCompletedJob       Command = "NODE_COMPLETED_JOB"
	CommandNodeFailedJob          Command = "NODE_FAILED_JOB"
	CommandNodeCompletedArrayTask Command = "NODE_COMPLETED_ARRAY_TASK"
	CommandNodeFailedArrayTask    Command = "NODE_FAILED_ARRAY_TASK"
	CommandJobTimedOut            Command = "JOB_TIMED_OUT"
	CommandNodeDeallocated        Command = "NODE_DEALLOCATED"
	CommandRunStepStarted         Command = "RUN_STEP_STARTED"
	CommandRunStepCompleted       Command = "RUN_STEP_COMPLETED"
	CommandRunStepFailed          Command = "RUN_STEP_FAILED"
)

// Inbound is a decoded controller message. The concrete type is one of
// JobAllocated, JobDeallocated, RunScript, RunStep, JobCancelled, Malformed
// or Unknown.
type Inbound interface {
	Command() Command
}

// JobAllocated assigns a job to this node. Environment is kept raw so that
// a non-object value can be rejected as an invalid job rather than as a
// malformed frame.
type JobAllocated struct {
	JobID       string          `json:"job_id"`
	Username    string          `json:"username"`
	Environment json.RawMessage `json:"environment"`
	TimeLimit   *int64          `json:"time_limit"` // seconds, nil for unlimited
}

// maxTimeLimit keeps a time limit in seconds convertible to a time.Duration.
const maxTimeLimit = math.MaxInt64 / int64(time.Second)

// UnmarshalJSON accepts any JSON number as time_limit and rounds it to whole
// seconds. Fields that decode are kept even when time_limit does not.
func (m *JobAllocated) UnmarshalJSON(data []byte) error {
	type fields JobAllocated
	var aux struct {
		fields
		TimeLimit *float64 `json:"time_limit"`
	}
	err := json.Unmarshal(data, &aux)
	*m = JobAllocated(aux.fields)
	m.TimeLimit = nil
	if aux.TimeLimit != nil {
		secs := math.Round(*aux.TimeLimit)
		if math.Abs(secs) > float64(maxTimeLimit) {
			return errors.Join(err, fmt.Errorf("time_limit %g out of range", *aux.TimeLimit))
		}
		limit := int64(secs)
		m.TimeLimit = &limit
	}
	return err
}

// JobDeallocated releases a job once its runners have finished.
type JobDeallocated struct {
	JobID string `json:"job_id"`
}

// RunScript starts the job's batch script. ArrayJobID and ArrayTaskID are
// set when the script is one task of an array job.
type RunScript struct {
	JobID       string          `json:"job_id"`
	Script      string          `json:"script"`
	Arguments   json.RawMessage `json:"arguments"`
	StdoutPath  string          `json:"stdout_path"`
	StderrPath  string          `json:"stderr_path"`
	ArrayJobID  string          `json:"array_job_id,omitempty"`
	ArrayTaskID string          `json:"array_task_id,omitempty"`
}

// RunStep starts an interactive step.
type RunStep struct {
	JobID       string          `json:"job_id"`
	StepID      string          `json:"step_id"`
	Path        string          `json:"path"`
	Arguments   json.RawMessage `json:"arguments"`
	PTY         bool            `json:"pty"`
	Environment json.RawMessage `json:"environment"`
}

// JobCancelled stops all work of a job.
type JobCancelled struct {
	JobID string `json:"job_id"`
}

// Malformed is a known command whose fields did not all decode. Partial is
// the message as far as it could be read and always carries a job id.
type Malformed struct {
	Partial Inbound
	Err     error
}

// Failure returns the report that answers m, for the commands that have one.
func (m Malformed) Failure() (Outbound, bool) {
	switch p := m.Partial.(type) {
	case JobAllocated:
		return NewJobEvent(CommandJobAllocationFailed, p.JobID), true
	case RunScript:
		return ScriptFinished(p, false), true
	case RunStep:
		return NewStepEvent(CommandRunStepFailed, p.JobID, p.StepID), true
	}
	return nil, false
}

// Unknown is any well-formed message with an unrecognised command.
type Unknown struct {
	Cmd Command
	Raw json.RawMessage
}

func (JobAllocated) Command() Command   { return CommandJobAllocated }
func (JobDeallocated) Command() Command { return CommandJobDeallocated }
func (RunScript) Command() Command      { return CommandRunScript }
func (RunStep) Command() Command        { return CommandRunStep }
func (JobCancelled) Command() Command   { return CommandJobCancelled }
func (m Malformed) Command() Command    { return m.Partial.Command() }
func (u Unknown) Command() Command      { return u.Cmd }

type envelope struct {
	Command Command `json:"command"`
}

// Decode parses one inbound frame. A known command with bad fields decodes
// to Malformed so the caller can still answer it, provided its job id is
// readable.
func Decode(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Command == "" {
		return nil, fmt.Errorf("%w: missing command", ErrMalformed)
	}

	var (
		msg Inbound
		err error
	)
	switch env.Command {
	case CommandJobAllocated:
		var m JobAllocated
		err = json.Unmarshal(data, &m)
		msg = m
	case CommandJobDeallocated:
		var m JobDeallocated
		err = json.Unmarshal(data, &m)
		msg = m
	case CommandRunScript:
		var m RunScript
		err = json.Unmarshal(data, &m)
		msg = m
	case CommandRunStep:
		var m RunStep
		err = json.Unmarshal(data, &m)
		msg = m
	case CommandJobCancelled:
		var m JobCancelled
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		return Unknown{Cmd: env.Command, Raw: append(json.RawMessage(nil), data...)}, nil
	}
	if err == nil {
		return msg, nil
	}
	if JobIDOf(msg) == "" {
		return nil, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Command, err)
	}
	return Malformed{Partial: msg, Err: err}, nil
}

// JobIDOf returns the job id carried by an inbound message, if any. It is
// used to answer a message that failed before it could be handled.
func JobIDOf(msg Inbound) string {
	switch m := msg.(type) {
	case JobAllocated:
		return m.JobID
	case JobDeallocated:
		return m.JobID
	case RunScript:
		return m.JobID
	case RunStep:
		return m.JobID
	case JobCancelled:
		return m.JobID
	case Malformed:
		return JobIDOf(m.Partial)
	}
	return ""
}

// Outbound is a message sent to the controller.
type Outbound interface {
	Command() Command
}

// Connected is the agent's handshake.
type Connected struct {
	Cmd       Command `json:"command"`
	AuthToken string  `json:"auth_token"`
	Name      string  `json:"name"`
	CPUs      int     `json:"cpus"`
	GPUs      int     `json:"gpus"`
	Memory    int64   `json:"memory"`
}

// JobdConnected is a jobd's handshake. Reconnect is true on every
// connection after the first.
type JobdConnected struct {
	Cmd       Command `json:"command"`
	AuthToken string  `json:"auth_token"`
	JobID     string  `json:"job_id"`
	Reconnect bool    `json:"reconnect"`
}

// StepdConnected is a stepd's handshake; Name is "<job>.<step>".
type StepdConnected struct {
	Cmd       Command `json:"command"`
	AuthToken string  `json:"auth_token"`
	Name      string  `json:"name"`
}

// JobEvent reports a job-level outcome.
type JobEvent struct {
	Cmd   Command `json:"command"`
	JobID string  `json:"job_id"`
}

// ArrayTaskEvent reports the outcome of one array task.
type ArrayTaskEvent struct {
	Cmd         Command `json:"command"`
	ArrayJobID  string  `json:"array_job_id"`
	ArrayTaskID string  `json:"array_task_id"`
}

// StepStarted announces the port a step's client should connect to.
type StepStarted struct {
	Cmd    Command `json:"command"`
	JobID  string  `json:"job_id"`
	StepID string  `json:"step_id"`
	Port   int     `json:"port"`
}

// StepEvent reports a step outcome.
type StepEvent struct {
	Cmd    Command `json:"command"`
	JobID  string  `json:"job_id"`
	StepID string  `json:"step_id"`
}

func (m Connected) Command() Command      { return m.Cmd }
func (m JobdConnected) Command() Command  { return m.Cmd }
func (m StepdConnected) Command() Command { return m.Cmd }
func (m JobEvent) Command() Command       { return m.Cmd }
func (m ArrayTaskEvent) Command() Command { return m.Cmd }
func (m StepStarted) Command() Command    { return m.Cmd }
func (m StepEvent) Command() Command      { return m.Cmd }

func NewConnected(token, name string, cpus, gpus int, memory int64) Connected {
	return Connected{Cmd: CommandConnected, AuthToken: token, Name: name, CPUs: cpus, GPUs: gpus, Memory: memory}
}

func NewJobdConnected(token, jobID string, reconnect bool) JobdConnected {
	return JobdConnected{Cmd: CommandJobdConnected, AuthToken: token, JobID: jobID, Reconnect: reconnect}
}

func NewStepdConnected(token, name string) StepdConnected {
	return StepdConnected{Cmd: CommandStepdConnected, AuthToken: token, Name: name}
}

func NewJobEvent(cmd Command, jobID string) JobEvent {
	return JobEvent{Cmd: cmd, JobID: jobID}
}

func NewStepStarted(jobID, stepID string, port int) StepStarted {
	return StepStarted{Cmd: CommandRunStepStarted, JobID: jobID, StepID: stepID, Port: port}
}

func NewStepEvent(cmd Command, jobID, stepID string) StepEvent {
	return StepEvent{Cmd: cmd, JobID: jobID, StepID: stepID}
}

// ScriptFinished builds the report for a finished batch script, using the
// array task variant when the script belongs to an array job.
func ScriptFinished(msg RunScript, success bool) Outbound {
	if msg.ArrayJobID != "" {
		cmd := CommandNodeFailedArrayTask
		if success {
			cmd = CommandNodeCompletedArrayTask
		}
		return ArrayTaskEvent{Cmd: cmd, ArrayJobID: msg.ArrayJobID, ArrayTaskID: msg.ArrayTaskID}
	}
	cmd := CommandNodeFailedJob
	if success {
		cmd = CommandNodeCompletedJob
	}
	return NewJobEvent(cmd, msg.JobID)
}

// Encode serialises an outbound message.
func Encode(msg Outbound) ([]byte, error) {
	return json.Marshal(msg)
}
