// Package protocol defines the JSON-over-stdio protocol between the
// controller and the simforge-agent remote execution helper.
//
// The agent announces READY, receives exactly one JOB, streams EVENT
// messages while the job runs, and terminates after emitting RESULT.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies a protocol message.
type MessageType string

const (
	// MessageTypeReady announces the agent is ready for its job.
	MessageTypeReady MessageType = "READY"
	// MessageTypeJob carries the execution job from the controller.
	MessageTypeJob MessageType = "JOB"
	// MessageTypeEvent carries a progress event from the agent.
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeResult carries the terminal execution result.
	MessageTypeResult MessageType = "RESULT"
)

// Message is the envelope for all protocol messages, one per line.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Ready is sent once on agent startup.
type Ready struct {
	Version  string `json:"version"`
	Platform string `json:"platform"`
	Arch     string `json:"arch"`
	PID      int    `json:"pid"`
}

// Job describes one script execution.
type Job struct {
	// ID correlates events and the result with this job.
	ID string `json:"id"`

	// Interpreter is the backend interpreter binary on the agent host.
	Interpreter string `json:"interpreter"`

	// Args are passed to the interpreter before the script path.
	Args []string `json:"args,omitempty"`

	// ScriptPath is the previously uploaded script file.
	ScriptPath string `json:"script_path"`

	// WorkDir is the working directory for the child process.
	WorkDir string `json:"work_dir,omitempty"`

	// Env entries are appended to the agent's environment.
	Env map[string]string `json:"env,omitempty"`

	// TimeoutSeconds bounds the execution; 0 means no agent-side bound.
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
}

// Validate checks the job fields the agent cannot default.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.Interpreter == "" {
		return fmt.Errorf("interpreter is required")
	}
	if j.ScriptPath == "" {
		return fmt.Errorf("script path is required")
	}
	if j.TimeoutSeconds < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// Event is a progress notice emitted while the job runs.
type Event struct {
	JobID   string `json:"job_id"`
	Level   string `json:"level"`
	Message string `json:"message"`
}

// Validate checks and defaults the event fields.
func (e *Event) Validate() error {
	if e.JobID == "" {
		return fmt.Errorf("job ID is required")
	}
	if e.Level == "" {
		e.Level = "info"
	}
	switch e.Level {
	case "debug", "info", "warn":
		return nil
	default:
		return fmt.Errorf("invalid event level: %s", e.Level)
	}
}

// Result is the terminal message for a job. A nonzero exit code is a
// normal result; Error is set only when the interpreter could not be
// started at all.
type Result struct {
	JobID           string  `json:"job_id"`
	ExitCode        int     `json:"exit_code"`
	Stdout          string  `json:"stdout,omitempty"`
	Stderr          string  `json:"stderr,omitempty"`
	Cancelled       bool    `json:"cancelled,omitempty"`
	DurationSeconds float64 `json:"duration_seconds"`
	Error           string  `json:"error,omitempty"`
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeJob, MessageTypeEvent, MessageTypeResult:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}
