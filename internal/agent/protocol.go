package agent

import "time"

type HeartbeatResponse struct {
	Time    time.Time `json:"time"`
	Host    string    `json:"host"`
	Version string    `json:"version"`
}

// CommandRequest submits a script for asynchronous execution. The agent runs
// it under `sh -c` and enforces the timeout server-side.
type CommandRequest struct {
	Script         string `json:"script"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	WorkDir        string `json:"work_dir,omitempty"`
}

// CommandAccepted correlates a dispatch with later status polls.
type CommandAccepted struct {
	ID string `json:"id"`
}

const (
	CommandStateRunning = "running"
	CommandStateExited  = "exited"
)

// CommandStatus is the poll response. Once State is "exited" the payload is
// frozen: polling the same command again returns identical data.
type CommandStatus struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	ExitCode  int       `json:"exit_code"`
	Output    string    `json:"output"`
	Truncated bool      `json:"truncated"`
	TimedOut  bool      `json:"timed_out"`
	Started   time.Time `json:"started"`
	Finished  time.Time `json:"finished,omitempty"`
}
