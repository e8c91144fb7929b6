// Package exec is the remote execution client: it sends rendered scripts to a
// target's agent and resolves handles to terminal outcomes. It knows nothing
// about deployment stages.
package exec

import (
	"context"
	"fmt"
	"time"

	"github.com/gantry-ops/gantry/internal/fleet"
)

// Status classifies a terminal command outcome. Execution-time problems are
// data, not errors: a failed or timed-out command is an expected result of a
// distributed operation.
type Status string

const (
	StatusSuccess     Status = "success"
	StatusFailure     Status = "failure"
	StatusTimedOut    Status = "timed_out"
	StatusUnreachable Status = "target_unreachable"
)

// Handle correlates a status poll with the dispatch that produced it. One
// handle per dispatch; handles are never reused.
type Handle struct {
	ID       string
	TargetID string
	Addr     string
}

// Outcome is the terminal result of a dispatched command. Immutable once
// produced; polling a finished handle yields the identical outcome.
type Outcome struct {
	Status    Status `json:"status"`
	ExitCode  int    `json:"exit_code"`
	Output    string `json:"output"`
	Truncated bool   `json:"truncated,omitempty"`
}

// DispatchError means the target could not accept the command at send time.
type DispatchError struct {
	TargetID string
	Err      error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch to %s: %v", e.TargetID, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// Client dispatches commands and polls for completion.
//
// Dispatch must not block for command completion. The timeout is the caller's
// polling budget for the command; implementations forward it so the remote
// side does not kill the command on a shorter clock of its own. Poll blocks
// until the command reaches a terminal state or timeout elapses; a timeout is
// reported as a TimedOut outcome, not an error, and does not invalidate the
// handle.
type Client interface {
	Dispatch(ctx context.Context, target fleet.Target, script string, timeout time.Duration) (Handle, error)
	Poll(ctx context.Context, handle Handle, timeout time.Duration) (Outcome, error)
}
