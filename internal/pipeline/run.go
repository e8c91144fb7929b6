package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/gantry-ops/gantry/internal/exec"
)

type VerdictKind string

const (
	VerdictCompleted      VerdictKind = "completed"
	VerdictAborted        VerdictKind = "aborted"
	VerdictTargetNotFound VerdictKind = "target_not_found"
)

// Verdict is the final state of a run. Stage is the 1-based number of the
// stage the run aborted at; zero for the other kinds.
type Verdict struct {
	Kind  VerdictKind `json:"kind"`
	Stage int         `json:"stage,omitempty"`
}

func (v Verdict) String() string {
	if v.Kind == VerdictAborted {
		return fmt.Sprintf("aborted_at_stage(%d)", v.Stage)
	}
	return string(v.Kind)
}

// StageResult records one attempted stage. Exactly one of Outcome and
// RenderError is meaningful: a render error means no command was ever
// dispatched for this stage.
type StageResult struct {
	Stage       string       `json:"stage_name"`
	Outcome     exec.Outcome `json:"outcome"`
	RenderError string       `json:"render_error,omitempty"`
	Cancelled   bool         `json:"cancelled,omitempty"`
	Started     time.Time    `json:"started"`
	Finished    time.Time    `json:"finished"`
}

// Run is the immutable record of one orchestration attempt against one
// target. A new deployment always creates a new run; past runs are never
// mutated.
type Run struct {
	ID       string        `json:"id"`
	ImageRef string        `json:"image_ref"`
	TargetID string        `json:"target_id,omitempty"`
	Started  time.Time     `json:"started"`
	Finished time.Time     `json:"finished"`
	Stages   []StageResult `json:"stages"`
	Verdict  Verdict       `json:"verdict"`
}

// Completed reports whether every stage passed.
func (r *Run) Completed() bool { return r.Verdict.Kind == VerdictCompleted }

// Report serializes the run as the externally visible artifact: the ordered
// stage records plus the final verdict.
func (r *Run) Report() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
