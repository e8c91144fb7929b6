package pipeline

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-ops/gantry/internal/exec"
	"github.com/gantry-ops/gantry/internal/fleet"
	"github.com/gantry-ops/gantry/internal/script"
	"github.com/gantry-ops/gantry/internal/telemetry"
)

// StageRunner executes one stage against one target: render, dispatch, poll,
// classify. It performs no retries of its own; retry policy lives in the
// orchestrator where it is visible and testable.
type StageRunner struct {
	Exec exec.Client
}

// Run returns the stage outcome, or an error only for render failures (a
// local configuration defect, surfaced before any remote call). An
// unreachable target at dispatch time becomes a TargetUnreachable outcome.
// A non-nil ctx error alongside an outcome means the poll was interrupted by
// cancellation after the command was already dispatched.
func (r *StageRunner) Run(ctx context.Context, target fleet.Target, stage Stage, bindings script.Bindings) (exec.Outcome, error) {
	rendered, err := stage.Script.Render(bindings)
	if err != nil {
		return exec.Outcome{}, err
	}

	start := time.Now()
	handle, err := r.Exec.Dispatch(ctx, target, rendered.Script, stage.Timeout)
	if err != nil {
		var de *exec.DispatchError
		if errors.As(err, &de) {
			log.Warn().Str("target", target.ID).Str("stage", stage.Name).Err(de.Err).Msg("target unreachable at dispatch")
			return exec.Outcome{Status: exec.StatusUnreachable}, nil
		}
		return exec.Outcome{}, err
	}
	log.Debug().
		Str("target", target.ID).
		Str("stage", stage.Name).
		Str("command_id", handle.ID).
		Dur("timeout", stage.Timeout).
		Msg("stage dispatched")

	outcome, pollErr := r.Exec.Poll(ctx, handle, stage.Timeout)
	telemetry.TimeGlobal("gantry_stage_duration", time.Since(start), map[string]string{
		"stage":  stage.Name,
		"status": string(outcome.Status),
	})

	// Success predicate: successful exit plus the stage's output marker.
	if outcome.Status == exec.StatusSuccess && stage.Marker != "" && !strings.Contains(outcome.Output, stage.Marker) {
		log.Warn().Str("stage", stage.Name).Str("marker", stage.Marker).Msg("success marker missing from output")
		outcome.Status = exec.StatusFailure
	}
	return outcome, pollErr
}
