package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/gantry-ops/gantry/internal/exec"
	"github.com/gantry-ops/gantry/internal/fleet"
	"github.com/gantry-ops/gantry/internal/script"
)

// Orchestrator drives the staged deployment of one image onto one resolved
// target. Stages run strictly in order and the pipeline aborts at the first
// stage that does not pass. No rollback is attempted: rolling back is a new
// deployment with the previous image reference.
type Orchestrator struct {
	Resolver *fleet.Resolver
	Runner   *StageRunner
	Stages   []Stage

	// Base bindings shared by all stages (container name, ports, health
	// path). The image reference is added per run and the whole set is
	// re-rendered for every stage, never cached.
	BaseBindings script.Bindings

	// Resolution retry policy. The resolver itself never retries.
	ResolveAttempts int
	ResolveBackoff  time.Duration

	// Optional persistence for run reports.
	Store *Store
}

// Deploy resolves the selector and runs the stage sequence against the
// chosen target. It always returns a run snapshot, whether the run completed
// or aborted; it never returns an error for execution outcomes.
func (o *Orchestrator) Deploy(ctx context.Context, sel fleet.Selector, imageRef string) *Run {
	run := &Run{
		ID:       uuid.NewString(),
		ImageRef: imageRef,
		Started:  time.Now(),
	}
	logger := log.With().Str("run_id", run.ID).Str("image_ref", imageRef).Logger()

	target, err := o.resolve(ctx, sel)
	if err != nil {
		logger.Warn().Err(err).Msg("target resolution failed")
		run.Verdict = Verdict{Kind: VerdictTargetNotFound}
		o.finish(ctx, run)
		return run
	}
	run.TargetID = target.ID
	logger = logger.With().Str("target", target.ID).Logger()
	logger.Info().Msg("deployment started")

	bindings := o.bindings(imageRef)

	for i, stage := range o.Stages {
		stageNum := i + 1

		if ctx.Err() != nil {
			// Cancelled between stages: record the never-dispatched stage
			// with the cancelled marker and stop.
			logger.Warn().Str("stage", stage.Name).Msg("run cancelled before stage")
			now := time.Now()
			run.Stages = append(run.Stages, StageResult{Stage: stage.Name, Cancelled: true, Started: now, Finished: now})
			run.Verdict = Verdict{Kind: VerdictAborted, Stage: stageNum}
			o.finish(ctx, run)
			return run
		}

		started := time.Now()
		outcome, err := o.Runner.Run(ctx, target, stage, bindings)
		result := StageResult{Stage: stage.Name, Outcome: outcome, Started: started, Finished: time.Now()}

		var re *script.RenderError
		if errors.As(err, &re) {
			// Render failure: a configuration defect. Nothing was dispatched.
			logger.Error().Err(err).Str("stage", stage.Name).Msg("stage could not be rendered")
			result.Outcome = exec.Outcome{}
			result.RenderError = err.Error()
			run.Stages = append(run.Stages, result)
			run.Verdict = Verdict{Kind: VerdictAborted, Stage: stageNum}
			o.finish(ctx, run)
			return run
		}

		if err != nil {
			// The run was cancelled while the stage was in flight. The
			// command could not be un-dispatched; its observed outcome is
			// recorded and the run stops here.
			logger.Warn().Str("stage", stage.Name).Msg("run cancelled during stage")
			result.Cancelled = true
			run.Stages = append(run.Stages, result)
			run.Verdict = Verdict{Kind: VerdictAborted, Stage: stageNum}
			o.finish(ctx, run)
			return run
		}

		run.Stages = append(run.Stages, result)
		logger.Info().
			Str("stage", stage.Name).
			Str("status", string(outcome.Status)).
			Int("exit_code", outcome.ExitCode).
			Msg("stage finished")

		if outcome.Status != exec.StatusSuccess {
			run.Verdict = Verdict{Kind: VerdictAborted, Stage: stageNum}
			o.finish(ctx, run)
			return run
		}
	}

	run.Verdict = Verdict{Kind: VerdictCompleted}
	logger.Info().Msg("deployment completed")
	o.finish(ctx, run)
	return run
}

// resolve applies the orchestrator's retry-with-backoff policy around the
// resolver's single-shot lookup.
func (o *Orchestrator) resolve(ctx context.Context, sel fleet.Selector) (fleet.Target, error) {
	attempts := o.ResolveAttempts
	if attempts <= 0 {
		attempts = 1
	}
	backoff := o.ResolveBackoff
	if backoff <= 0 {
		backoff = time.Second
	}
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fleet.Target{}, ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		target, err := o.Resolver.Resolve(ctx, sel)
		if err == nil {
			return target, nil
		}
		lastErr = err
		var nf *fleet.NotFoundError
		if !errors.As(err, &nf) {
			// Lookup infrastructure failure, not an empty result; retrying
			// still applies but log it distinctly.
			log.Warn().Err(err).Int("attempt", attempt+1).Msg("fleet lookup failed")
		}
	}
	return fleet.Target{}, lastErr
}

func (o *Orchestrator) bindings(imageRef string) script.Bindings {
	b := script.Bindings{}
	for k, v := range o.BaseBindings {
		b[k] = v
	}
	b["image_ref"] = imageRef
	return b
}

func (o *Orchestrator) finish(ctx context.Context, run *Run) {
	run.Finished = time.Now()
	if o.Store == nil {
		return
	}
	// Persist with a fresh context: a cancelled run still gets recorded.
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.Store.SaveRun(saveCtx, run); err != nil {
		log.Error().Err(err).Str("run_id", run.ID).Msg("persist run report")
	}
}

// StageNumber returns the 1-based position of a named stage in the sequence,
// or 0 when absent. Used by the CLI to explain abort verdicts.
func StageNumber(stages []Stage, name string) int {
	for i, s := range stages {
		if s.Name == name {
			return i + 1
		}
	}
	return 0
}
