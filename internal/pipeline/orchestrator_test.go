package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/gantry-ops/gantry/internal/config"
	"github.com/gantry-ops/gantry/internal/exec"
	"github.com/gantry-ops/gantry/internal/fleet"
	"github.com/gantry-ops/gantry/internal/script"
)

type fakeSource struct {
	targets []fleet.Target
	err     error
}

func (f *fakeSource) Name() string { return "fake" }
func (f *fakeSource) List(context.Context) ([]fleet.Target, error) {
	return f.targets, f.err
}

// fakeExec scripts one outcome per stage name and records every dispatched
// script in order.
type fakeExec struct {
	outcomes    map[string]exec.Outcome
	dispatchErr map[string]error
	dispatched  []string
	timeouts    []time.Duration
	polled      []string
}

func (f *fakeExec) stageOf(body string) string {
	for _, name := range []string{StageDependencyCheck, StageArtifactPull, StageDeploySwap, StageHealthCheck} {
		marker := map[string]string{
			StageDependencyCheck: "DEPS_OK",
			StageArtifactPull:    "PULL_OK",
			StageDeploySwap:      "SWAP_OK",
			StageHealthCheck:     "HEALTH_OK",
		}[name]
		if strings.Contains(body, marker) {
			return name
		}
	}
	return "unknown"
}

func (f *fakeExec) Dispatch(_ context.Context, target fleet.Target, body string, timeout time.Duration) (exec.Handle, error) {
	stage := f.stageOf(body)
	if err, ok := f.dispatchErr[stage]; ok {
		return exec.Handle{}, err
	}
	f.dispatched = append(f.dispatched, stage)
	f.timeouts = append(f.timeouts, timeout)
	return exec.Handle{ID: fmt.Sprintf("cmd-%d", len(f.dispatched)), TargetID: target.ID, Addr: target.AgentAddr()}, nil
}

func (f *fakeExec) Poll(ctx context.Context, handle exec.Handle, _ time.Duration) (exec.Outcome, error) {
	if ctx.Err() != nil {
		return exec.Outcome{Status: exec.StatusTimedOut}, ctx.Err()
	}
	stage := f.dispatched[len(f.dispatched)-1]
	f.polled = append(f.polled, handle.ID)
	if o, ok := f.outcomes[stage]; ok {
		return o, nil
	}
	return exec.Outcome{Status: exec.StatusSuccess, Output: markerFor(stage)}, nil
}

func markerFor(stage string) string {
	return map[string]string{
		StageDependencyCheck: "DEPS_OK",
		StageArtifactPull:    "PULL_OK",
		StageDeploySwap:      "SWAP_OK",
		StageHealthCheck:     "HEALTH_OK",
	}[stage]
}

func builtinStages() []Stage {
	stages, err := DefaultStages(config.DeployDefaults{})
	if err != nil {
		panic(err)
	}
	return stages
}

func testOrchestrator(src fleet.Source, fe *fakeExec) *Orchestrator {
	return &Orchestrator{
		Resolver: &fleet.Resolver{Source: src},
		Runner:   &StageRunner{Exec: fe},
		Stages:   builtinStages(),
		BaseBindings: script.Bindings{
			"container_name":  "app",
			"service_port":    "8080",
			"health_path":     "/healthz",
			"health_attempts": "3",
			"health_interval": "2",
		},
		ResolveAttempts: 1,
		ResolveBackoff:  time.Millisecond,
	}
}

func aliveTarget(id string) fleet.Target {
	return fleet.Target{ID: id, Addr: "10.0.0.1", Labels: map[string]string{"role": "web"}, State: fleet.StateAlive}
}

func TestDeployAllStagesPass(t *testing.T) {
	fe := &fakeExec{}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if !run.Completed() {
		t.Fatalf("verdict = %s, want completed", run.Verdict)
	}
	if run.TargetID != "i-1" {
		t.Errorf("target = %q, want i-1", run.TargetID)
	}
	if len(run.Stages) != 4 {
		t.Fatalf("stage results = %d, want 4", len(run.Stages))
	}
	want := []string{StageDependencyCheck, StageArtifactPull, StageDeploySwap, StageHealthCheck}
	for i, name := range want {
		if run.Stages[i].Stage != name {
			t.Errorf("stage[%d] = %q, want %q", i, run.Stages[i].Stage, name)
		}
		if run.Stages[i].Outcome.Status != exec.StatusSuccess {
			t.Errorf("stage[%d] status = %s", i, run.Stages[i].Outcome.Status)
		}
	}
	if len(fe.dispatched) != 4 {
		t.Errorf("dispatched %d commands, want 4", len(fe.dispatched))
	}
	for i, d := range fe.timeouts {
		if d <= 0 {
			t.Errorf("dispatch %d carried no timeout", i)
		}
	}
}

func TestDeployAbortsAtFailedStage(t *testing.T) {
	fe := &fakeExec{outcomes: map[string]exec.Outcome{
		StageArtifactPull: {Status: exec.StatusFailure, ExitCode: 1, Output: "pull access denied"},
	}}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.String() != "aborted_at_stage(2)" {
		t.Fatalf("verdict = %s, want aborted_at_stage(2)", run.Verdict)
	}
	if len(run.Stages) != 2 {
		t.Fatalf("stage results = %d, want 2", len(run.Stages))
	}
	// Fail-fast: nothing after the failed stage may have been dispatched.
	want := []string{StageDependencyCheck, StageArtifactPull}
	if len(fe.dispatched) != len(want) {
		t.Fatalf("dispatched = %v, want %v", fe.dispatched, want)
	}
	for i := range want {
		if fe.dispatched[i] != want[i] {
			t.Errorf("dispatched[%d] = %q, want %q", i, fe.dispatched[i], want[i])
		}
	}
}

func TestDeployTargetNotFound(t *testing.T) {
	fe := &fakeExec{}
	o := testOrchestrator(&fakeSource{}, fe)
	o.ResolveAttempts = 2

	run := o.Deploy(context.Background(), fleet.Selector{Labels: map[string]string{"role": "db"}, State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.Kind != VerdictTargetNotFound {
		t.Fatalf("verdict = %s, want target_not_found", run.Verdict)
	}
	if len(run.Stages) != 0 {
		t.Errorf("stage results = %d, want 0", len(run.Stages))
	}
	if len(fe.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none", fe.dispatched)
	}
}

func TestDeployAbortsOnHealthCheckTimeout(t *testing.T) {
	fe := &fakeExec{outcomes: map[string]exec.Outcome{
		StageHealthCheck: {Status: exec.StatusTimedOut, Output: "partial"},
	}}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.String() != "aborted_at_stage(4)" {
		t.Fatalf("verdict = %s, want aborted_at_stage(4)", run.Verdict)
	}
	last := run.Stages[len(run.Stages)-1]
	if last.Outcome.Status != exec.StatusTimedOut {
		t.Errorf("last stage status = %s, want timed_out", last.Outcome.Status)
	}
}

func TestDeployUnreachableAtDispatch(t *testing.T) {
	fe := &fakeExec{dispatchErr: map[string]error{
		StageDeploySwap: &exec.DispatchError{TargetID: "i-1", Err: fmt.Errorf("connection refused")},
	}}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.String() != "aborted_at_stage(3)" {
		t.Fatalf("verdict = %s, want aborted_at_stage(3)", run.Verdict)
	}
	last := run.Stages[len(run.Stages)-1]
	if last.Outcome.Status != exec.StatusUnreachable {
		t.Errorf("last stage status = %s, want target_unreachable", last.Outcome.Status)
	}
	// No retry after an unreachable dispatch: the swap stage appears once.
	for _, d := range fe.dispatched {
		if d == StageDeploySwap {
			t.Errorf("deploy-swap was dispatched despite dispatch error")
		}
	}
}

func TestDeployAbortsOnRenderError(t *testing.T) {
	fe := &fakeExec{}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)
	// Remove a required binding so deploy-swap cannot render.
	delete(o.BaseBindings, "container_name")

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.String() != "aborted_at_stage(3)" {
		t.Fatalf("verdict = %s, want aborted_at_stage(3)", run.Verdict)
	}
	last := run.Stages[len(run.Stages)-1]
	if last.RenderError == "" {
		t.Fatal("expected a recorded render error")
	}
	if !strings.Contains(last.RenderError, "container_name") {
		t.Errorf("render error %q does not name the missing binding", last.RenderError)
	}
	// The unrenderable stage must never reach the target.
	for _, d := range fe.dispatched {
		if d == StageDeploySwap {
			t.Errorf("deploy-swap was dispatched despite render error")
		}
	}
}

func TestDeployCancelledBeforeStage(t *testing.T) {
	fe := &fakeExec{}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run := o.Deploy(ctx, fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.Kind != VerdictAborted {
		t.Fatalf("verdict = %s, want aborted", run.Verdict)
	}
	if len(run.Stages) != 1 || !run.Stages[0].Cancelled {
		t.Fatalf("want a single cancelled stage record, got %+v", run.Stages)
	}
	if len(fe.dispatched) != 0 {
		t.Errorf("dispatched = %v, want none after cancellation", fe.dispatched)
	}
}

func TestDeployResolutionRetrySucceeds(t *testing.T) {
	src := &flakySource{failures: 2, target: aliveTarget("i-1")}
	fe := &fakeExec{}
	o := testOrchestrator(src, fe)
	o.ResolveAttempts = 3
	o.ResolveBackoff = time.Millisecond

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if !run.Completed() {
		t.Fatalf("verdict = %s, want completed", run.Verdict)
	}
	if src.calls != 3 {
		t.Errorf("source listed %d times, want 3", src.calls)
	}
}

type flakySource struct {
	failures int
	calls    int
	target   fleet.Target
}

func (f *flakySource) Name() string { return "flaky" }
func (f *flakySource) List(context.Context) ([]fleet.Target, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, fmt.Errorf("inventory api unavailable")
	}
	return []fleet.Target{f.target}, nil
}

func TestDeployPersistsRun(t *testing.T) {
	store, err := NewStore(t.TempDir() + "/runs.db")
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	fe := &fakeExec{}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)
	o.Store = store

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	got, err := store.GetRun(context.Background(), run.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Verdict.Kind != VerdictCompleted {
		t.Errorf("stored verdict = %s, want completed", got.Verdict)
	}
	if got.ImageRef != "registry/app:v2" {
		t.Errorf("stored image = %q", got.ImageRef)
	}
	if len(got.Stages) != 4 {
		t.Errorf("stored stage results = %d, want 4", len(got.Stages))
	}
}

func TestStageNumber(t *testing.T) {
	stages := builtinStages()
	if n := StageNumber(stages, StageDeploySwap); n != 3 {
		t.Errorf("StageNumber(deploy-swap) = %d, want 3", n)
	}
	if n := StageNumber(stages, "rollback"); n != 0 {
		t.Errorf("StageNumber(rollback) = %d, want 0", n)
	}
}

func TestRunnerDemotesSuccessWithoutMarker(t *testing.T) {
	fe := &fakeExec{outcomes: map[string]exec.Outcome{
		StageDependencyCheck: {Status: exec.StatusSuccess, Output: "docker 24.0"},
	}}
	o := testOrchestrator(&fakeSource{targets: []fleet.Target{aliveTarget("i-1")}}, fe)

	run := o.Deploy(context.Background(), fleet.Selector{State: fleet.StateAlive}, "registry/app:v2")

	if run.Verdict.String() != "aborted_at_stage(1)" {
		t.Fatalf("verdict = %s, want aborted_at_stage(1)", run.Verdict)
	}
	if run.Stages[0].Outcome.Status != exec.StatusFailure {
		t.Errorf("stage status = %s, want failure", run.Stages[0].Outcome.Status)
	}
}
