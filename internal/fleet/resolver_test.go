package fleet

import (
	"context"
	"errors"
	"testing"
)

type fakeSource struct {
	targets []Target
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) List(ctx context.Context) ([]Target, error) {
	return f.targets, nil
}

type fakeProber struct {
	alive map[string]bool
}

func (p *fakeProber) Probe(ctx context.Context, t Target) State {
	if p.alive[t.ID] {
		return StateAlive
	}
	return StateUnreachable
}

func webTarget(id string, state State) Target {
	return Target{ID: id, Addr: "10.0.0.1", Labels: map[string]string{"role": "web"}, State: state}
}

func TestResolveZeroMatches(t *testing.T) {
	r := &Resolver{Source: &fakeSource{}}
	_, err := r.Resolve(context.Background(), Selector{Labels: map[string]string{"role": "web"}, State: StateAlive})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error %v, want NotFoundError", err)
	}
}

func TestResolveLivenessFiltered(t *testing.T) {
	src := &fakeSource{targets: []Target{webTarget("i-1", StateUnreachable)}}
	r := &Resolver{Source: src}
	_, err := r.Resolve(context.Background(), Selector{Labels: map[string]string{"role": "web"}, State: StateAlive})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("error %v, want NotFoundError for unreachable target", err)
	}
}

func TestResolveDeterministicTieBreak(t *testing.T) {
	src := &fakeSource{targets: []Target{
		webTarget("i-charlie", StateAlive),
		webTarget("i-alpha", StateAlive),
		webTarget("i-bravo", StateAlive),
	}}
	r := &Resolver{Source: src}
	sel := Selector{Labels: map[string]string{"role": "web"}, State: StateAlive}
	for i := 0; i < 5; i++ {
		got, err := r.Resolve(context.Background(), sel)
		if err != nil {
			t.Fatalf("resolve: %v", err)
		}
		if got.ID != "i-alpha" {
			t.Fatalf("resolved %s, want i-alpha", got.ID)
		}
	}
}

func TestResolveLabelSubset(t *testing.T) {
	target := Target{ID: "i-1", State: StateAlive, Labels: map[string]string{"role": "web", "env": "prod"}}
	src := &fakeSource{targets: []Target{target}}
	r := &Resolver{Source: src}

	if _, err := r.Resolve(context.Background(), Selector{Labels: map[string]string{"role": "web"}, State: StateAlive}); err != nil {
		t.Fatalf("subset selector should match: %v", err)
	}
	_, err := r.Resolve(context.Background(), Selector{Labels: map[string]string{"role": "db"}, State: StateAlive})
	var nf *NotFoundError
	if !errors.As(err, &nf) {
		t.Fatalf("mismatched label should not match, got %v", err)
	}
}

func TestResolveProbesUnknownTargets(t *testing.T) {
	src := &fakeSource{targets: []Target{
		webTarget("i-1", StateUnknown),
		webTarget("i-2", StateUnknown),
	}}
	r := &Resolver{Source: src, Prober: &fakeProber{alive: map[string]bool{"i-2": true}}}
	got, err := r.Resolve(context.Background(), Selector{Labels: map[string]string{"role": "web"}, State: StateAlive})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got.ID != "i-2" {
		t.Fatalf("resolved %s, want the probed-alive i-2", got.ID)
	}
	if got.State != StateAlive {
		t.Fatalf("state %s, want alive", got.State)
	}
}
