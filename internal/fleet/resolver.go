package fleet

import (
	"context"
	"fmt"
	"sort"
)

// Prober checks the liveness of a single target. The agent heartbeat endpoint
// backs the production implementation.
type Prober interface {
	Probe(ctx context.Context, t Target) State
}

// Resolver picks exactly one target for a selector. When several targets
// match, the one with the lexicographically smallest ID wins, so repeated
// resolutions against the same fleet state are reproducible.
//
// Resolve never retries; callers that want retry-with-backoff own that
// policy.
type Resolver struct {
	Source Source
	Prober Prober
}

// Resolve lists the source, filters by labels and liveness, and returns the
// single chosen target or a NotFoundError. Targets whose source reports
// StateUnknown are probed when a Prober is configured.
func (r *Resolver) Resolve(ctx context.Context, sel Selector) (Target, error) {
	targets, err := r.Source.List(ctx)
	if err != nil {
		return Target{}, fmt.Errorf("list fleet: %w", err)
	}
	var candidates []Target
	for _, t := range targets {
		if !sel.Matches(t) {
			continue
		}
		if t.State == StateUnknown && r.Prober != nil {
			t.State = r.Prober.Probe(ctx, t)
		}
		if sel.State != "" && t.State != sel.State {
			continue
		}
		candidates = append(candidates, t)
	}
	if len(candidates) == 0 {
		return Target{}, &NotFoundError{Selector: sel}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].ID < candidates[j].ID })
	return candidates[0], nil
}
