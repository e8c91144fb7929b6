// Package fleet models deployment targets and resolves selectors against an
// inventory source.
package fleet

import (
	"context"
	"fmt"
)

// State is the liveness of a target as last observed.
type State string

const (
	StateAlive       State = "alive"
	StateUnreachable State = "unreachable"
	StateUnknown     State = "unknown"
)

// Target is one addressable compute instance eligible for deployment.
// Targets are discovered per run and never persisted.
type Target struct {
	ID        string
	Addr      string
	AgentPort int
	SSHUser   string
	SSHPort   int
	Labels    map[string]string
	State     State
}

// AgentAddr returns the host:port of the target's execution agent.
func (t Target) AgentAddr() string {
	port := t.AgentPort
	if port == 0 {
		port = 8088
	}
	return fmt.Sprintf("%s:%d", t.Addr, port)
}

// Selector is a label-equality predicate plus a required liveness state.
type Selector struct {
	Labels map[string]string
	State  State
}

func (s Selector) String() string {
	return fmt.Sprintf("labels=%v state=%s", s.Labels, s.State)
}

// Matches reports whether every selector label is present on the target with
// an equal value. An empty label set matches everything.
func (s Selector) Matches(t Target) bool {
	for k, v := range s.Labels {
		if t.Labels[k] != v {
			return false
		}
	}
	return true
}

// Source lists the current fleet. Implementations must be read-only and
// idempotent; the resolver may call List on every resolution attempt.
type Source interface {
	Name() string
	List(ctx context.Context) ([]Target, error)
}

// Registry holds the configured inventory sources by name.
type Registry struct {
	sources map[string]Source
}

func NewRegistry() *Registry {
	return &Registry{sources: map[string]Source{}}
}

func (r *Registry) Register(s Source) {
	r.sources[s.Name()] = s
}

func (r *Registry) Get(name string) (Source, error) {
	s, ok := r.sources[name]
	if !ok {
		return nil, fmt.Errorf("fleet source not registered: %s", name)
	}
	return s, nil
}

// NotFoundError is returned when a selector matches no target in the required
// liveness state.
type NotFoundError struct {
	Selector Selector
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no target matches selector (%s)", e.Selector)
}
