// Package static serves the fleet inventory declared in the config file.
package static

import (
	"context"

	"github.com/gantry-ops/gantry/internal/config"
	"github.com/gantry-ops/gantry/internal/fleet"
)

type Source struct {
	cfg config.Config
}

func New(cfg config.Config) *Source { return &Source{cfg: cfg} }

func (s *Source) Name() string { return "static" }

// List maps the configured hosts to targets. Liveness is always unknown here;
// the resolver probes the agent heartbeat to settle it.
func (s *Source) List(_ context.Context) ([]fleet.Target, error) {
	var targets []fleet.Target
	for _, h := range s.cfg.Fleet.Static.Hosts {
		port := h.AgentPort
		if port == 0 {
			port = s.cfg.Agent.Port
		}
		targets = append(targets, fleet.Target{
			ID:        h.ID,
			Addr:      h.Addr,
			AgentPort: port,
			SSHUser:   h.SSHUser,
			SSHPort:   h.SSHPort,
			Labels:    h.Labels,
			State:     fleet.StateUnknown,
		})
	}
	return targets, nil
}
