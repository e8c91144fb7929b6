// Package linode lists deployment targets from the Linode API. The source is
// read-only: this tool deploys onto instances, it never provisions them.
package linode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gantry-ops/gantry/internal/config"
	"github.com/gantry-ops/gantry/internal/fleet"
)

const apiBase = "https://api.linode.com/v4"

type Source struct {
	token     string
	tag       string
	agentPort int
	client    *http.Client
}

func New(cfg config.Config) *Source {
	return &Source{
		token:     cfg.Fleet.Linode.Token,
		tag:       cfg.Fleet.Linode.Tag,
		agentPort: cfg.Agent.Port,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (s *Source) Name() string { return "linode" }

type instance struct {
	ID     int      `json:"id"`
	Label  string   `json:"label"`
	IPv4   []string `json:"ipv4"`
	Status string   `json:"status"`
	Tags   []string `json:"tags"`
}

// List returns instances carrying the configured tag as targets. Instance
// status maps to liveness: "running" is alive, everything else unreachable.
// The tag and label become selector labels so deployments can address the
// fleet the same way regardless of source.
func (s *Source) List(ctx context.Context) ([]fleet.Target, error) {
	var response struct {
		Data []instance `json:"data"`
	}
	if err := s.doRequest(ctx, "/linode/instances", &response); err != nil {
		return nil, err
	}
	var targets []fleet.Target
	for _, inst := range response.Data {
		if s.tag != "" && !hasTag(inst.Tags, s.tag) {
			continue
		}
		if len(inst.IPv4) == 0 {
			continue
		}
		state := fleet.StateUnreachable
		if inst.Status == "running" {
			state = fleet.StateAlive
		}
		labels := map[string]string{"name": inst.Label}
		for _, t := range inst.Tags {
			labels[t] = "true"
		}
		targets = append(targets, fleet.Target{
			ID:        strconv.Itoa(inst.ID),
			Addr:      inst.IPv4[0],
			AgentPort: s.agentPort,
			Labels:    labels,
			State:     state,
		})
	}
	return targets, nil
}

func (s *Source) doRequest(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("linode api error %d: %s", resp.StatusCode, string(body))
	}
	if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func hasTag(tags []string, want string) bool {
	for _, t := range tags {
		if t == want {
			return true
		}
	}
	return false
}
