package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gantry-ops/gantry/internal/bootstrap"
	"github.com/gantry-ops/gantry/internal/config"
	"github.com/gantry-ops/gantry/internal/exec"
	"github.com/gantry-ops/gantry/internal/fleet"
	"github.com/gantry-ops/gantry/internal/fleet/linode"
	"github.com/gantry-ops/gantry/internal/fleet/static"
	"github.com/gantry-ops/gantry/internal/pipeline"
	"github.com/gantry-ops/gantry/internal/script"
	"github.com/gantry-ops/gantry/internal/sshx"
	"github.com/gantry-ops/gantry/internal/telemetry"
)

type stack struct {
	cfg    config.Config
	source fleet.Source
	client *exec.AgentClient
}

func loadStack(cmd *cobra.Command) (*stack, error) {
	cfgPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	telemetry.InitGlobal(cfg.Telemetry.Enabled)

	reg := fleet.NewRegistry()
	reg.Register(static.New(cfg))
	reg.Register(linode.New(cfg))
	source, err := reg.Get(cfg.Fleet.Source)
	if err != nil {
		return nil, err
	}
	client := exec.NewAgentClient(cfg.Agent.Token)
	if cfg.Agent.TLS {
		client.Scheme = "https"
	}
	return &stack{cfg: cfg, source: source, client: client}, nil
}

func (s *stack) baseBindings() script.Bindings {
	d := s.cfg.Deploy
	return script.Bindings{
		"container_name":  d.ContainerName,
		"service_port":    strconv.Itoa(d.ServicePort),
		"health_path":     d.HealthPath,
		"health_attempts": strconv.Itoa(d.HealthAttempts),
		"health_interval": strconv.Itoa(d.HealthIntervalSeconds),
	}
}

// parseSelector turns "role=web,env=prod" into a live-target selector.
func parseSelector(match string) (fleet.Selector, error) {
	sel := fleet.Selector{Labels: map[string]string{}, State: fleet.StateAlive}
	if match == "" {
		return sel, nil
	}
	for _, pair := range strings.Split(match, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || k == "" {
			return sel, fmt.Errorf("invalid label match %q, want key=value", pair)
		}
		sel.Labels[k] = v
	}
	return sel, nil
}

func newDeployCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deploy",
		Short: "Deploy an image onto the target matching the selector",
		RunE: func(cmd *cobra.Command, args []string) error {
			image, _ := cmd.Flags().GetString("image")
			match, _ := cmd.Flags().GetString("match")
			sel, err := parseSelector(match)
			if err != nil {
				return err
			}
			s, err := loadStack(cmd)
			if err != nil {
				return err
			}
			defer telemetry.Shutdown()

			store, err := pipeline.NewStore(s.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			stages, err := pipeline.DefaultStages(s.cfg.Deploy)
			if err != nil {
				return err
			}

			orch := &pipeline.Orchestrator{
				Resolver:        &fleet.Resolver{Source: s.source, Prober: s.client},
				Runner:          &pipeline.StageRunner{Exec: s.client},
				Stages:          stages,
				BaseBindings:    s.baseBindings(),
				ResolveAttempts: s.cfg.Resolve.Attempts,
				ResolveBackoff:  time.Duration(s.cfg.Resolve.BackoffSeconds) * time.Second,
				Store:           store,
			}

			// SIGINT cancels the run; an in-flight stage records its observed
			// outcome before the run aborts.
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			run := orch.Deploy(ctx, sel, image)
			report, err := run.Report()
			if err != nil {
				return err
			}
			fmt.Println(string(report))
			if !run.Completed() {
				return fmt.Errorf("deployment %s: %s", run.ID, run.Verdict)
			}
			return nil
		},
	}
	cmd.Flags().String("image", "", "container image reference to deploy")
	cmd.Flags().String("match", "", "label selector, e.g. role=web,env=prod")
	_ = cmd.MarkFlagRequired("image")
	return cmd
}

func newTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "List fleet targets and their liveness",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd)
			if err != nil {
				return err
			}
			targets, err := s.source.List(cmd.Context())
			if err != nil {
				return err
			}
			for _, t := range targets {
				state := t.State
				if state == fleet.StateUnknown {
					state = s.client.Probe(cmd.Context(), t)
				}
				var labels []string
				for k, v := range t.Labels {
					labels = append(labels, k+"="+v)
				}
				fmt.Printf("%s\t%s\t%s\t%s\n", t.ID, t.AgentAddr(), state, strings.Join(labels, ","))
			}
			return nil
		},
	}
	return cmd
}

func newRenderCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "render",
		Short: "Render a stage script locally without dispatching it",
		RunE: func(cmd *cobra.Command, args []string) error {
			stageName, _ := cmd.Flags().GetString("stage")
			image, _ := cmd.Flags().GetString("image")
			s, err := loadStack(cmd)
			if err != nil {
				return err
			}
			bindings := s.baseBindings()
			bindings["image_ref"] = image
			stages, err := pipeline.DefaultStages(s.cfg.Deploy)
			if err != nil {
				return err
			}
			for _, stage := range stages {
				if stageName != "" && stage.Name != stageName {
					continue
				}
				rendered, err := stage.Script.Render(bindings)
				if err != nil {
					return err
				}
				fmt.Printf("# stage: %s (timeout %s)\n%s\n", stage.Name, stage.Timeout, rendered.Script)
			}
			return nil
		},
	}
	cmd.Flags().String("stage", "", "render a single stage by name")
	cmd.Flags().String("image", "registry.example.com/app:latest", "image reference to bind")
	return cmd
}

func newRunsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List past deployment runs, or show one run's full report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd)
			if err != nil {
				return err
			}
			store, err := pipeline.NewStore(s.cfg.Store.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			if len(args) == 1 {
				run, err := store.GetRun(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				report, err := run.Report()
				if err != nil {
					return err
				}
				fmt.Println(string(report))
				return nil
			}

			limit, _ := cmd.Flags().GetInt("limit")
			runs, err := store.ListRuns(cmd.Context(), limit)
			if err != nil {
				return err
			}
			for _, r := range runs {
				fmt.Printf("%s\t%s\t%s\t%s\t%s\n",
					r.ID, r.Started.Format(time.RFC3339), r.TargetID, r.ImageRef, r.Verdict)
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "maximum runs to list")
	return cmd
}

func newPushAgentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push-agent",
		Short: "Install the gantry-agent binary onto matching targets over SSH",
		RunE: func(cmd *cobra.Command, args []string) error {
			binary, _ := cmd.Flags().GetString("binary")
			match, _ := cmd.Flags().GetString("match")
			sel, err := parseSelector(match)
			if err != nil {
				return err
			}
			// Bootstrap targets are not required to be alive yet; the agent is
			// what makes them alive.
			sel.State = ""

			s, err := loadStack(cmd)
			if err != nil {
				return err
			}
			targets, err := s.source.List(cmd.Context())
			if err != nil {
				return err
			}
			installer := bootstrap.NewInstaller(s.cfg, binary)
			installed := 0
			for _, t := range targets {
				if !sel.Matches(t) {
					continue
				}
				if err := installer.Install(cmd.Context(), t); err != nil {
					return fmt.Errorf("install on %s: %w", t.ID, err)
				}
				installed++
			}
			if installed == 0 {
				return fmt.Errorf("no target matches selector %s", sel)
			}
			fmt.Printf("agent installed on %d target(s)\n", installed)
			return nil
		},
	}
	cmd.Flags().String("binary", "", "path to the gantry-agent binary")
	cmd.Flags().String("match", "", "label selector, e.g. role=web")
	_ = cmd.MarkFlagRequired("binary")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the SSH keypair used for agent bootstrap",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := loadStack(cmd)
			if err != nil {
				return err
			}
			keyDir := s.cfg.SSH.KeyDir
			if keyDir == "" {
				home, _ := os.UserHomeDir()
				keyDir = filepath.Join(home, ".config", "gantry", "keys")
			}
			keyPath := filepath.Join(keyDir, "id_ed25519")
			if _, err := os.Stat(keyPath); err == nil {
				return fmt.Errorf("key already exists at %s", keyPath)
			}
			pub, err := sshx.GenerateKeypair(keyPath)
			if err != nil {
				return err
			}
			fmt.Printf("private key: %s\npublic key: %s", keyPath, pub)
			return nil
		},
	}
}
