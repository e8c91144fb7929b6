package pipeline

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/gantry-ops/gantry/internal/config"
	"github.com/gantry-ops/gantry/internal/script"
)

// Stage is one unit of the deployment pipeline: a script template, a timeout
// for the remote command, and a success marker. A stage passes when the
// command exits successfully and, if Marker is set, the marker appears in the
// captured output.
type Stage struct {
	Name    string
	Script  script.Template
	Marker  string
	Timeout time.Duration
}

const (
	StageDependencyCheck = "dependency-check"
	StageArtifactPull    = "artifact-pull"
	StageDeploySwap      = "deploy-swap"
	StageHealthCheck     = "health-check"
)

const dependencyCheckScript = `set -e
if ! command -v docker >/dev/null 2>&1; then
  curl -fsSL https://get.docker.com | sh
fi
docker --version
echo DEPS_OK
`

const artifactPullScript = `set -e
docker pull {{image_ref}}
echo PULL_OK
`

const deploySwapScript = `set -e
docker rm -f {{container_name}} >/dev/null 2>&1 || true
docker run -d --name {{container_name}} --restart unless-stopped \
  -p {{service_port}}:{{service_port}} {{image_ref}}
echo SWAP_OK
`

const healthCheckScript = `n=0
while [ "$n" -lt {{health_attempts}} ]; do
  if curl -fsS "http://127.0.0.1:{{service_port}}{{health_path}}" >/dev/null 2>&1; then
    echo HEALTH_OK
    exit 0
  fi
  n=$((n+1))
  sleep {{health_interval}}
done
echo HEALTH_FAIL
exit 1
`

// DefaultStages returns the fixed stage sequence. Order matters: each stage
// depends on the previous stage's side effects on the target. A scripts file
// that cannot be read, parsed, or matched to a known stage is an error: a
// misconfigured override must never fall back to the built-in scripts
// silently.
func DefaultStages(d config.DeployDefaults) ([]Stage, error) {
	stages := []Stage{
		{
			Name:    StageDependencyCheck,
			Script:  script.Template{Name: StageDependencyCheck, Body: dependencyCheckScript},
			Marker:  "DEPS_OK",
			Timeout: d.StageTimeout(StageDependencyCheck, 5*time.Minute),
		},
		{
			Name:    StageArtifactPull,
			Script:  script.Template{Name: StageArtifactPull, Body: artifactPullScript},
			Marker:  "PULL_OK",
			Timeout: d.StageTimeout(StageArtifactPull, 10*time.Minute),
		},
		{
			Name:    StageDeploySwap,
			Script:  script.Template{Name: StageDeploySwap, Body: deploySwapScript},
			Marker:  "SWAP_OK",
			Timeout: d.StageTimeout(StageDeploySwap, 2*time.Minute),
		},
		{
			Name:    StageHealthCheck,
			Script:  script.Template{Name: StageHealthCheck, Body: healthCheckScript},
			Marker:  "HEALTH_OK",
			Timeout: d.StageTimeout(StageHealthCheck, 3*time.Minute),
		},
	}
	if d.ScriptsFile != "" {
		// Overrides replace script bodies only; order and markers are fixed.
		overrides, err := loadScriptOverrides(d.ScriptsFile)
		if err != nil {
			return nil, err
		}
		for name, body := range overrides {
			applied := false
			for i := range stages {
				if stages[i].Name == name {
					stages[i].Script.Body = body
					applied = true
				}
			}
			if !applied {
				return nil, fmt.Errorf("scripts file %s: unknown stage %q", d.ScriptsFile, name)
			}
		}
	}
	return stages, nil
}

type scriptOverridesFile struct {
	Stages []struct {
		Name   string `yaml:"name"`
		Script string `yaml:"script"`
	} `yaml:"stages"`
}

func loadScriptOverrides(path string) (map[string]string, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scripts file: %w", err)
	}
	var f scriptOverridesFile
	if err := yaml.Unmarshal(content, &f); err != nil {
		return nil, fmt.Errorf("parse scripts file: %w", err)
	}
	out := map[string]string{}
	for _, s := range f.Stages {
		out[s.Name] = s.Script
	}
	return out, nil
}
