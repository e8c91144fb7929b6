package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// StaticHost is one pre-provisioned deployment target declared in config.
type StaticHost struct {
	ID        string            `yaml:"id"`
	Addr      string            `yaml:"addr"`
	AgentPort int               `yaml:"agent_port"`
	SSHUser   string            `yaml:"ssh_user"`
	SSHPort   int               `yaml:"ssh_port"`
	Labels    map[string]string `yaml:"labels"`
}

// DeployDefaults carries the run-independent bindings for the built-in stages.
type DeployDefaults struct {
	ContainerName         string         `yaml:"container_name"`
	ServicePort           int            `yaml:"service_port"`
	HealthPath            string         `yaml:"health_path"`
	HealthAttempts        int            `yaml:"health_attempts"`
	HealthIntervalSeconds int            `yaml:"health_interval_seconds"`
	StageTimeoutSeconds   map[string]int `yaml:"stage_timeout_seconds"`
	ScriptsFile           string         `yaml:"scripts_file"`
}

type Config struct {
	Fleet struct {
		Source string `yaml:"source"`
		Static struct {
			Hosts []StaticHost `yaml:"hosts"`
		} `yaml:"static"`
		Linode struct {
			Token string `yaml:"token"`
			Tag   string `yaml:"tag"`
		} `yaml:"linode"`
	} `yaml:"fleet"`
	Agent struct {
		Port  int    `yaml:"port"`
		Token string `yaml:"token"`
		TLS   bool   `yaml:"tls"`
	} `yaml:"agent"`
	SSH struct {
		KeyDir     string `yaml:"key_dir"`
		KnownHosts string `yaml:"known_hosts"`
	} `yaml:"ssh"`
	Deploy  DeployDefaults `yaml:"deploy"`
	Resolve struct {
		Attempts       int `yaml:"attempts"`
		BackoffSeconds int `yaml:"backoff_seconds"`
	} `yaml:"resolve"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Telemetry struct {
		Enabled bool `yaml:"enabled"`
	} `yaml:"telemetry"`
}

// Load reads YAML configuration from a path. If path is empty, it resolves
// $XDG_CONFIG_HOME/gantry/config.yaml or ~/.config/gantry/config.yaml.
func Load(path string) (Config, error) {
	var cfg Config
	if path == "" {
		path = filepath.Join(baseDir(), "gantry", "config.yaml")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	// Merge secrets from secrets.env if present to avoid storing tokens in YAML.
	secrets, _ := LoadSecretsEnv("")
	if v := os.Getenv("GANTRY_AGENT_TOKEN"); v != "" {
		secrets["GANTRY_AGENT_TOKEN"] = v
	}
	if v := os.Getenv("LINODE_TOKEN"); v != "" {
		secrets["LINODE_TOKEN"] = v
	}
	if t, ok := secrets["GANTRY_AGENT_TOKEN"]; ok && t != "" {
		cfg.Agent.Token = t
	}
	if t, ok := secrets["LINODE_TOKEN"]; ok && t != "" {
		cfg.Fleet.Linode.Token = t
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Fleet.Source == "" {
		c.Fleet.Source = "static"
	}
	if c.Agent.Port == 0 {
		c.Agent.Port = 8088
	}
	if c.Deploy.ContainerName == "" {
		c.Deploy.ContainerName = "app"
	}
	if c.Deploy.ServicePort == 0 {
		c.Deploy.ServicePort = 8080
	}
	if c.Deploy.HealthPath == "" {
		c.Deploy.HealthPath = "/healthz"
	}
	if c.Deploy.HealthAttempts == 0 {
		c.Deploy.HealthAttempts = 10
	}
	if c.Deploy.HealthIntervalSeconds == 0 {
		c.Deploy.HealthIntervalSeconds = 3
	}
	if c.Resolve.Attempts == 0 {
		c.Resolve.Attempts = 3
	}
	if c.Resolve.BackoffSeconds == 0 {
		c.Resolve.BackoffSeconds = 2
	}
	if c.Store.Path == "" {
		c.Store.Path = filepath.Join(baseDir(), "gantry", "runs.db")
	}
}

// StageTimeout returns the configured timeout for a stage, or the fallback.
func (d DeployDefaults) StageTimeout(stage string, fallback time.Duration) time.Duration {
	if s, ok := d.StageTimeoutSeconds[stage]; ok && s > 0 {
		return time.Duration(s) * time.Second
	}
	return fallback
}

func baseDir() string {
	if base := os.Getenv("XDG_CONFIG_HOME"); base != "" {
		return base
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config")
}
