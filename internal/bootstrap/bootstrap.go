// Package bootstrap installs the gantry-agent binary onto a target over SSH.
// It uploads the binary via SFTP, verifies its checksum remotely, and
// registers a systemd unit so the agent survives reboots.
package bootstrap

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-ops/gantry/internal/config"
	"github.com/gantry-ops/gantry/internal/fleet"
	"github.com/gantry-ops/gantry/internal/sshx"
)

const (
	remoteStagingPath = "/tmp/gantry-agent.upload"
	remoteBinaryPath  = "/usr/local/bin/gantry-agent"
	unitPath          = "/etc/systemd/system/gantry-agent.service"
)

// Installer pushes the agent binary and service unit to targets.
type Installer struct {
	BinaryPath string
	AgentPort  int
	AgentToken string

	SSH struct {
		KeyDir     string
		KnownHosts string
	}
}

func NewInstaller(cfg config.Config, binaryPath string) *Installer {
	ins := &Installer{
		BinaryPath: binaryPath,
		AgentPort:  cfg.Agent.Port,
		AgentToken: cfg.Agent.Token,
	}
	ins.SSH.KeyDir = cfg.SSH.KeyDir
	ins.SSH.KnownHosts = cfg.SSH.KnownHosts
	return ins
}

// Install provisions one target. It is idempotent: re-running replaces the
// binary and restarts the unit.
func (ins *Installer) Install(ctx context.Context, target fleet.Target) error {
	sum, err := fileChecksum(ins.BinaryPath)
	if err != nil {
		return fmt.Errorf("checksum local binary: %w", err)
	}

	cli, err := ins.client(target)
	if err != nil {
		return err
	}
	conn, err := cli.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target.ID, err)
	}
	defer conn.Close()

	log.Info().Str("target", target.ID).Str("sha256", sum[:12]).Msg("uploading agent binary")
	if err := sshx.PushFile(conn, ins.BinaryPath, remoteStagingPath); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	if err := verifyRemoteChecksum(ctx, cli, remoteStagingPath, sum); err != nil {
		_, _ = cli.RunCommand(ctx, "rm -f "+remoteStagingPath)
		return err
	}

	script := installScript(ins.AgentPort, ins.AgentToken)
	if out, err := cli.RunCommand(ctx, script); err != nil {
		return fmt.Errorf("install script: %w (output: %s)", err, strings.TrimSpace(out))
	}
	log.Info().Str("target", target.ID).Msg("agent installed and started")
	return nil
}

func (ins *Installer) client(target fleet.Target) (*sshx.Client, error) {
	signer, err := sshx.LoadSigner(filepath.Join(ins.SSH.KeyDir, "id_ed25519"))
	if err != nil {
		return nil, fmt.Errorf("load ssh key: %w", err)
	}
	kh, err := sshx.KnownHostsCallback(ins.SSH.KnownHosts)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts: %w", err)
	}
	user := target.SSHUser
	if user == "" {
		user = "root"
	}
	port := target.SSHPort
	if port == 0 {
		port = 22
	}
	return &sshx.Client{
		Addr:       fmt.Sprintf("%s:%d", target.Addr, port),
		User:       user,
		Signer:     signer,
		KnownHosts: kh,
		Timeout:    30 * time.Second,
		Retries:    2,
		Backoff:    time.Second,
	}, nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func verifyRemoteChecksum(ctx context.Context, cli *sshx.Client, remotePath, expected string) error {
	out, err := cli.RunCommand(ctx, fmt.Sprintf("sha256sum %s | cut -d' ' -f1", remotePath))
	if err != nil {
		return fmt.Errorf("remote checksum: %w", err)
	}
	got := strings.TrimSpace(out)
	if got != expected {
		return fmt.Errorf("checksum mismatch after upload: expected %s, got %s", expected, got)
	}
	return nil
}

// installScript moves the staged binary into place and wires the systemd unit.
func installScript(port int, token string) string {
	unit := systemdUnit(port, token)
	return fmt.Sprintf(`set -e
install -m 0755 %s %s
rm -f %s
cat > %s <<'EOF'
%s
EOF
systemctl daemon-reload
systemctl enable gantry-agent
systemctl restart gantry-agent
`, remoteStagingPath, remoteBinaryPath, remoteStagingPath, unitPath, unit)
}

func systemdUnit(port int, token string) string {
	var env strings.Builder
	fmt.Fprintf(&env, "Environment=GANTRY_AGENT_PORT=%d\n", port)
	if token != "" {
		fmt.Fprintf(&env, "Environment=GANTRY_AGENT_TOKEN=%s\n", token)
	}
	return fmt.Sprintf(`[Unit]
Description=Gantry deployment agent
After=network-online.target

[Service]
ExecStart=%s
%sRestart=always
RestartSec=3

[Install]
WantedBy=multi-user.target`, remoteBinaryPath, env.String())
}
