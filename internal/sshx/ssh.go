// Package sshx wraps golang.org/x/crypto/ssh for the agent bootstrap path:
// dialing targets, running setup commands, and pushing files over SFTP.
// Deployments themselves go through the agent, not SSH.
package sshx

import (
	"context"
	"errors"
	"fmt"
	"time"

	xssh "golang.org/x/crypto/ssh"
)

// Client connects to one target over SSH with public key auth.
type Client struct {
	Addr       string
	User       string
	Signer     xssh.Signer
	KnownHosts xssh.HostKeyCallback
	Timeout    time.Duration
	Retries    int
	Backoff    time.Duration
}

func (c *Client) clientConfig() (*xssh.ClientConfig, error) {
	if c.Signer == nil {
		return nil, errors.New("sshx: signer required")
	}
	if c.KnownHosts == nil {
		return nil, errors.New("sshx: host key callback required")
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &xssh.ClientConfig{
		User:            c.User,
		Auth:            []xssh.AuthMethod{xssh.PublicKeys(c.Signer)},
		HostKeyCallback: c.KnownHosts,
		Timeout:         timeout,
	}, nil
}

// Dial opens the connection, honoring ctx cancellation. The caller closes the
// returned client.
func (c *Client) Dial(ctx context.Context) (*xssh.Client, error) {
	cfg, err := c.clientConfig()
	if err != nil {
		return nil, err
	}
	type result struct {
		cli *xssh.Client
		err error
	}
	ch := make(chan result, 1)
	go func() {
		cli, err := xssh.Dial("tcp", c.Addr, cfg)
		ch <- result{cli, err}
	}()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.cli, r.err
	}
}

// RunCommand runs one remote command, retrying connection failures with
// linear backoff. Command output (stdout and stderr combined) is returned
// even when the command exits non-zero.
func (c *Client) RunCommand(ctx context.Context, command string) (string, error) {
	retries := c.Retries
	if retries < 0 {
		retries = 0
	}
	backoff := c.Backoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}
		cli, err := c.Dial(ctx)
		if err != nil {
			lastErr = err
			continue
		}
		out, err := runOnce(cli, command)
		_ = cli.Close()
		if err == nil {
			return out, nil
		}
		var exitErr *xssh.ExitError
		if errors.As(err, &exitErr) {
			// The command ran and failed: not a transport problem, do not retry.
			return out, fmt.Errorf("remote command exited %d", exitErr.ExitStatus())
		}
		lastErr = err
	}
	return "", lastErr
}

func runOnce(cli *xssh.Client, command string) (string, error) {
	session, err := cli.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()
	out, err := session.CombinedOutput(command)
	return string(out), err
}
