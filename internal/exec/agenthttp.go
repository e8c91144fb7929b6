package exec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-ops/gantry/internal/agent"
	"github.com/gantry-ops/gantry/internal/fleet"
	"github.com/gantry-ops/gantry/internal/telemetry"
)

const (
	defaultDispatchRetries = 2
	defaultDispatchBackoff = 500 * time.Millisecond
	maxLongPoll            = 30 * time.Second
	dispatchTimeoutSlack   = 30 * time.Second
)

// AgentClient talks to the gantry-agent HTTP API. The bearer token is the
// per-run credential: set once before the run, never mutated during it.
type AgentClient struct {
	Token           string
	Scheme          string
	HTTPClient      *http.Client
	DispatchRetries int
	DispatchBackoff time.Duration
	ProbeTimeout    time.Duration
}

func NewAgentClient(token string) *AgentClient {
	return &AgentClient{
		Token:           token,
		Scheme:          "http",
		HTTPClient:      &http.Client{},
		DispatchRetries: defaultDispatchRetries,
		DispatchBackoff: defaultDispatchBackoff,
		ProbeTimeout:    5 * time.Second,
	}
}

func (c *AgentClient) url(addr, path string) string {
	scheme := c.Scheme
	if scheme == "" {
		scheme = "http"
	}
	return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

func (c *AgentClient) setAuth(req *http.Request) {
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}

// Dispatch submits the script and returns immediately with a handle.
// Transient transport failures and retryable status codes are retried with
// linear backoff; if the target still cannot accept the command, a
// DispatchError is returned. The timeout is forwarded to the agent with
// slack so the server-side kill fires only after the client has stopped
// polling.
func (c *AgentClient) Dispatch(ctx context.Context, target fleet.Target, script string, timeout time.Duration) (Handle, error) {
	payload := agent.CommandRequest{Script: script}
	if timeout > 0 {
		payload.TimeoutSeconds = int((timeout + dispatchTimeoutSlack) / time.Second)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Handle{}, fmt.Errorf("marshal request: %w", err)
	}

	retries := c.DispatchRetries
	if retries < 0 {
		retries = 0
	}
	backoff := c.DispatchBackoff
	if backoff <= 0 {
		backoff = defaultDispatchBackoff
	}

	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return Handle{}, &DispatchError{TargetID: target.ID, Err: ctx.Err()}
			case <-time.After(backoff * time.Duration(attempt)):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(target.AgentAddr(), "/v0/commands"), bytes.NewReader(body))
		if err != nil {
			return Handle{}, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		c.setAuth(req)

		resp, err := c.httpClient().Do(req)
		if err != nil {
			lastErr = err
			log.Debug().Err(err).Str("target", target.ID).Int("attempt", attempt+1).Msg("dispatch attempt failed")
			continue
		}

		if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
			var acc agent.CommandAccepted
			err := json.NewDecoder(resp.Body).Decode(&acc)
			resp.Body.Close()
			if err != nil {
				return Handle{}, fmt.Errorf("decode dispatch response: %w", err)
			}
			telemetry.CountGlobal("gantry_dispatches", 1, map[string]string{"target": target.ID})
			return Handle{ID: acc.ID, TargetID: target.ID, Addr: target.AgentAddr()}, nil
		}

		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(respBody))
		if !retryableStatus(resp.StatusCode) {
			break
		}
	}
	return Handle{}, &DispatchError{TargetID: target.ID, Err: lastErr}
}

// Poll blocks until the command exits or timeout elapses. The agent holds the
// status request open (long poll) for up to 30s per round trip. A client-side
// timeout yields a TimedOut outcome carrying the last observed partial
// output; the handle stays valid for later polls. If the agent never answered
// a single status request in the whole window, the expiry is reported as
// Unreachable instead: the command was observed neither running nor finished,
// which is a different failure from a command that outlived its budget.
//
// Poll returns a non-nil error only when ctx is cancelled; in that case it
// still performs one final status fetch so the in-flight command's state at
// cancellation is recorded.
func (c *AgentClient) Poll(ctx context.Context, handle Handle, timeout time.Duration) (Outcome, error) {
	deadline := time.Now().Add(timeout)
	var lastOutput string
	var lastTruncated bool
	gotStatus := false

	for {
		if err := ctx.Err(); err != nil {
			out, _ := c.fetchStatus(context.Background(), handle, 0)
			if out != nil {
				return *out, err
			}
			return Outcome{Status: StatusTimedOut, Output: lastOutput, Truncated: lastTruncated}, err
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			if !gotStatus {
				return Outcome{Status: StatusUnreachable}, nil
			}
			return Outcome{Status: StatusTimedOut, Output: lastOutput, Truncated: lastTruncated}, nil
		}

		wait := remaining
		if wait > maxLongPoll {
			wait = maxLongPoll
		}
		st, err := c.fetchStatusRaw(ctx, handle, wait)
		if err != nil {
			log.Debug().Err(err).Str("command_id", handle.ID).Msg("poll attempt failed")
			select {
			case <-ctx.Done():
				continue // handled at loop top
			case <-time.After(time.Second):
			}
			continue
		}
		gotStatus = true
		lastOutput, lastTruncated = st.Output, st.Truncated
		if st.State == agent.CommandStateExited {
			return outcomeFromStatus(st), nil
		}
		// Sub-second windows round the long-poll wait down to zero; pace the
		// status requests instead of spinning.
		if wait < time.Second {
			select {
			case <-ctx.Done():
			case <-time.After(100 * time.Millisecond):
			}
		}
	}
}

// fetchStatus performs a single no-wait status request and maps a terminal
// state to an outcome. Used for the final observation after cancellation.
func (c *AgentClient) fetchStatus(ctx context.Context, handle Handle, wait time.Duration) (*Outcome, error) {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()
	st, err := c.fetchStatusRaw(ctx, handle, wait)
	if err != nil {
		return nil, err
	}
	out := outcomeFromStatus(st)
	if st.State != agent.CommandStateExited {
		out.Status = StatusTimedOut
	}
	return &out, nil
}

func (c *AgentClient) fetchStatusRaw(ctx context.Context, handle Handle, wait time.Duration) (agent.CommandStatus, error) {
	url := c.url(handle.Addr, "/v0/commands/"+handle.ID)
	if secs := int(wait.Seconds()); secs > 0 {
		url = fmt.Sprintf("%s?wait=%d", url, secs)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return agent.CommandStatus{}, err
	}
	c.setAuth(req)
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return agent.CommandStatus{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return agent.CommandStatus{}, fmt.Errorf("agent returned %d: %s", resp.StatusCode, string(body))
	}
	var st agent.CommandStatus
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		return agent.CommandStatus{}, fmt.Errorf("decode status: %w", err)
	}
	return st, nil
}

// Probe implements fleet.Prober using the agent heartbeat.
func (c *AgentClient) Probe(ctx context.Context, t fleet.Target) fleet.State {
	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(t.AgentAddr(), "/v0/heartbeat"), nil)
	if err != nil {
		return fleet.StateUnreachable
	}
	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fleet.StateUnreachable
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fleet.StateUnreachable
	}
	return fleet.StateAlive
}

func (c *AgentClient) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *AgentClient) probeTimeout() time.Duration {
	if c.ProbeTimeout > 0 {
		return c.ProbeTimeout
	}
	return 5 * time.Second
}

func outcomeFromStatus(st agent.CommandStatus) Outcome {
	out := Outcome{ExitCode: st.ExitCode, Output: st.Output, Truncated: st.Truncated}
	switch {
	case st.TimedOut:
		out.Status = StatusTimedOut
	case st.ExitCode == 0:
		out.Status = StatusSuccess
	default:
		out.Status = StatusFailure
	}
	return out
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
