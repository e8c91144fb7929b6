// Package agent is the target-side execution service. Dispatch and completion
// are decoupled: POST /v0/commands starts a script and returns a handle
// immediately, GET /v0/commands/{id} reports progress and, once the script
// exits, a frozen terminal status.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-ops/gantry/internal/telemetry"
)

const (
	defaultMaxOutput = 64 * 1024
	defaultTimeout   = 15 * time.Minute
	maxPollWait      = 60 * time.Second
)

type Server struct {
	Version        string
	MaxOutput      int
	DefaultTimeout time.Duration

	srv   *http.Server
	table *table
}

func (s *Server) routes(mux *http.ServeMux) {
	s.table = newTable()
	mux.HandleFunc("/v0/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("/v0/commands", s.handleDispatch)
	mux.HandleFunc("/v0/commands/", s.handleStatus)
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	_ = r.Body.Close()
	telemetry.CountGlobal("gantry_agent_heartbeats", 1, map[string]string{"endpoint": "heartbeat"})
	h := HeartbeatResponse{Time: time.Now(), Host: r.Host, Version: s.Version}
	_ = json.NewEncoder(w).Encode(h)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	defer r.Body.Close()

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Script) == "" {
		http.Error(w, "empty script", http.StatusBadRequest)
		return
	}

	telemetry.CountGlobal("gantry_agent_commands_accepted", 1, map[string]string{"endpoint": "commands"})

	timeout := s.DefaultTimeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	if req.TimeoutSeconds > 0 {
		timeout = time.Duration(req.TimeoutSeconds) * time.Second
	}
	maxOutput := s.MaxOutput
	if maxOutput == 0 {
		maxOutput = defaultMaxOutput
	}

	c := s.table.create(maxOutput)
	go s.run(c, req, timeout)

	log.Debug().Str("command_id", c.id).Msg("command accepted")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(CommandAccepted{ID: c.id})
}

// run executes the script detached from the originating request; the script
// keeps running even if the dispatching client goes away.
func (s *Server) run(c *command, req CommandRequest, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", req.Script)
	if req.WorkDir != "" {
		cmd.Dir = req.WorkDir
	}
	cmd.Stdout = c.buf
	cmd.Stderr = c.buf

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			exitCode = exit.ExitCode()
		} else {
			exitCode = 1
		}
	}
	c.finish(exitCode, timedOut)

	status := "success"
	if exitCode != 0 || timedOut {
		status = "error"
	}
	telemetry.TimeGlobal("gantry_agent_command_duration", duration, map[string]string{"status": status})
	log.Debug().
		Str("command_id", c.id).
		Int("exit_code", exitCode).
		Bool("timed_out", timedOut).
		Dur("duration", duration).
		Msg("command finished")
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	_ = r.Body.Close()

	id := strings.TrimPrefix(r.URL.Path, "/v0/commands/")
	c, ok := s.table.get(id)
	if !ok {
		http.Error(w, "unknown command", http.StatusNotFound)
		return
	}

	// Optional long poll: ?wait=<seconds> holds the request until the
	// command exits or the wait elapses, then reports whatever state holds.
	if waitStr := r.URL.Query().Get("wait"); waitStr != "" {
		secs, err := strconv.Atoi(waitStr)
		if err != nil || secs < 0 {
			http.Error(w, "invalid wait", http.StatusBadRequest)
			return
		}
		wait := time.Duration(secs) * time.Second
		if wait > maxPollWait {
			wait = maxPollWait
		}
		c.wait(wait)
	}
	_ = json.NewEncoder(w).Encode(c.snapshot())
}

// authorized enforces the optional bearer token. The token is the run-scoped
// credential the orchestrator acquires once and holds read-only.
func (s *Server) authorized(r *http.Request) bool {
	tok := os.Getenv("GANTRY_AGENT_TOKEN")
	if tok == "" {
		return true
	}
	return r.Header.Get("Authorization") == "Bearer "+tok || r.Header.Get("X-Auth-Token") == tok
}

func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.routes(mux)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
