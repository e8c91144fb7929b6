package agent

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func newTestMux(t *testing.T) *http.ServeMux {
	t.Helper()
	srv := &Server{Version: "test"}
	mux := http.NewServeMux()
	srv.routes(mux)
	return mux
}

func dispatch(t *testing.T, mux *http.ServeMux, req CommandRequest) string {
	t.Helper()
	body, _ := json.Marshal(req)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/commands", bytes.NewReader(body)))
	if rr.Code != http.StatusAccepted {
		t.Fatalf("dispatch status %d: %s", rr.Code, rr.Body.String())
	}
	var acc CommandAccepted
	if err := json.Unmarshal(rr.Body.Bytes(), &acc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if acc.ID == "" {
		t.Fatal("empty command id")
	}
	return acc.ID
}

func poll(t *testing.T, mux *http.ServeMux, id, wait string) CommandStatus {
	t.Helper()
	url := "/v0/commands/" + id
	if wait != "" {
		url += "?wait=" + wait
	}
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, url, nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("poll status %d: %s", rr.Code, rr.Body.String())
	}
	var st CommandStatus
	if err := json.Unmarshal(rr.Body.Bytes(), &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return st
}

func TestHeartbeat(t *testing.T) {
	mux := newTestMux(t)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/heartbeat", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status %d", rr.Code)
	}
	var resp HeartbeatResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Version != "test" {
		t.Fatalf("version %q", resp.Version)
	}
}

func TestDispatchAndPoll(t *testing.T) {
	mux := newTestMux(t)
	id := dispatch(t, mux, CommandRequest{Script: "echo hello"})
	st := poll(t, mux, id, "10")
	if st.State != CommandStateExited {
		t.Fatalf("state %q, want exited", st.State)
	}
	if st.ExitCode != 0 {
		t.Fatalf("exit code %d", st.ExitCode)
	}
	if !strings.Contains(st.Output, "hello") {
		t.Fatalf("output %q", st.Output)
	}
}

func TestPollIdempotentAfterExit(t *testing.T) {
	mux := newTestMux(t)
	id := dispatch(t, mux, CommandRequest{Script: "echo once; exit 3"})
	first := poll(t, mux, id, "10")
	if first.State != CommandStateExited || first.ExitCode != 3 {
		t.Fatalf("unexpected terminal status %+v", first)
	}

	raw := func() string {
		rr := httptest.NewRecorder()
		mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/commands/"+id, nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("poll status %d", rr.Code)
		}
		return rr.Body.String()
	}
	if a, b := raw(), raw(); a != b {
		t.Fatalf("poll not idempotent:\nfirst  %s\nsecond %s", a, b)
	}
}

func TestPollRunningCommand(t *testing.T) {
	mux := newTestMux(t)
	id := dispatch(t, mux, CommandRequest{Script: "sleep 5"})
	st := poll(t, mux, id, "")
	if st.State != CommandStateRunning {
		t.Fatalf("state %q, want running", st.State)
	}
}

func TestCommandServerSideTimeout(t *testing.T) {
	srv := &Server{Version: "test"}
	mux := http.NewServeMux()
	srv.routes(mux)
	id := dispatch(t, mux, CommandRequest{Script: "sleep 30", TimeoutSeconds: 1})

	deadline := time.Now().Add(10 * time.Second)
	var st CommandStatus
	for time.Now().Before(deadline) {
		st = poll(t, mux, id, "2")
		if st.State == CommandStateExited {
			break
		}
	}
	if st.State != CommandStateExited {
		t.Fatalf("command did not exit: %+v", st)
	}
	if !st.TimedOut {
		t.Fatalf("expected timed_out, got %+v", st)
	}
}

func TestUnknownCommand(t *testing.T) {
	mux := newTestMux(t)
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v0/commands/no-such-id", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", rr.Code)
	}
}

func TestDispatchRequiresToken(t *testing.T) {
	t.Setenv("GANTRY_AGENT_TOKEN", "sekret")
	mux := newTestMux(t)

	body, _ := json.Marshal(CommandRequest{Script: "echo hi"})
	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v0/commands", bytes.NewReader(body)))
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", rr.Code)
	}

	rr = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v0/commands", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer sekret")
	mux.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("status %d, want 202", rr.Code)
	}
}

func TestTableEvictsExpiredTerminalCommands(t *testing.T) {
	tb := newTable()
	old := tb.create(1024)
	old.finish(0, false)
	old.mu.Lock()
	old.finished = time.Now().Add(-2 * terminalRetention)
	old.mu.Unlock()

	recent := tb.create(1024)
	recent.finish(0, false)
	running := tb.create(1024)

	// Eviction happens on the next create.
	fresh := tb.create(1024)

	if _, ok := tb.get(old.id); ok {
		t.Error("expired terminal command still pollable")
	}
	if _, ok := tb.get(recent.id); !ok {
		t.Error("terminal command inside retention was evicted")
	}
	if _, ok := tb.get(running.id); !ok {
		t.Error("running command was evicted")
	}
	if _, ok := tb.get(fresh.id); !ok {
		t.Error("new command missing from table")
	}
}

func TestOutputTruncation(t *testing.T) {
	srv := &Server{Version: "test", MaxOutput: 16}
	mux := http.NewServeMux()
	srv.routes(mux)
	id := dispatch(t, mux, CommandRequest{Script: "printf 'aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa'"})
	st := poll(t, mux, id, "10")
	if !st.Truncated {
		t.Fatalf("expected truncated output, got %+v", st)
	}
	if len(st.Output) != 16 {
		t.Fatalf("output length %d, want 16", len(st.Output))
	}
}
