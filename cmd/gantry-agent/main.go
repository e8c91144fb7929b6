package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gantry-ops/gantry/internal/agent"
	"github.com/gantry-ops/gantry/internal/telemetry"
)

var version = "0.3.0"

func main() {
	port := 8088
	if v := os.Getenv("GANTRY_AGENT_PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil && p > 0 {
			port = p
		}
	}
	addr := fmt.Sprintf(":%d", port)

	telemetry.InitGlobal(os.Getenv("GANTRY_AGENT_TELEMETRY") == "1")
	srv := &agent.Server{Version: version}
	tlsCfg := agent.LoadMTLSConfig()

	go func() {
		var err error
		if tlsCfg.ServerCert != "" {
			err = srv.ListenAndServeTLS(addr, tlsCfg)
		} else {
			err = srv.ListenAndServe(addr)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}()
	fmt.Fprintf(os.Stdout, "gantry-agent %s listening on %s\n", version, addr)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	<-sigc
	fmt.Fprintln(os.Stdout, "gantry-agent shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	telemetry.Shutdown()
}
