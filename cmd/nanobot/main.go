// nanobot — operator CLI for the remote execution fleet core.
//
// A thin cobra harness over pkg/fleet: register hosts, connect, run
// commands, and tear sessions down. The actual control-plane logic
// (tunnels, WebSocket RPC, bootstrap, recovery) lives in pkg/*; this
// binary only wires flags to Manager calls and renders output.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
