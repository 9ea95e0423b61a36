// Package main implements the simforge-agent binary: a minimal,
// self-contained helper that executes one uploaded simulation script on a
// remote host, speaking JSON-over-stdio with the controller.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/simforge/simforge/pkg/agent"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := agent.Run(ctx, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "simforge-agent: %v\n", err)
		os.Exit(1)
	}
}
