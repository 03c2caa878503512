package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/canopy-network/checkpointx/app/checkpointer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := checkpointer.Initialize(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, "checkpointer:", err)
		os.Exit(1)
	}

	// Blocks until a signal arrives
	app.Start(ctx)
}
