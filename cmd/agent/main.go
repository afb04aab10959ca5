// File: cmd/agent/main.go
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/taskfleet/agent/cmd"
	"github.com/taskfleet/agent/internal/observability"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	err := cmd.Execute(ctx)
	observability.Sync()

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
