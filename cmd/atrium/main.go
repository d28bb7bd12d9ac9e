// Package main is the entrypoint for the atrium server.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/atrium-labs/atrium/cmd/atrium/app"
	"github.com/atrium-labs/atrium/pkg/logger"
)

func main() {
	logger.Initialize()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
