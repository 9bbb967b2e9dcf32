// Package main is the entry point for the noticecrawl executable.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/lienwatch/noticecrawl/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cmd.ExecuteContext(ctx)
}
