// The main package for the gazette-sync executable.
package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/JakeFAU/gazette-sync/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	cmd.Execute(ctx)
}
