// The main package for the companycrawler executable.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// main defers all execution to the Cobra CLI.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
