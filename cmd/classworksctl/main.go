package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"classworks/cmd/internal/ctl"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := ctl.NewRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "classworksctl:", err)
		cancel()
		os.Exit(1)
	}
}
