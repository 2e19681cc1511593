// Package main starts the statestore command line.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	statestorecmd "github.com/louisbranch/formstate/internal/cmd/statestore"
	"github.com/louisbranch/formstate/internal/platform/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := statestorecmd.Execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	config.ExitOnError("statestore", err)
}
