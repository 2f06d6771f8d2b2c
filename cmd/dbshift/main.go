package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dbshift/dbshift/internal/cli"
	"github.com/dbshift/dbshift/internal/domain/upgrade"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	root := cli.NewRootCommand()
	if err := root.ExecuteContext(ctx); err != nil {
		root.PrintErrln("Error:", err.Error())
		return exitCode(err)
	}
	return 0
}

// exitCode maps the error taxonomy onto shell exit codes: 2 for invalid
// inputs, 3 for corrupt or incompatible state, 1 for everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, upgrade.ErrInputInvalid):
		return 2
	case errors.Is(err, upgrade.ErrStateCorrupt):
		return 3
	default:
		return 1
	}
}
