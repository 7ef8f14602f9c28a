// Command recordkit runs batch record operations from the command line.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/dan-strohschein/recordkit/client"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := newApp(client.Version, os.LookupEnv)
	cmd := newRootCmd(a)
	if err := cmd.ExecuteContext(ctx); err != nil {
		p := a.out
		if p == nil {
			p = newPrinter(os.Stdout, os.Stderr, os.LookupEnv)
		}
		p.failure(err.Error())
		if errors.Is(err, errPartialFailure) {
			return 2
		}
		return 1
	}
	return 0
}
