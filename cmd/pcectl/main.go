// pcectl is the operator CLI of a PCE: it drives the local module and job
// orchestrators directly and the Server-side reconciliation client.
package main

import (
	"context"
	"os"
	"os/signal"
	"pce/cmd/pcectl/cmd"
	"syscall"

	"github.com/pterm/pterm"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.RootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}
