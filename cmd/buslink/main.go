// Command buslink sends envelopes to a topic and reads them back from a
// subscription.
//
// Usage:
//
//	buslink send --type event --title "Build finished" --content "All green"
//	buslink receive --subscription cli --max 10 --wait 5s
//	buslink receive --subscription cli --follow --metrics-addr :9090
//	buslink dead-letters list --subscription cli
//
// Configuration comes from BUSLINK_* environment variables;
// SERVICEBUS_CONNECTION_STRING is honoured as well.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/drblury/buslink/cmd/buslink/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := cmd.Execute(ctx)
	stop()
	if err != nil {
		os.Exit(cmd.ExitCode(err))
	}
}
