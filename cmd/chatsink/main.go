// Command chatsink reads NDJSON log records on stdin and forwards the ones
// that pass its filter to a chat webhook. Configuration lives in a JSON or
// YAML file and is hot-reloaded on change.
//
// Usage:
//
//	some-service 2>&1 | chatsink -config ./chatsink.yaml
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatsink/internal/relay"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./chatsink.yaml", "path to config file (json or yaml)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	app, err := relay.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	app.Start(ctx)

	err = app.Wait(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", err)
	}

	snap, haveSnap := app.Counters()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer stopCancel()
	if serr := app.Stop(stopCtx); serr != nil && err == nil {
		err = serr
	}

	if haveSnap {
		fmt.Fprintf(os.Stderr, "chatsink: %s\n", snap.String())
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		os.Exit(1)
	}
}
