package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
)

// cmdWatch keeps a live channel to the relay open, printing row
// changes as they merge, until interrupted.
func (a *app) cmdWatch(args []string) int {
	flags := flag.NewFlagSet("watch", flag.ContinueOnError)
	quiet := flags.Bool("quiet", false, "suppress per-change output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	c, err := a.newClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: watch: %v\n", err)
		return 1
	}

	if !*quiet {
		a.st.Subscribe(func(changed []string) {
			for _, key := range changed {
				fmt.Printf("changed %s\n", key)
			}
		})
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(os.Stderr, "watching as %s (ctrl-c to stop)\n", c.ClientID())
	if err := c.Run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "ds: watch: %v\n", err)
		return 1
	}
	return 0
}
