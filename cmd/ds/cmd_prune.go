package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"
)

// cmdPrune deletes relayed payloads on the server. Local state is
// untouched; devices that already pulled keep what they merged.
func (a *app) cmdPrune(args []string) int {
	flags := flag.NewFlagSet("prune", flag.ContinueOnError)
	remoteClient := flags.String("remote-client", "", "only payloads pushed by this client id")
	after := flags.String("after", "", "only payloads with relay timestamp > this")
	before := flags.String("before", "", "only payloads with relay timestamp < this")
	account := flags.Bool("account", false, "delete everything the relay holds for this account")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	c, err := a.newClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: prune: %v\n", err)
		return 1
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var deleted int64
	if *account {
		deleted, err = c.DeleteAccount(ctx)
	} else {
		deleted, err = c.DeleteRemote(ctx, *remoteClient, *after, *before)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: prune: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"deleted": deleted})
	} else {
		fmt.Printf("pruned %d payload(s)\n", deleted)
	}
	return 0
}
