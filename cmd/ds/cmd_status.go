package main

import (
	"flag"
	"fmt"
	"os"
)

func (a *app) cmdStatus(args []string) int {
	flags := flag.NewFlagSet("status", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: status: %v\n", err)
		return 1
	}
	clock, err := st.ClockNow()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: status: %v\n", err)
		return 1
	}
	lastPullAt, lastPushAt, err := st.Cursors()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: status: %v\n", err)
		return 1
	}
	total, err := st.Count()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: status: %v\n", err)
		return 1
	}
	pending, err := st.PendingPush(1000)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: status: %v\n", err)
		return 1
	}

	accountID := ""
	if a.cfg.SyncConfigured() {
		if c, err := a.newClient(); err == nil {
			accountID = c.AccountID()
		}
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"replicaId":   st.ReplicaID(),
			"clock":       clock.String(),
			"events":      total,
			"pendingPush": len(pending),
			"lastPullAt":  lastPullAt,
			"lastPushAt":  lastPushAt,
			"relay":       a.cfg.RelayURL,
			"accountId":   accountID,
		})
		return 0
	}
	fmt.Printf("replica:      %s\n", st.ReplicaID())
	fmt.Printf("clock:        %s\n", clock)
	fmt.Printf("events:       %d (%d pending push)\n", total, len(pending))
	fmt.Printf("last pull at: %s\n", orNone(lastPullAt))
	fmt.Printf("last push at: %s\n", orNone(lastPushAt))
	if a.cfg.RelayURL != "" {
		fmt.Printf("relay:        %s\n", a.cfg.RelayURL)
		fmt.Printf("account:      %s\n", orNone(accountID))
	} else {
		fmt.Println("relay:        (local-only)")
	}
	return 0
}

func orNone(s string) string {
	if s == "" {
		return "(none)"
	}
	return s
}
