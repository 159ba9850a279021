package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/driftsync/pkg/optimize"
)

// cmdCompact removes events from the local log whose effect is fully
// superseded by later events. Replaying the log before and after
// produces identical state.
func (a *app) cmdCompact(args []string) int {
	flags := flag.NewFlagSet("compact", flag.ContinueOnError)
	dryRun := flags.Bool("dry-run", false, "report what would be dropped without deleting")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: compact: %v\n", err)
		return 1
	}
	total, err := st.Count()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: compact: %v\n", err)
		return 1
	}
	events, err := st.Scan("", int(total), "")
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: compact: %v\n", err)
		return 1
	}

	result := optimize.Compact(events)
	deleted := int64(0)
	if !*dryRun && len(result.Drop) > 0 {
		deleted, err = st.DeleteEvents(result.Drop)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ds: compact: %v\n", err)
			return 1
		}
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"scanned": len(events),
			"kept":    len(result.Keep),
			"dropped": len(result.Drop),
			"deleted": deleted,
			"dryRun":  *dryRun,
		})
		return 0
	}
	if *dryRun {
		fmt.Printf("would drop %d of %d events (%d kept)\n", len(result.Drop), len(events), len(result.Keep))
	} else {
		fmt.Printf("dropped %d of %d events (%d kept)\n", deleted, len(events), len(result.Keep))
	}
	return 0
}
