package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/driftsync/pkg/event"
)

func (a *app) cmdLog(args []string) int {
	flags := flag.NewFlagSet("log", flag.ContinueOnError)
	since := flags.String("since", "", "fetch events with timestamp > this")
	limit := flags.Int("limit", 50, "max events to return")
	intent := flags.String("intent", "", "filter by intent")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: log: %v\n", err)
		return 1
	}
	var events []event.Event
	if *since != "" {
		events, err = st.Scan(*since, *limit, "")
	} else {
		events, err = st.Tail(*limit)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: log: %v\n", err)
		return 1
	}

	if *intent != "" {
		filtered := events[:0]
		for _, e := range events {
			if string(e.Intent) == *intent {
				filtered = append(filtered, e)
			}
		}
		events = filtered
	}

	if *jsonOut {
		printJSON(map[string]interface{}{"events": events, "count": len(events)})
		return 0
	}
	if len(events) == 0 {
		fmt.Println("no events")
		return 0
	}
	for _, e := range events {
		printEvent(e)
	}
	return 0
}

func printEvent(e event.Event) {
	fmt.Printf("[%s] %s %s\n", e.Timestamp, e.Intent, e.Meta)
}
