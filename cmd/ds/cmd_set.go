package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/driftsync/pkg/event"
)

func (a *app) cmdSet(args []string) int {
	flags := flag.NewFlagSet("set", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	rest := flags.Args()
	if len(rest) != 2 {
		fmt.Fprintln(os.Stderr, "ds: usage: ds set <key> <value>")
		return 1
	}
	key := rest[0]
	var value interface{}
	if err := json.Unmarshal([]byte(rest[1]), &value); err != nil {
		value = rest[1]
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: set: %v\n", err)
		return 1
	}
	ev, err := st.Dispatch(event.SetSetting, event.SettingMeta{Key: key, Value: value})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: set: %v\n", err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"key": key, "timestamp": ev.Timestamp})
	} else {
		fmt.Printf("set %s at %s\n", key, ev.Timestamp)
	}
	return 0
}
