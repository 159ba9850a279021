// Command ds is the driftsync CLI — a local-first event log with
// hybrid logical clocks, field-level last-writer-wins merging, and
// optional end-to-end encrypted sync through an untrusted relay.
package main

import (
	"fmt"
	"os"
)

const version = "1.0.0"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		printUsage()
		return
	case "--version", "-v", "version":
		fmt.Println("ds", version)
		return
	}

	a, err := newApp()
	if err != nil {
		fatal("%v", err)
	}
	defer a.Close()

	switch os.Args[1] {
	// Setup
	case "init":
		os.Exit(a.cmdInit(os.Args[2:]))

	// Local state
	case "chat":
		os.Exit(a.cmdEntity("chat", os.Args[2:]))
	case "provider":
		os.Exit(a.cmdEntity("provider", os.Args[2:]))
	case "mcp":
		os.Exit(a.cmdEntity("mcp", os.Args[2:]))
	case "set":
		os.Exit(a.cmdSet(os.Args[2:]))
	case "log":
		os.Exit(a.cmdLog(os.Args[2:]))
	case "status":
		os.Exit(a.cmdStatus(os.Args[2:]))
	case "compact":
		os.Exit(a.cmdCompact(os.Args[2:]))

	// Replication
	case "sync":
		os.Exit(a.cmdSync(os.Args[2:]))
	case "watch":
		os.Exit(a.cmdWatch(os.Args[2:]))
	case "prune":
		os.Exit(a.cmdPrune(os.Args[2:]))

	// Relay
	case "serve":
		os.Exit(a.cmdServe(os.Args[2:]))

	default:
		fmt.Fprintf(os.Stderr, "ds: unknown command %q\n", os.Args[1])
		fmt.Fprintln(os.Stderr, "Run 'ds --help' for usage.")
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Print(`ds — local-first sync over an append-only event log

Hybrid logical clocks for causal ordering. Field-level last-writer-wins
merging. End-to-end encryption through an untrusted relay.

Usage:
  ds <command> [flags]

Setup:
  init [--db PATH] [--relay URL]   Create config, keys, and database

Local state:
  chat new|set|rm|ls               Manage chats
  provider new|set|rm|ls           Manage providers
  mcp new|set|rm|ls                Manage MCP servers
  set <key> <value>                Set a key/value setting
  log [--since TS] [--limit N]     Query the append-only event log
  status                           Replica, clock, cursors, counts
  compact [--dry-run]              Drop superseded events from the log

Replication:
  sync                             One pull-then-push round
  watch                            Keep a live channel to the relay
  prune [--remote-client ID]       Delete relayed payloads on the server
        [--account]

Relay:
  serve [--listen ADDR]            Run the relay server

Environment:
  DRIFTSYNC_CONFIG   Config file path (default: driftsync.yaml)
  DRIFTSYNC_DB_PATH, DRIFTSYNC_RELAY_URL, DRIFTSYNC_ACCOUNT_KEY,
  DRIFTSYNC_SIGNING_KEY, DRIFTSYNC_TOKEN, DRIFTSYNC_PAGE_SIZE,
  DRIFTSYNC_LISTEN, DRIFTSYNC_TOKEN_SECRET override the config file.

All commands support --json for machine-readable output.

Exit codes:
  0  success
  1  error
`)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func fatal(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "ds: "+format+"\n", args...)
	os.Exit(1)
}
