package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/driftsync/pkg/relay"
)

// cmdServe runs the relay. The relay stores only ciphertext; it needs
// no account keys, just a listen address and a database.
func (a *app) cmdServe(args []string) int {
	flags := flag.NewFlagSet("serve", flag.ContinueOnError)
	listen := flags.String("listen", a.cfg.Listen, "listen address")
	dbPath := flags.String("db", a.cfg.RelayDBPath, "relay database path")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	if *dbPath == "" {
		*dbPath = "driftsync-relay.db"
	}

	srv, err := relay.New(relay.Options{
		DBPath:      *dbPath,
		TokenSecret: []byte(a.cfg.TokenSecret),
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: serve: %v\n", err)
		return 1
	}
	defer srv.Close()

	if err := srv.Run(*listen); err != nil {
		fmt.Fprintf(os.Stderr, "ds: serve: %v\n", err)
		return 1
	}
	return 0
}
