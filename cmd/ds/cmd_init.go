package main

import (
	"encoding/base64"
	"flag"
	"fmt"
	"os"

	"github.com/daviddao/driftsync/pkg/cryptobox"
)

func (a *app) cmdInit(args []string) int {
	flags := flag.NewFlagSet("init", flag.ContinueOnError)
	dbPath := flags.String("db", a.cfg.DBPath, "local database path")
	relayURL := flags.String("relay", a.cfg.RelayURL, "relay URL (empty for local-only)")
	force := flags.Bool("force", false, "overwrite an existing config")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	if _, err := os.Stat(a.cfgPath); err == nil && !*force {
		fmt.Fprintf(os.Stderr, "ds: init: %s already exists (use --force to overwrite)\n", a.cfgPath)
		return 1
	}

	a.cfg.DBPath = *dbPath
	a.cfg.RelayURL = *relayURL

	// Fresh account material unless the config already carries some.
	if a.cfg.AccountKey == "" {
		key, err := cryptobox.NewKey()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ds: init: %v\n", err)
			return 1
		}
		a.cfg.AccountKey = base64.StdEncoding.EncodeToString(key)
	}
	if a.cfg.SigningKey == "" {
		kp, err := cryptobox.NewKeypair()
		if err != nil {
			fmt.Fprintf(os.Stderr, "ds: init: %v\n", err)
			return 1
		}
		a.cfg.SigningKey = base64.StdEncoding.EncodeToString(kp.Seed())
	}

	if err := a.cfg.Save(a.cfgPath); err != nil {
		fmt.Fprintf(os.Stderr, "ds: init: %v\n", err)
		return 1
	}

	// Opening the store creates the database and mints a replica id.
	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: init: %v\n", err)
		return 1
	}

	seed, err := a.cfg.DecodedSigningSeed()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: init: %v\n", err)
		return 1
	}
	kp, err := cryptobox.KeypairFromSeed(seed)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: init: %v\n", err)
		return 1
	}

	if *jsonOut {
		printJSON(map[string]interface{}{
			"config":    a.cfgPath,
			"db":        a.cfg.DBPath,
			"replicaId": st.ReplicaID(),
			"accountId": kp.AccountID(),
			"relay":     a.cfg.RelayURL,
		})
	} else {
		fmt.Printf("initialized %s\n", a.cfgPath)
		fmt.Printf("  database:   %s\n", a.cfg.DBPath)
		fmt.Printf("  replica id: %s\n", st.ReplicaID())
		fmt.Printf("  account id: %s\n", kp.AccountID())
		if a.cfg.RelayURL != "" {
			fmt.Printf("  relay:      %s\n", a.cfg.RelayURL)
		} else {
			fmt.Println("  relay:      (local-only)")
		}
	}
	return 0
}
