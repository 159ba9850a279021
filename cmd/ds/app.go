package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/daviddao/driftsync/pkg/client"
	"github.com/daviddao/driftsync/pkg/config"
	"github.com/daviddao/driftsync/pkg/cryptobox"
	"github.com/daviddao/driftsync/pkg/store"
)

const defaultConfig = "driftsync.yaml"

// app holds shared state for all CLI subcommands. The store opens
// lazily so relay-only commands never touch the local database.
type app struct {
	cfgPath string
	cfg     config.Config
	st      *store.Store
}

func newApp() (*app, error) {
	cfgPath := envOr("DRIFTSYNC_CONFIG", defaultConfig)
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	return &app{cfgPath: cfgPath, cfg: cfg}, nil
}

// Close releases the database connection if one was opened.
func (a *app) Close() {
	if a.st != nil {
		a.st.Close()
	}
}

// openStore opens the local database on first use.
func (a *app) openStore() (*store.Store, error) {
	if a.st != nil {
		return a.st, nil
	}
	s, err := store.Open(a.cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("cannot open database %q: %w", a.cfg.DBPath, err)
	}
	a.st = s
	return s, nil
}

// newClient builds a replication client from the config. Fails when
// sync was never configured (run ds init with --relay first).
func (a *app) newClient() (*client.Client, error) {
	if !a.cfg.SyncConfigured() {
		return nil, fmt.Errorf("sync is not configured: set relay_url, account_key, signing_key (or run 'ds init --relay URL')")
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	key, err := a.cfg.DecodedAccountKey()
	if err != nil {
		return nil, err
	}
	seed, err := a.cfg.DecodedSigningSeed()
	if err != nil {
		return nil, err
	}
	kp, err := cryptobox.KeypairFromSeed(seed)
	if err != nil {
		return nil, err
	}
	return client.New(client.Options{
		Store:    st,
		RelayURL: a.cfg.RelayURL,
		Keypair:  kp,
		Key:      key,
		PageSize: a.cfg.PageSize,
		Token:    a.cfg.Token,
	})
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
