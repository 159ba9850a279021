package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/daviddao/driftsync/pkg/event"
	"github.com/daviddao/driftsync/pkg/materialize"
)

// entityIntents maps a CLI noun to its event intents and table.
var entityIntents = map[string]struct {
	create, update, remove event.Intent
	table                  string
}{
	"chat":     {event.CreateChat, event.UpdateChat, event.DeleteChat, materialize.TableChats},
	"provider": {event.CreateProvider, event.UpdateProvider, event.DeleteProvider, materialize.TableProviders},
	"mcp":      {event.CreateMCP, event.UpdateMCP, event.DeleteMCP, materialize.TableMCP},
}

// cmdEntity dispatches chat/provider/mcp subcommands, which share
// their shape and differ only in intents.
func (a *app) cmdEntity(kind string, args []string) int {
	intents := entityIntents[kind]
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "ds: usage: ds %s new|set|rm|ls\n", kind)
		return 1
	}
	sub, rest := args[0], args[1:]
	switch sub {
	case "new":
		return a.entityNew(kind, intents.create, rest)
	case "set":
		return a.entitySet(kind, intents.update, rest)
	case "rm":
		return a.entityRm(kind, intents.remove, rest)
	case "ls":
		return a.entityLs(kind, intents.table, rest)
	default:
		fmt.Fprintf(os.Stderr, "ds: unknown subcommand %q for %s\n", sub, kind)
		return 1
	}
}

func (a *app) entityNew(kind string, intent event.Intent, args []string) int {
	flags := flag.NewFlagSet(kind+" new", flag.ContinueOnError)
	id := flags.String("id", "", "entity id (default: random)")
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	fields, err := parseFields(flags.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s new: %v\n", kind, err)
		return 1
	}
	if len(fields) == 0 {
		fmt.Fprintf(os.Stderr, "ds: %s new: at least one field=value is required\n", kind)
		return 1
	}
	entityID := *id
	if entityID == "" {
		entityID = uuid.NewString()
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s new: %v\n", kind, err)
		return 1
	}
	ev, err := st.Dispatch(intent, event.EntityMeta{ID: entityID, Fields: fields})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s new: %v\n", kind, err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"id": entityID, "timestamp": ev.Timestamp})
	} else {
		fmt.Printf("created %s %s at %s\n", kind, entityID, ev.Timestamp)
	}
	return 0
}

func (a *app) entitySet(kind string, intent event.Intent, args []string) int {
	flags := flag.NewFlagSet(kind+" set", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	rest := flags.Args()
	if len(rest) < 2 {
		fmt.Fprintf(os.Stderr, "ds: usage: ds %s set <id> field=value...\n", kind)
		return 1
	}
	id := rest[0]
	fields, err := parseFields(rest[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s set: %v\n", kind, err)
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s set: %v\n", kind, err)
		return 1
	}
	ev, err := st.Dispatch(intent, event.EntityMeta{ID: id, Fields: fields})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s set: %v\n", kind, err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"id": id, "timestamp": ev.Timestamp})
	} else {
		fmt.Printf("updated %s %s at %s\n", kind, id, ev.Timestamp)
	}
	return 0
}

func (a *app) entityRm(kind string, intent event.Intent, args []string) int {
	flags := flag.NewFlagSet(kind+" rm", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}
	rest := flags.Args()
	if len(rest) != 1 {
		fmt.Fprintf(os.Stderr, "ds: usage: ds %s rm <id>\n", kind)
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s rm: %v\n", kind, err)
		return 1
	}
	ev, err := st.Dispatch(intent, event.DeleteMeta{ID: rest[0]})
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s rm: %v\n", kind, err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"id": rest[0], "timestamp": ev.Timestamp})
	} else {
		fmt.Printf("deleted %s %s at %s\n", kind, rest[0], ev.Timestamp)
	}
	return 0
}

func (a *app) entityLs(kind, table string, args []string) int {
	flags := flag.NewFlagSet(kind+" ls", flag.ContinueOnError)
	jsonOut := flags.Bool("json", false, "JSON output")
	if err := flags.Parse(args); err != nil {
		return 1
	}

	st, err := a.openStore()
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s ls: %v\n", kind, err)
		return 1
	}
	rows, err := st.ListRows(table)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ds: %s ls: %v\n", kind, err)
		return 1
	}
	if *jsonOut {
		printJSON(map[string]interface{}{"rows": rows, "count": len(rows)})
		return 0
	}
	if len(rows) == 0 {
		fmt.Printf("no %ss\n", kind)
		return 0
	}
	for _, r := range rows {
		fields, _ := json.Marshal(r.Fields)
		fmt.Printf("%s  %s\n", r.ID, fields)
	}
	return 0
}

// parseFields turns field=value arguments into a field map. Values
// parse as JSON when they can, and fall back to plain strings, so
// count=3 is a number and title=hello is a string.
func parseFields(args []string) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		fields[name] = v
	}
	return fields, nil
}
