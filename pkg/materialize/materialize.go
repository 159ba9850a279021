// Package materialize turns events into table mutations and defines
// the per-field last-writer-wins merge used when mutations are applied.
//
// Mutations is a pure transform: no I/O, and the same event always
// yields the same mutation list. That determinism is what lets every
// replica replay the same unordered event set to the same state.
//
// The merge contract, applied by the store per mutation:
//
//	Insert  — first writer wins: ON CONFLICT(id) DO NOTHING.
//	Delete  — unconditional removal by id; idempotent.
//	Update  — per field f written at timestamp t: take the new value
//	          and set updatedAt[f]=t only if t > updatedAt[f] (or the
//	          field was never written). Fields are judged
//	          independently, so concurrent edits to different fields
//	          of one row both survive.
//	Upsert  — Update, but a missing row is first inserted.
//
// Each field's final value is the one written by the globally maximal
// timestamp for that field, so application order does not matter.
package materialize

import (
	"fmt"

	"github.com/daviddao/driftsync/pkg/event"
)

// Op classifies a mutation.
type Op int

const (
	Insert Op = iota
	Update
	Upsert
	Delete
)

func (o Op) String() string {
	switch o {
	case Insert:
		return "insert"
	case Update:
		return "update"
	case Upsert:
		return "upsert"
	case Delete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", int(o))
}

// Mutation is one intended table change. The store executes it inside
// the transaction that owns the event.
type Mutation struct {
	Op     Op
	Table  string
	ID     string
	Fields map[string]any
}

// Tables by entity kind.
const (
	TableChats     = "chats"
	TableProviders = "providers"
	TableMCP       = "mcp_servers"
	TableSettings  = "settings"
)

var kindTables = map[event.EntityKind]string{
	event.KindChat:     TableChats,
	event.KindProvider: TableProviders,
	event.KindMCP:      TableMCP,
	event.KindSetting:  TableSettings,
}

// TableFor returns the table backing an entity kind.
func TableFor(kind event.EntityKind) string { return kindTables[kind] }

// Mutations maps an event to its table mutations. In the current
// taxonomy every intent yields exactly one single-entity mutation; the
// slice return leaves room for richer intents, but the optimizer and
// the store's LWW bookkeeping assume one entity per event.
func Mutations(e event.Event) ([]Mutation, error) {
	kind, verb, ok := event.Kind(e.Intent)
	if !ok {
		return nil, fmt.Errorf("%w: unknown intent %q", event.ErrValidation, e.Intent)
	}
	table := kindTables[kind]
	switch verb {
	case event.VerbCreate:
		m, err := e.Entity()
		if err != nil {
			return nil, err
		}
		return []Mutation{{Op: Insert, Table: table, ID: m.ID, Fields: m.Fields}}, nil
	case event.VerbUpdate:
		m, err := e.Entity()
		if err != nil {
			return nil, err
		}
		return []Mutation{{Op: Update, Table: table, ID: m.ID, Fields: m.Fields}}, nil
	case event.VerbDelete:
		m, err := e.Delete()
		if err != nil {
			return nil, err
		}
		return []Mutation{{Op: Delete, Table: table, ID: m.ID}}, nil
	case event.VerbSet:
		m, err := e.Setting()
		if err != nil {
			return nil, err
		}
		// Settings are single-key rows: the key is the id and the row
		// has one mutable column.
		return []Mutation{{Op: Upsert, Table: table, ID: m.Key, Fields: map[string]any{"value": m.Value}}}, nil
	}
	return nil, fmt.Errorf("%w: unhandled intent %q", event.ErrValidation, e.Intent)
}

// MergeFields applies incoming field writes at timestamp ts onto a
// row's current values and updatedAt map, honoring per-field LWW.
// existing and existingAt are mutated in place; the return reports
// whether anything changed. This is the application-code form of the
// source system's generated CASE WHEN SQL: comparing HLC strings
// byte-wise is exactly the causal comparison.
func MergeFields(existing map[string]any, existingAt map[string]string, incoming map[string]any, ts string) bool {
	changed := false
	for f, v := range incoming {
		if prev, ok := existingAt[f]; ok && prev >= ts {
			continue // stale write for this field, silently dropped
		}
		existing[f] = v
		existingAt[f] = ts
		changed = true
	}
	return changed
}
