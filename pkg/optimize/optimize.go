// Package optimize implements log compaction: removing events whose
// effect is fully superseded by later events, without changing the
// state a replay of the remaining events produces.
//
// The pass scans a window of events backwards (latest first) and keeps
// per-entity bookkeeping of what later events already decided:
//
//   - a delete marks the entity dead; every earlier create/update for
//     it is moot.
//   - a create for a dead entity is moot; otherwise it covers the
//     entity wholesale (any earlier write is a no-op on replay, since
//     Update skips missing rows and Insert is first-writer-wins).
//   - an update is moot when the entity is dead or covered, or when
//     every field it writes was already written by a later event —
//     per-field LWW makes a fully-overwritten earlier write
//     unobservable. A partially-overwritten update is kept.
//   - a setting write is moot when a later event in the window already
//     wrote the same key.
//
// The create-covers-updates rule assumes an id is created at most once
// per lifetime (ids are uuids, and re-creation only happens after a
// delete). An update older than the create of the same live entity was
// a no-op on replay anyway.
//
// The pass is O(window) and correct on any suffix of the log, so it
// serves both incremental local compaction and batch trimming before a
// push.
package optimize

import (
	"github.com/daviddao/driftsync/pkg/event"
)

type entityKey struct {
	kind event.EntityKind
	id   string
}

type entityState struct {
	deleted bool
	covered bool                // a later create exists
	fields  map[string]struct{} // fields written by later updates
}

// Result of a compaction pass.
type Result struct {
	Keep []event.Event // surviving events, original order
	Drop []string      // timestamps of superseded events
}

// Compact runs one backward pass over events, which must be in
// ascending timestamp order. Events with unknown intents or malformed
// payloads are never dropped; compaction only reasons about shapes it
// fully understands.
func Compact(events []event.Event) Result {
	state := make(map[entityKey]*entityState)
	drop := make(map[string]bool)

	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		kind, verb, ok := event.Kind(e.Intent)
		if !ok {
			continue
		}
		switch verb {
		case event.VerbDelete:
			m, err := e.Delete()
			if err != nil {
				continue
			}
			st := lookup(state, entityKey{kind, m.ID})
			st.deleted = true

		case event.VerbCreate:
			m, err := e.Entity()
			if err != nil {
				continue
			}
			// A create is dropped only when the entity is dead. A later
			// create does not supersede an earlier one: Insert is
			// first-writer-wins, so the earlier create is the one whose
			// fields are live.
			st := lookup(state, entityKey{kind, m.ID})
			if st.deleted {
				drop[e.Timestamp] = true
				continue
			}
			st.covered = true

		case event.VerbUpdate:
			m, err := e.Entity()
			if err != nil {
				continue
			}
			st := lookup(state, entityKey{kind, m.ID})
			if st.deleted || st.covered || coversAll(st.fields, m.Fields) {
				drop[e.Timestamp] = true
				continue
			}
			if st.fields == nil {
				st.fields = make(map[string]struct{})
			}
			for f := range m.Fields {
				st.fields[f] = struct{}{}
			}

		case event.VerbSet:
			m, err := e.Setting()
			if err != nil {
				continue
			}
			st := lookup(state, entityKey{kind, m.Key})
			if st.covered {
				drop[e.Timestamp] = true
				continue
			}
			st.covered = true
		}
	}

	res := Result{Keep: make([]event.Event, 0, len(events)-len(drop)), Drop: make([]string, 0, len(drop))}
	for _, e := range events {
		if drop[e.Timestamp] {
			res.Drop = append(res.Drop, e.Timestamp)
		} else {
			res.Keep = append(res.Keep, e)
		}
	}
	return res
}

func lookup(state map[entityKey]*entityState, k entityKey) *entityState {
	st := state[k]
	if st == nil {
		st = &entityState{}
		state[k] = st
	}
	return st
}

// coversAll reports whether every field in incoming was already
// written by a later event.
func coversAll(later map[string]struct{}, incoming map[string]any) bool {
	if len(incoming) == 0 {
		return true
	}
	if len(later) == 0 {
		return false
	}
	for f := range incoming {
		if _, ok := later[f]; !ok {
			return false
		}
	}
	return true
}
