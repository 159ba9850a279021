// Package event defines the replicated event model for driftsync.
//
// The system is event-sourced: every local edit becomes an immutable
// Event identified solely by its HLC timestamp (globally unique since
// the replica id is embedded in the timestamp). Events are the unit of
// replication; replicas exchange events, never rows, and each replica
// derives table state by materializing the events it has.
//
// An Event's Intent names what the user did; Meta carries the
// intent-specific payload. The taxonomy is deliberately flat: one
// intent maps to one single-entity mutation, which is what makes the
// per-field last-writer-wins merge and the log compaction pass sound.
package event

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/daviddao/driftsync/pkg/hlc"
)

// ErrValidation is returned for an event whose shape cannot be merged.
// A batch containing such an event is rejected whole.
var ErrValidation = errors.New("invalid event")

// Intent names a user action recorded in the log.
type Intent string

const (
	CreateChat     Intent = "chat.create"
	UpdateChat     Intent = "chat.update"
	DeleteChat     Intent = "chat.delete"
	CreateProvider Intent = "provider.create"
	UpdateProvider Intent = "provider.update"
	DeleteProvider Intent = "provider.delete"
	CreateMCP      Intent = "mcp.create"
	UpdateMCP      Intent = "mcp.update"
	DeleteMCP      Intent = "mcp.delete"
	SetSetting     Intent = "setting.set"
)

// EntityKind groups intents by the entity they touch.
type EntityKind string

const (
	KindChat     EntityKind = "chat"
	KindProvider EntityKind = "provider"
	KindMCP      EntityKind = "mcp"
	KindSetting  EntityKind = "setting"
)

// Verb is the operation class of an intent.
type Verb int

const (
	VerbCreate Verb = iota
	VerbUpdate
	VerbDelete
	VerbSet // single-key value write (settings)
)

var intents = map[Intent]struct {
	kind EntityKind
	verb Verb
}{
	CreateChat:     {KindChat, VerbCreate},
	UpdateChat:     {KindChat, VerbUpdate},
	DeleteChat:     {KindChat, VerbDelete},
	CreateProvider: {KindProvider, VerbCreate},
	UpdateProvider: {KindProvider, VerbUpdate},
	DeleteProvider: {KindProvider, VerbDelete},
	CreateMCP:      {KindMCP, VerbCreate},
	UpdateMCP:      {KindMCP, VerbUpdate},
	DeleteMCP:      {KindMCP, VerbDelete},
	SetSetting:     {KindSetting, VerbSet},
}

// Kind returns the entity kind and verb of an intent. ok is false for
// an unknown intent.
func Kind(i Intent) (EntityKind, Verb, bool) {
	e, ok := intents[i]
	return e.kind, e.verb, ok
}

// Event is one entry in the append-only log. Immutable once stored;
// Timestamp is the primary key, so re-insertion is an idempotent no-op.
type Event struct {
	Timestamp string          `json:"timestamp"`
	Intent    Intent          `json:"intent"`
	Meta      json.RawMessage `json:"meta"`
}

// EntityMeta is the payload of create/update intents.
type EntityMeta struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// DeleteMeta is the payload of delete intents.
type DeleteMeta struct {
	ID string `json:"id"`
}

// SettingMeta is the payload of setting.set.
type SettingMeta struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// New builds an event for the given intent, marshalling meta.
func New(ts string, intent Intent, meta any) (Event, error) {
	raw, err := json.Marshal(meta)
	if err != nil {
		return Event{}, fmt.Errorf("encode meta for %s: %w", intent, err)
	}
	return Event{Timestamp: ts, Intent: intent, Meta: raw}, nil
}

// Validate checks that the event can be merged: a parseable HLC
// timestamp, a known intent, and a meta payload matching the intent's
// schema. All failures wrap ErrValidation.
func (e Event) Validate() error {
	if _, err := hlc.Parse(e.Timestamp); err != nil {
		return fmt.Errorf("%w: timestamp: %v", ErrValidation, err)
	}
	_, verb, ok := Kind(e.Intent)
	if !ok {
		return fmt.Errorf("%w: unknown intent %q", ErrValidation, e.Intent)
	}
	switch verb {
	case VerbCreate, VerbUpdate:
		m, err := e.Entity()
		if err != nil {
			return err
		}
		if verb == VerbCreate && len(m.Fields) == 0 {
			return fmt.Errorf("%w: %s %q: create without fields", ErrValidation, e.Intent, m.ID)
		}
	case VerbDelete:
		if _, err := e.Delete(); err != nil {
			return err
		}
	case VerbSet:
		if _, err := e.Setting(); err != nil {
			return err
		}
	}
	return nil
}

// Entity decodes the payload of a create/update event.
func (e Event) Entity() (EntityMeta, error) {
	var m EntityMeta
	if err := json.Unmarshal(e.Meta, &m); err != nil {
		return m, fmt.Errorf("%w: %s meta: %v", ErrValidation, e.Intent, err)
	}
	if m.ID == "" {
		return m, fmt.Errorf("%w: %s meta: missing id", ErrValidation, e.Intent)
	}
	return m, nil
}

// Delete decodes the payload of a delete event.
func (e Event) Delete() (DeleteMeta, error) {
	var m DeleteMeta
	if err := json.Unmarshal(e.Meta, &m); err != nil {
		return m, fmt.Errorf("%w: %s meta: %v", ErrValidation, e.Intent, err)
	}
	if m.ID == "" {
		return m, fmt.Errorf("%w: %s meta: missing id", ErrValidation, e.Intent)
	}
	return m, nil
}

// Setting decodes the payload of a setting.set event.
func (e Event) Setting() (SettingMeta, error) {
	var m SettingMeta
	if err := json.Unmarshal(e.Meta, &m); err != nil {
		return m, fmt.Errorf("%w: %s meta: %v", ErrValidation, e.Intent, err)
	}
	if m.Key == "" {
		return m, fmt.Errorf("%w: %s meta: missing key", ErrValidation, e.Intent)
	}
	return m, nil
}

// Replica returns the id of the replica that authored the event.
func (e Event) Replica() string {
	return hlc.ReplicaOf(e.Timestamp)
}
