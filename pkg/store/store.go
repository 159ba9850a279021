// Package store manages all SQLite persistence for a driftsync
// replica: the append-only event log, the materialized entity tables
// with their per-field write timestamps, the sync cursors, and the
// replica's persisted HLC.
//
// The store is the serialization point of the client. Every event
// creation and every merge runs inside one writer transaction guarded
// by a mutex, so no two operations interleave their read-modify-write
// of the clock or of a row's updatedAt map. SQLite in WAL mode serves
// concurrent readers throughout.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/daviddao/driftsync/pkg/event"
	"github.com/daviddao/driftsync/pkg/hlc"
	"github.com/daviddao/driftsync/pkg/materialize"

	_ "modernc.org/sqlite"
)

// Store is a replica's local database.
type Store struct {
	db        *sql.DB
	replicaID string

	// writerMu serializes writer transactions. SQLite would also
	// detect the conflict, but serializing here keeps clock and
	// cursor read-modify-write cycles trivially race-free.
	writerMu sync.Mutex

	subMu sync.Mutex
	subs  []func(changed []string)
}

// Open opens (or creates) the replica database and initializes the
// schema and sync state.
func Open(path string) (*Store, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	if err := s.initSyncState(); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sync state: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// ReplicaID returns this replica's stable id, embedded in every
// timestamp it authors.
func (s *Store) ReplicaID() string { return s.replicaID }

// retryOnContention wraps retryOp from retry.go with the default
// config. All write operations use it to absorb transient SQLite
// errors (BUSY, LOCKED, IOERR_SHORT_READ).
func retryOnContention(fn func() error) error {
	return retryOp(defaultRetryConfig, fn)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS events (
		timestamp  TEXT PRIMARY KEY,
		intent     TEXT NOT NULL,
		meta       TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS chats (
		id         TEXT PRIMARY KEY,
		fields     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS providers (
		id         TEXT PRIMARY KEY,
		fields     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS mcp_servers (
		id         TEXT PRIMARY KEY,
		fields     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS settings (
		id         TEXT PRIMARY KEY,
		fields     TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sync_state (
		id           INTEGER PRIMARY KEY CHECK (id = 1),
		replica_id   TEXT NOT NULL,
		clock        TEXT NOT NULL,
		last_pull_at TEXT NOT NULL DEFAULT '',
		last_push_at TEXT NOT NULL DEFAULT ''
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) initSyncState() error {
	replica := uuid.NewString()
	clock := hlc.New(replica)
	err := retryOnContention(func() error {
		_, err := s.db.Exec(
			`INSERT INTO sync_state (id, replica_id, clock) VALUES (1, ?, ?)
			 ON CONFLICT(id) DO NOTHING`,
			replica, clock.String(),
		)
		return err
	})
	if err != nil {
		return err
	}
	return s.db.QueryRow(`SELECT replica_id FROM sync_state WHERE id = 1`).Scan(&s.replicaID)
}

// ---------------------------------------------------------------------------
// Clock and cursors
// ---------------------------------------------------------------------------

// ClockNow returns the persisted clock.
func (s *Store) ClockNow() (hlc.Clock, error) {
	var enc string
	if err := s.db.QueryRow(`SELECT clock FROM sync_state WHERE id = 1`).Scan(&enc); err != nil {
		return hlc.Clock{}, err
	}
	return hlc.Parse(enc)
}

// Cursors returns (lastPullAt, lastPushAt). Empty means "from the
// beginning".
func (s *Store) Cursors() (string, string, error) {
	var pull, push string
	err := s.db.QueryRow(`SELECT last_pull_at, last_push_at FROM sync_state WHERE id = 1`).Scan(&pull, &push)
	return pull, push, err
}

// SetLastPushAt advances the push cursor. Moves forward only; a stale
// acknowledgement cannot rewind it.
func (s *Store) SetLastPushAt(ts string) error {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return retryOnContention(func() error {
		_, err := s.db.Exec(
			`UPDATE sync_state SET last_push_at = ? WHERE id = 1 AND last_push_at < ?`, ts, ts)
		return err
	})
}

func loadClockTx(tx *sql.Tx) (hlc.Clock, error) {
	var enc string
	if err := tx.QueryRow(`SELECT clock FROM sync_state WHERE id = 1`).Scan(&enc); err != nil {
		return hlc.Clock{}, err
	}
	return hlc.Parse(enc)
}

func saveClockTx(tx *sql.Tx, c hlc.Clock) error {
	_, err := tx.Exec(`UPDATE sync_state SET clock = ? WHERE id = 1`, c.String())
	return err
}

// ---------------------------------------------------------------------------
// Event log
// ---------------------------------------------------------------------------

// appendTx inserts an event. The timestamp is the sole identity, so a
// duplicate is a harmless no-op; the return distinguishes a true
// insert for callers that skip re-materializing duplicates.
func appendTx(tx *sql.Tx, e event.Event) (bool, error) {
	res, err := tx.Exec(
		`INSERT INTO events (timestamp, intent, meta, created_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(timestamp) DO NOTHING`,
		e.Timestamp, string(e.Intent), string(e.Meta), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// replicaExpr extracts the replica id from a fixed-width encoded
// timestamp in SQL: 15 physical digits + dash + 5 logical chars +
// dash, so the replica id starts at byte 23.
const replicaExpr = `substr(timestamp, 23)`

// Scan returns events with timestamp strictly greater than after, in
// ascending timestamp order. excludeReplica, when non-empty, drops
// events authored by that replica so a client does not re-receive its
// own writes.
func (s *Store) Scan(after string, limit int, excludeReplica string) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT timestamp, intent, meta FROM events
		 WHERE timestamp > ? AND (? = '' OR `+replicaExpr+` != ?)
		 ORDER BY timestamp ASC LIMIT ?`,
		after, excludeReplica, excludeReplica, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// PendingPush returns this replica's own events past the push cursor,
// ascending.
func (s *Store) PendingPush(limit int) ([]event.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	_, push, err := s.Cursors()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.Query(
		`SELECT timestamp, intent, meta FROM events
		 WHERE timestamp > ? AND `+replicaExpr+` = ?
		 ORDER BY timestamp ASC LIMIT ?`,
		push, s.replicaID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Tail returns the last n events in ascending order. This is the
// window the compaction pass runs over.
func (s *Store) Tail(n int) ([]event.Event, error) {
	if n <= 0 {
		n = 100
	}
	rows, err := s.db.Query(
		`SELECT timestamp, intent, meta FROM (
		   SELECT timestamp, intent, meta FROM events ORDER BY timestamp DESC LIMIT ?
		 ) ORDER BY timestamp ASC`, n,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// Count returns the total number of events in the log.
func (s *Store) Count() (uint64, error) {
	var n uint64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events`).Scan(&n)
	return n, err
}

// CountSince returns the number of events past a timestamp.
func (s *Store) CountSince(after string) (uint64, error) {
	var n uint64
	err := s.db.QueryRow(`SELECT COUNT(*) FROM events WHERE timestamp > ?`, after).Scan(&n)
	return n, err
}

// DeleteEvents removes superseded events by timestamp. Only the
// compaction pass should feed this; it never touches entity tables.
func (s *Store) DeleteEvents(timestamps []string) (int64, error) {
	if len(timestamps) == 0 {
		return 0, nil
	}
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	var total int64
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		total = 0
		for _, ts := range timestamps {
			res, err := tx.Exec(`DELETE FROM events WHERE timestamp = ?`, ts)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			total += n
		}
		return tx.Commit()
	})
	return total, err
}

func scanEvents(rows *sql.Rows) ([]event.Event, error) {
	var events []event.Event
	for rows.Next() {
		var e event.Event
		var intent, meta string
		if err := rows.Scan(&e.Timestamp, &intent, &meta); err != nil {
			return nil, err
		}
		e.Intent = event.Intent(intent)
		e.Meta = json.RawMessage(meta)
		events = append(events, e)
	}
	return events, rows.Err()
}

// ---------------------------------------------------------------------------
// Dispatch and merge
// ---------------------------------------------------------------------------

// Dispatch records a local user action: one transaction increments the
// clock, appends the event, and materializes its mutations. The event
// is returned for the caller (and eventually the push path).
func (s *Store) Dispatch(intent event.Intent, meta any) (event.Event, error) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	var e event.Event
	var changed []string
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		clock, err := loadClockTx(tx)
		if err != nil {
			return err
		}
		clock = clock.Increment(time.Now())

		e, err = event.New(clock.String(), intent, meta)
		if err != nil {
			return err
		}
		if err := e.Validate(); err != nil {
			return err
		}
		if _, err := appendTx(tx, e); err != nil {
			return err
		}
		changed, err = materializeTx(tx, e)
		if err != nil {
			return err
		}
		if err := saveClockTx(tx, clock); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return event.Event{}, fmt.Errorf("dispatch %s: %w", intent, err)
	}
	s.notify(changed)
	return e, nil
}

// ReceiveBatch merges remote events. The whole batch is one
// transaction: every event is validated up front, each timestamp is
// received into the clock in arrival order, duplicates are absorbed,
// mutations are applied, and the pull cursor advances to syncedAt.
// Any failure aborts the batch with no partial state.
//
// The returned keys ("table/id") identify entities whose materialized
// rows changed, for downstream cache invalidation.
func (s *Store) ReceiveBatch(events []event.Event, syncedAt string) ([]string, error) {
	for _, e := range events {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("receive batch: %w", err)
		}
	}

	s.writerMu.Lock()
	defer s.writerMu.Unlock()

	var changed []string
	err := retryOnContention(func() error {
		tx, err := s.db.Begin()
		if err != nil {
			return err
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op

		clock, err := loadClockTx(tx)
		if err != nil {
			return err
		}
		changed = changed[:0]
		for _, e := range events {
			remote, err := hlc.Parse(e.Timestamp)
			if err != nil {
				return err
			}
			clock = clock.Receive(remote, time.Now())

			inserted, err := appendTx(tx, e)
			if err != nil {
				return err
			}
			if !inserted {
				continue // duplicate delivery, already materialized
			}
			keys, err := materializeTx(tx, e)
			if err != nil {
				return err
			}
			changed = append(changed, keys...)
		}
		if err := saveClockTx(tx, clock); err != nil {
			return err
		}
		if syncedAt != "" {
			if _, err := tx.Exec(
				`UPDATE sync_state SET last_pull_at = ? WHERE id = 1 AND last_pull_at < ?`,
				syncedAt, syncedAt); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, fmt.Errorf("receive batch: %w", err)
	}
	s.notify(changed)
	return changed, nil
}

// materializeTx applies an event's mutations and returns the changed
// entity keys.
func materializeTx(tx *sql.Tx, e event.Event) ([]string, error) {
	muts, err := materialize.Mutations(e)
	if err != nil {
		return nil, err
	}
	var changed []string
	for _, m := range muts {
		did, err := applyMutationTx(tx, m, e.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("apply %s %s/%s: %w", m.Op, m.Table, m.ID, err)
		}
		if did {
			changed = append(changed, m.Table+"/"+m.ID)
		}
	}
	return changed, nil
}

// applyMutationTx executes one mutation with the LWW rules from
// package materialize. Table names come from the intent taxonomy, not
// from user input.
func applyMutationTx(tx *sql.Tx, m materialize.Mutation, ts string) (bool, error) {
	switch m.Op {
	case materialize.Insert:
		fields, at, err := encodeRow(m.Fields, ts)
		if err != nil {
			return false, err
		}
		res, err := tx.Exec(
			`INSERT INTO `+m.Table+` (id, fields, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(id) DO NOTHING`, m.ID, fields, at)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err

	case materialize.Delete:
		res, err := tx.Exec(`DELETE FROM `+m.Table+` WHERE id = ?`, m.ID)
		if err != nil {
			return false, err
		}
		n, err := res.RowsAffected()
		return n > 0, err

	case materialize.Update, materialize.Upsert:
		var fieldsJSON, atJSON string
		err := tx.QueryRow(`SELECT fields, updated_at FROM `+m.Table+` WHERE id = ?`, m.ID).
			Scan(&fieldsJSON, &atJSON)
		if err == sql.ErrNoRows {
			if m.Op != materialize.Upsert {
				return false, nil // update of a missing row is a no-op
			}
			fields, at, encErr := encodeRow(m.Fields, ts)
			if encErr != nil {
				return false, encErr
			}
			_, err = tx.Exec(
				`INSERT INTO `+m.Table+` (id, fields, updated_at) VALUES (?, ?, ?)`,
				m.ID, fields, at)
			return err == nil, err
		}
		if err != nil {
			return false, err
		}
		row, at, err := decodeRow(fieldsJSON, atJSON)
		if err != nil {
			return false, err
		}
		if !materialize.MergeFields(row, at, m.Fields, ts) {
			return false, nil // every field write was stale
		}
		fields, atEnc, err := encodeMaps(row, at)
		if err != nil {
			return false, err
		}
		_, err = tx.Exec(`UPDATE `+m.Table+` SET fields = ?, updated_at = ? WHERE id = ?`,
			fields, atEnc, m.ID)
		return err == nil, err
	}
	return false, fmt.Errorf("unknown mutation op %v", m.Op)
}

func encodeRow(fields map[string]any, ts string) (string, string, error) {
	if fields == nil {
		fields = map[string]any{}
	}
	at := make(map[string]string, len(fields))
	for f := range fields {
		at[f] = ts
	}
	return encodeMaps(fields, at)
}

func encodeMaps(fields map[string]any, at map[string]string) (string, string, error) {
	f, err := json.Marshal(fields)
	if err != nil {
		return "", "", err
	}
	a, err := json.Marshal(at)
	if err != nil {
		return "", "", err
	}
	return string(f), string(a), nil
}

func decodeRow(fieldsJSON, atJSON string) (map[string]any, map[string]string, error) {
	var fields map[string]any
	if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
		return nil, nil, err
	}
	var at map[string]string
	if err := json.Unmarshal([]byte(atJSON), &at); err != nil {
		return nil, nil, err
	}
	return fields, at, nil
}

// ---------------------------------------------------------------------------
// Materialized reads
// ---------------------------------------------------------------------------

// Row is one materialized entity.
type Row struct {
	ID        string
	Fields    map[string]any
	UpdatedAt map[string]string
}

// GetRow reads one materialized entity. ok is false when the row does
// not exist.
func (s *Store) GetRow(table, id string) (Row, bool, error) {
	var fieldsJSON, atJSON string
	err := s.db.QueryRow(`SELECT fields, updated_at FROM `+table+` WHERE id = ?`, id).
		Scan(&fieldsJSON, &atJSON)
	if err == sql.ErrNoRows {
		return Row{}, false, nil
	}
	if err != nil {
		return Row{}, false, err
	}
	fields, at, err := decodeRow(fieldsJSON, atJSON)
	if err != nil {
		return Row{}, false, err
	}
	return Row{ID: id, Fields: fields, UpdatedAt: at}, true, nil
}

// ListRows returns all materialized entities of a table ordered by id.
func (s *Store) ListRows(table string) ([]Row, error) {
	rows, err := s.db.Query(`SELECT id, fields, updated_at FROM ` + table + ` ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Row
	for rows.Next() {
		var r Row
		var fieldsJSON, atJSON string
		if err := rows.Scan(&r.ID, &fieldsJSON, &atJSON); err != nil {
			return nil, err
		}
		r.Fields, r.UpdatedAt, err = decodeRow(fieldsJSON, atJSON)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// Change notification
// ---------------------------------------------------------------------------

// Subscribe registers a callback invoked after a committed transaction
// that changed materialized state, with the changed "table/id" keys.
// Callbacks run on the mutating goroutine and must not call back into
// the store's write path.
func (s *Store) Subscribe(fn func(changed []string)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.subs = append(s.subs, fn)
}

func (s *Store) notify(changed []string) {
	if len(changed) == 0 {
		return
	}
	s.subMu.Lock()
	subs := append([]func([]string){}, s.subs...)
	s.subMu.Unlock()
	for _, fn := range subs {
		fn(changed)
	}
}
