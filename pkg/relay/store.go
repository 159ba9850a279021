// store.go is the relay's persistence: opaque ciphertext payloads
// keyed by account, ordered by the relay's own timestamps. The relay
// can not decrypt what it stores; everything it knows about a payload
// is in this table's columns.
package relay

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// BlobStore persists pushed payloads for later pulls.
type BlobStore struct {
	db *sql.DB
}

// OpenBlobStore opens (or creates) the relay database.
func OpenBlobStore(path string) (*BlobStore, error) {
	dsn := path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(60000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open relay db: %w", err)
	}
	db.SetMaxOpenConns(8)
	db.SetConnMaxLifetime(30 * time.Minute)

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		client_id  TEXT NOT NULL,
		data       BLOB NOT NULL,
		signature  BLOB NOT NULL,
		timestamp  TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE (account_id, data)
	);
	CREATE INDEX IF NOT EXISTS idx_messages_account_ts ON messages(account_id, timestamp);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate relay db: %w", err)
	}
	return &BlobStore{db: db}, nil
}

// Close closes the database connection.
func (b *BlobStore) Close() error { return b.db.Close() }

// Insert stores a payload under the given timestamp. The uniqueness
// constraint over (account_id, data) absorbs byte-identical
// resubmission after a dropped ack: the stored timestamp of the first
// copy is returned and inserted reports false.
func (b *BlobStore) Insert(accountID, clientID string, data, sig []byte, ts string) (string, bool, error) {
	res, err := b.db.Exec(
		`INSERT INTO messages (account_id, client_id, data, signature, timestamp, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(account_id, data) DO NOTHING`,
		accountID, clientID, data, sig, ts, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return "", false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", false, err
	}
	if n > 0 {
		return ts, true, nil
	}
	var existing string
	err = b.db.QueryRow(
		`SELECT timestamp FROM messages WHERE account_id = ? AND data = ?`,
		accountID, data,
	).Scan(&existing)
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// Blob is one stored payload.
type Blob struct {
	Data      []byte
	Signature []byte
	Timestamp string
	ClientID  string
}

// Page returns up to pageSize payloads for an account with timestamp
// strictly greater than after, ascending, excluding those pushed by
// excludeClient. hasMore reports whether another page exists, decided
// by a pageSize+1 over-fetch.
func (b *BlobStore) Page(accountID, after, excludeClient string, pageSize int) ([]Blob, bool, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	rows, err := b.db.Query(
		`SELECT data, signature, timestamp, client_id FROM messages
		 WHERE account_id = ? AND timestamp > ? AND (? = '' OR client_id != ?)
		 ORDER BY timestamp ASC LIMIT ?`,
		accountID, after, excludeClient, excludeClient, pageSize+1,
	)
	if err != nil {
		return nil, false, err
	}
	defer rows.Close()

	var blobs []Blob
	for rows.Next() {
		var bl Blob
		if err := rows.Scan(&bl.Data, &bl.Signature, &bl.Timestamp, &bl.ClientID); err != nil {
			return nil, false, err
		}
		blobs = append(blobs, bl)
	}
	if err := rows.Err(); err != nil {
		return nil, false, err
	}
	hasMore := len(blobs) > pageSize
	if hasMore {
		blobs = blobs[:pageSize]
	}
	return blobs, hasMore, nil
}

// Delete prunes payloads matching the filters. Empty clientID/after/
// before match everything for the account.
func (b *BlobStore) Delete(accountID, clientID, after, before string) (int64, error) {
	res, err := b.db.Exec(
		`DELETE FROM messages
		 WHERE account_id = ?
		   AND (? = '' OR client_id = ?)
		   AND (? = '' OR timestamp > ?)
		   AND (? = '' OR timestamp < ?)`,
		accountID, clientID, clientID, after, after, before, before,
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// DeleteAccount removes every payload of an account.
func (b *BlobStore) DeleteAccount(accountID string) (int64, error) {
	res, err := b.db.Exec(`DELETE FROM messages WHERE account_id = ?`, accountID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Count returns the number of stored payloads for an account.
func (b *BlobStore) Count(accountID string) (int64, error) {
	var n int64
	err := b.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE account_id = ?`, accountID).Scan(&n)
	return n, err
}

// MaxTimestamp returns the highest assigned timestamp, or "" when the
// store is empty. The server seeds its clock from this on startup so
// timestamps stay monotonic across restarts.
func (b *BlobStore) MaxTimestamp() (string, error) {
	var ts sql.NullString
	err := b.db.QueryRow(`SELECT MAX(timestamp) FROM messages`).Scan(&ts)
	if err != nil {
		return "", err
	}
	return ts.String, nil
}
