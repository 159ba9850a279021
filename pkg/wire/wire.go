// Package wire defines the JSON shapes exchanged between clients and
// the relay. The relay reads nothing but these envelopes: Data is
// opaque ciphertext, and the only fields it branches on are account
// id, client id, and timestamps.
package wire

import (
	"encoding/json"

	"github.com/daviddao/driftsync/pkg/event"
)

// Batch is the plaintext a client seals into a push payload.
type Batch struct {
	ClientID string        `json:"clientId"`
	Events   []event.Event `json:"events"`
}

// PushRequest is POST /messages, and the inbound WebSocket payload.
type PushRequest struct {
	AccountID string `json:"accountId"`
	ClientID  string `json:"clientId"`
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
}

// PushResponse acknowledges a stored push with its assigned timestamp.
type PushResponse struct {
	Timestamp string `json:"timestamp"`
}

// StoredBlob is one relayed payload with its server-assigned sync
// time. The signature travels with the ciphertext so pulling clients
// can check provenance before decrypting.
type StoredBlob struct {
	Data      []byte `json:"data"`
	Signature []byte `json:"signature"`
	SyncedAt  string `json:"syncedAt"`
}

// PullResponse is one page of GET /messages.
type PullResponse struct {
	Events    []StoredBlob `json:"events"`
	HasMore   bool         `json:"hasMore"`
	NextAfter string       `json:"nextAfter"`
	PageSize  int          `json:"pageSize"`
}

// DeleteRequest is DELETE /messages. Empty filters match everything
// for the account.
type DeleteRequest struct {
	AccountID string `json:"accountId"`
	ClientID  string `json:"clientId,omitempty"`
	After     string `json:"after,omitempty"`
	Before    string `json:"before,omitempty"`
}

// DeleteResponse reports how many stored payloads were pruned.
type DeleteResponse struct {
	Deleted int64 `json:"deleted"`
}

// Frame types on the WebSocket channel.
const (
	FrameInfo      = "info"
	FrameNewEvents = "new_events"
	FrameGotEvents = "got_events"
)

// Frame is a server-to-client WebSocket message. Info carries the
// connection id on open; new_events carries backlog or live payloads;
// got_events acknowledges this connection's own push.
type Frame struct {
	Type      string       `json:"type"`
	ID        string       `json:"id"`
	Events    []StoredBlob `json:"events,omitempty"`
	Count     int          `json:"count,omitempty"`
	Timestamp string       `json:"timestamp,omitempty"`
}

// EncodeBatch marshals a plaintext batch.
func EncodeBatch(b Batch) ([]byte, error) { return json.Marshal(b) }

// DecodeBatch unmarshals a plaintext batch.
func DecodeBatch(data []byte) (Batch, error) {
	var b Batch
	err := json.Unmarshal(data, &b)
	return b, err
}
